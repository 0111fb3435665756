package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryTaskQueue is an in-process TaskQueue for development and tests. It
// mirrors SQS visibility semantics loosely: received messages are removed
// immediately and Delete is a no-op bookkeeping call.
type MemoryTaskQueue struct {
	mu      sync.Mutex
	pending []delayedTask
	counter int
	deleted map[string]bool
}

type delayedTask struct {
	task      Task
	receipt   string
	visibleAt time.Time
}

var _ TaskQueue = (*MemoryTaskQueue)(nil)

// NewMemoryTaskQueue creates an empty in-process queue
func NewMemoryTaskQueue() *MemoryTaskQueue {
	return &MemoryTaskQueue{deleted: make(map[string]bool)}
}

func (q *MemoryTaskQueue) Enqueue(ctx context.Context, task Task) error {
	return q.EnqueueDelayed(ctx, task, 0)
}

func (q *MemoryTaskQueue) EnqueueDelayed(_ context.Context, task Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.counter++
	q.pending = append(q.pending, delayedTask{
		task:      task,
		receipt:   fmt.Sprintf("receipt-%d", q.counter),
		visibleAt: time.Now().Add(delay),
	})
	return nil
}

func (q *MemoryTaskQueue) Receive(ctx context.Context, maxMessages int32, waitSeconds int32) ([]Task, []string, error) {
	deadline := time.Now().Add(time.Duration(waitSeconds) * time.Second)
	for {
		tasks, receipts := q.take(int(maxMessages))
		if len(tasks) > 0 || waitSeconds == 0 || time.Now().After(deadline) {
			return tasks, receipts, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (q *MemoryTaskQueue) take(max int) ([]Task, []string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var tasks []Task
	var receipts []string
	var remaining []delayedTask
	for _, dt := range q.pending {
		if len(tasks) < max && !dt.visibleAt.After(now) {
			tasks = append(tasks, dt.task)
			receipts = append(receipts, dt.receipt)
			continue
		}
		remaining = append(remaining, dt)
	}
	q.pending = remaining
	return tasks, receipts
}

func (q *MemoryTaskQueue) Delete(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted[receiptHandle] = true
	return nil
}

// Len reports the number of tasks waiting in the queue
func (q *MemoryTaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// MemoryEventPublisher collects pipeline events in memory for tests
type MemoryEventPublisher struct {
	mu     sync.Mutex
	events []PipelineEvent
}

var _ EventPublisher = (*MemoryEventPublisher)(nil)

// NewMemoryEventPublisher creates an empty in-process publisher
func NewMemoryEventPublisher() *MemoryEventPublisher {
	return &MemoryEventPublisher{}
}

func (p *MemoryEventPublisher) Publish(_ context.Context, event PipelineEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	p.events = append(p.events, event)
	return nil
}

// Events returns a copy of everything published so far
func (p *MemoryEventPublisher) Events() []PipelineEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PipelineEvent, len(p.events))
	copy(out, p.events)
	return out
}
