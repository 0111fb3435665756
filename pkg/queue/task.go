package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Task is one unit of pipeline work: run a single stage against a document at
// a specific processing version.
type Task struct {
	TaskID     string    `json:"task_id"`
	Type       string    `json:"type"`
	DocumentID uuid.UUID `json:"document_id"`
	BatchID    string    `json:"batch_id,omitempty"`
	Version    int       `json:"version"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewTask builds a task for a stage run
func NewTask(taskType string, documentID uuid.UUID, version int, batchID string) Task {
	return Task{
		TaskID:     uuid.NewString(),
		Type:       taskType,
		DocumentID: documentID,
		BatchID:    batchID,
		Version:    version,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	}
}

// TaskQueue abstracts the message broker carrying stage tasks
type TaskQueue interface {
	// Enqueue sends a task to the queue
	Enqueue(ctx context.Context, task Task) error
	// EnqueueDelayed sends a task that becomes visible after the delay
	EnqueueDelayed(ctx context.Context, task Task, delay time.Duration) error
	// Receive returns up to maxMessages tasks with their receipt handles
	Receive(ctx context.Context, maxMessages int32, waitSeconds int32) ([]Task, []string, error)
	// Delete acknowledges a task so it is not redelivered
	Delete(ctx context.Context, receiptHandle string) error
}

// EventPublisher fans out pipeline lifecycle events to interested consumers
type EventPublisher interface {
	Publish(ctx context.Context, event PipelineEvent) error
}

// PipelineEvent announces a stage transition for a document
type PipelineEvent struct {
	EventID    string                 `json:"event_id"`
	EventType  string                 `json:"event_type"`
	DocumentID uuid.UUID              `json:"document_id"`
	Stage      string                 `json:"stage"`
	Status     string                 `json:"status"`
	BatchID    string                 `json:"batch_id,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}
