// Package worker runs pipeline stage tasks pulled from the task queue.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/lexpipe/lexpipe/pkg/observability"
	"github.com/lexpipe/lexpipe/pkg/queue"
)

// Config tunes the polling loop
type Config struct {
	// MaxMessages is the receive batch size
	MaxMessages int32
	// WaitSeconds is the long-poll duration per receive
	WaitSeconds int32
	// Concurrency bounds how many tasks run at once
	Concurrency int
	// ErrorBackoff is the pause after a receive error
	ErrorBackoff time.Duration
}

// DefaultConfig returns the default polling configuration
func DefaultConfig() Config {
	return Config{
		MaxMessages:  5,
		WaitSeconds:  10,
		Concurrency:  4,
		ErrorBackoff: 5 * time.Second,
	}
}

// Worker pulls tasks off the queue and dispatches them to the processor with
// bounded concurrency. A task is acknowledged only after the processor
// returns nil; transient failures leave the message for redelivery.
type Worker struct {
	cfg       Config
	tasks     queue.TaskQueue
	processor *Processor
	logger    observability.Logger
}

// New creates a worker over a queue and processor
func New(cfg Config, tasks queue.TaskQueue, processor *Processor, logger observability.Logger) *Worker {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultConfig().MaxMessages
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultConfig().ErrorBackoff
	}
	return &Worker{
		cfg:       cfg,
		tasks:     tasks,
		processor: processor,
		logger:    logger.WithPrefix("worker"),
	}
}

// Run polls until the context is cancelled. In-flight tasks are drained
// before returning.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started", map[string]interface{}{
		"concurrency":  w.cfg.Concurrency,
		"max_messages": w.cfg.MaxMessages,
	})

	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			w.logger.Info("Worker stopped", nil)
			return ctx.Err()
		default:
		}

		tasks, receipts, err := w.tasks.Receive(ctx, w.cfg.MaxMessages, w.cfg.WaitSeconds)
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return ctx.Err()
			}
			w.logger.Error("Failed to receive tasks", map[string]interface{}{
				"error": err.Error(),
			})
			select {
			case <-ctx.Done():
				wg.Wait()
				return ctx.Err()
			case <-time.After(w.cfg.ErrorBackoff):
			}
			continue
		}

		for i := range tasks {
			task := tasks[i]
			receipt := receipts[i]

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				wg.Wait()
				return ctx.Err()
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				if err := w.processor.ProcessTask(ctx, task); err != nil {
					// Leave the message; the queue redelivers it
					w.logger.Warn("Task left for redelivery", map[string]interface{}{
						"task_id":   task.TaskID,
						"task_type": task.Type,
						"error":     err.Error(),
					})
					return
				}
				if err := w.tasks.Delete(ctx, receipt); err != nil {
					w.logger.Warn("Failed to acknowledge task", map[string]interface{}{
						"task_id": task.TaskID,
						"error":   err.Error(),
					})
				}
			}()
		}
	}
}
