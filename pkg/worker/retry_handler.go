package worker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lexpipe/lexpipe/pkg/observability"
	"github.com/lexpipe/lexpipe/pkg/pipeline"
	"github.com/lexpipe/lexpipe/pkg/queue"
	"github.com/lexpipe/lexpipe/pkg/repository"
)

// RetryConfig defines configuration for retry behavior
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:      3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     2 * time.Minute,
		Multiplier:      2.0,
		MaxElapsedTime:  15 * time.Minute,
	}
}

// RetryHandler retries stage work with exponential backoff. Errors that
// cannot succeed on a retry (bad input, missing document, failed OCR job)
// are surfaced immediately.
type RetryHandler struct {
	config *RetryConfig
	logger observability.Logger
}

// NewRetryHandler creates a new retry handler
func NewRetryHandler(config *RetryConfig, logger observability.Logger) *RetryHandler {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &RetryHandler{config: config, logger: logger}
}

// ExecuteWithRetry executes fn with exponential backoff retry
func (r *RetryHandler) ExecuteWithRetry(ctx context.Context, task queue.Task, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.InitialInterval
	b.MaxInterval = r.config.MaxInterval
	b.Multiplier = r.config.Multiplier
	b.MaxElapsedTime = r.config.MaxElapsedTime

	maxRetries := r.config.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	policy := backoff.WithMaxRetries(b, uint64(maxRetries))

	attempt := 0
	operation := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !r.isRetryableError(err) {
			r.logger.Error("Non-retryable error encountered", map[string]interface{}{
				"task_id":   task.TaskID,
				"task_type": task.Type,
				"attempt":   attempt,
				"error":     err.Error(),
			})
			return backoff.Permanent(err)
		}
		r.logger.Warn("Retryable error encountered", map[string]interface{}{
			"task_id":     task.TaskID,
			"task_type":   task.Type,
			"attempt":     attempt,
			"max_retries": r.config.MaxRetries,
			"error":       err.Error(),
		})
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	if err == nil && attempt > 1 {
		r.logger.Info("Task succeeded after retries", map[string]interface{}{
			"task_id":        task.TaskID,
			"total_attempts": attempt,
		})
	}
	return err
}

// nonRetryableErrors are sentinels where retrying the same input cannot help
var nonRetryableErrors = []error{
	pipeline.ErrInvalidTransition,
	repository.ErrNotFound,
}

// nonRetryableFragments cover permanent errors built from plain messages,
// where no sentinel exists to match on
var nonRetryableFragments = []string{
	"not found",
	"artifact kind mismatch",
	"schema validation",
	"ocr job failed",
	"still in progress",
	"unsupported",
}

func (r *RetryHandler) isRetryableError(err error) bool {
	for _, sentinel := range nonRetryableErrors {
		if errors.Is(err, sentinel) {
			return false
		}
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range nonRetryableFragments {
		if strings.Contains(msg, fragment) {
			return false
		}
	}
	return true
}
