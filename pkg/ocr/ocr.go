package ocr

import (
	"context"

	"github.com/lexpipe/lexpipe/pkg/models"
)

// JobStatus mirrors the async OCR provider's job lifecycle
type JobStatus string

const (
	JobStatusInProgress JobStatus = "IN_PROGRESS"
	JobStatusSucceeded  JobStatus = "SUCCEEDED"
	JobStatusFailed     JobStatus = "FAILED"
)

// JobResult is one poll of an async OCR job. Text and Pages are only
// populated when Status is SUCCEEDED.
type JobResult struct {
	Status        JobStatus
	Text          string
	Pages         []models.PageMetadata
	StatusMessage string
}

// Client abstracts the async OCR provider
type Client interface {
	// SubmitJob starts text detection against a stored document and returns
	// the provider job id
	SubmitJob(ctx context.Context, bucket, key string) (string, error)
	// PollJob fetches the current status and, on success, the full text
	PollJob(ctx context.Context, jobID string) (*JobResult, error)
}
