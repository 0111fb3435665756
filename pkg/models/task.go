package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus tracks one stage attempt in the durable audit trail
type TaskStatus string

const (
	TaskStatusStarted   TaskStatus = "started"
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSkipped   TaskStatus = "skipped"
)

// ProcessingTask is one audit row per stage attempt
type ProcessingTask struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	DocumentID  uuid.UUID  `db:"document_id" json:"document_id"`
	TaskType    string     `db:"task_type" json:"task_type"`
	Status      TaskStatus `db:"status" json:"status"`
	QueueMsgID  *string    `db:"queue_msg_id" json:"queue_msg_id,omitempty"`
	Error       *string    `db:"error" json:"error,omitempty"`
	StartedAt   time.Time  `db:"started_at" json:"started_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// BatchStatus is the aggregate status of a submitted batch
type BatchStatus string

const (
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
)

// BatchProgress holds aggregate counters for a batch of documents.
// Stored as a Redis hash in the batch database and updated atomically.
type BatchProgress struct {
	BatchID   string      `json:"batch_id"`
	Total     int64       `json:"total"`
	Pending   int64       `json:"pending"`
	Completed int64       `json:"completed"`
	Failed    int64       `json:"failed"`
	Status    BatchStatus `json:"status"`
}
