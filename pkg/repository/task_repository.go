package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/lexpipe/lexpipe/pkg/models"
)

// TaskRepository is the audit trail of stage attempts
type TaskRepository interface {
	Start(ctx context.Context, documentID uuid.UUID, taskType string, queueMsgID string) (uuid.UUID, error)
	Finish(ctx context.Context, taskID uuid.UUID, status models.TaskStatus, errMsg string) error
	GetByDocument(ctx context.Context, documentID uuid.UUID) ([]models.ProcessingTask, error)
}

type taskRepository struct {
	db *sqlx.DB
}

// NewTaskRepository creates a new task repository
func NewTaskRepository(db *sqlx.DB) TaskRepository {
	return &taskRepository{db: db}
}

func (r *taskRepository) Start(ctx context.Context, documentID uuid.UUID, taskType string, queueMsgID string) (uuid.UUID, error) {
	task := models.ProcessingTask{
		ID:         uuid.New(),
		DocumentID: documentID,
		TaskType:   taskType,
		Status:     models.TaskStatusStarted,
		StartedAt:  time.Now().UTC(),
	}
	if queueMsgID != "" {
		task.QueueMsgID = &queueMsgID
	}
	query := `
		INSERT INTO processing_tasks (id, document_id, task_type, status, queue_msg_id, started_at)
		VALUES (:id, :document_id, :task_type, :status, :queue_msg_id, :started_at)`
	_, err := r.db.NamedExecContext(ctx, query, task)
	return task.ID, err
}

func (r *taskRepository) Finish(ctx context.Context, taskID uuid.UUID, status models.TaskStatus, errMsg string) error {
	var errPtr *string
	if errMsg != "" {
		truncated := models.TruncateError(errMsg)
		errPtr = &truncated
	}
	query := `
		UPDATE processing_tasks
		SET status = $2, error = $3, completed_at = NOW()
		WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, taskID, status, errPtr)
	return err
}

func (r *taskRepository) GetByDocument(ctx context.Context, documentID uuid.UUID) ([]models.ProcessingTask, error) {
	var tasks []models.ProcessingTask
	query := `SELECT * FROM processing_tasks WHERE document_id = $1 ORDER BY started_at ASC`
	err := r.db.SelectContext(ctx, &tasks, query, documentID)
	return tasks, err
}
