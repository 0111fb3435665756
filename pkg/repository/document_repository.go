package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/lexpipe/lexpipe/pkg/models"
)

// DocumentRepository is the durable store for documents
type DocumentRepository interface {
	Create(ctx context.Context, doc *models.Document) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Document, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.DocumentStatus, errorMsg string) error
	SetExtractedText(ctx context.Context, id uuid.UUID, text string) error
	BumpVersion(ctx context.Context, id uuid.UUID) (int, error)
	GetFinalState(ctx context.Context, id uuid.UUID) (*models.FinalState, error)
}

type documentRepository struct {
	db *sqlx.DB
}

// NewDocumentRepository creates a new document repository
func NewDocumentRepository(db *sqlx.DB) DocumentRepository {
	return &documentRepository{db: db}
}

func (r *documentRepository) Create(ctx context.Context, doc *models.Document) error {
	query := `
		INSERT INTO documents (
			id, project_id, file_name, storage_bucket, storage_key,
			status, version, created_at, updated_at
		) VALUES (
			:id, :project_id, :file_name, :storage_bucket, :storage_key,
			:status, :version, :created_at, :updated_at
		)`
	_, err := r.db.NamedExecContext(ctx, query, doc)
	return err
}

func (r *documentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	var doc models.Document
	err := r.db.GetContext(ctx, &doc, `SELECT * FROM documents WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *documentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.DocumentStatus, errorMsg string) error {
	var errPtr *string
	if errorMsg != "" {
		truncated := models.TruncateError(errorMsg)
		errPtr = &truncated
	}
	query := `
		UPDATE documents
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, status, errPtr)
	return err
}

func (r *documentRepository) SetExtractedText(ctx context.Context, id uuid.UUID, text string) error {
	query := `UPDATE documents SET extracted_text = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, text)
	return err
}

func (r *documentRepository) BumpVersion(ctx context.Context, id uuid.UUID) (int, error) {
	var version int
	query := `
		UPDATE documents
		SET version = version + 1, status = 'pending', error_message = NULL, updated_at = NOW()
		WHERE id = $1
		RETURNING version`
	err := r.db.GetContext(ctx, &version, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return version, err
}

func (r *documentRepository) GetFinalState(ctx context.Context, id uuid.UUID) (*models.FinalState, error) {
	var row struct {
		Status               models.DocumentStatus `db:"status"`
		ErrorMessage         *string               `db:"error_message"`
		ChunkCount           int                   `db:"chunk_count"`
		EntityCount          int                   `db:"entity_count"`
		CanonicalEntityCount int                   `db:"canonical_entity_count"`
		RelationshipCount    int                   `db:"relationship_count"`
	}
	query := `
		SELECT d.status,
		       d.error_message,
		       (SELECT COUNT(*) FROM document_chunks c WHERE c.document_id = d.id)      AS chunk_count,
		       (SELECT COUNT(*) FROM entity_mentions m WHERE m.document_id = d.id)      AS entity_count,
		       (SELECT COUNT(*) FROM canonical_entities e WHERE e.document_id = d.id)   AS canonical_entity_count,
		       (SELECT COUNT(*) FROM relationship_staging r WHERE r.document_id = d.id) AS relationship_count
		FROM documents d
		WHERE d.id = $1`
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	state := &models.FinalState{
		DocumentID:           id,
		Status:               row.Status,
		ChunkCount:           row.ChunkCount,
		EntityCount:          row.EntityCount,
		CanonicalEntityCount: row.CanonicalEntityCount,
		RelationshipCount:    row.RelationshipCount,
	}
	if row.ErrorMessage != nil {
		state.ErrorMessage = *row.ErrorMessage
	}
	return state, nil
}
