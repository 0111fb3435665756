package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/lexpipe/lexpipe/pkg/models"
)

// ChunkRepository is the durable store for document chunks
type ChunkRepository interface {
	ReplaceForDocument(ctx context.Context, documentID uuid.UUID, chunks []models.Chunk) error
	GetByDocument(ctx context.Context, documentID uuid.UUID) ([]models.Chunk, error)
}

type chunkRepository struct {
	db *sqlx.DB
}

// NewChunkRepository creates a new chunk repository
func NewChunkRepository(db *sqlx.DB) ChunkRepository {
	return &chunkRepository{db: db}
}

// ReplaceForDocument swaps a document's chunk set in one transaction so a
// reprocessed document never keeps stale chunks alongside new ones.
func (r *chunkRepository) ReplaceForDocument(ctx context.Context, documentID uuid.UUID, chunks []models.Chunk) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID); err != nil {
		return err
	}
	if len(chunks) > 0 {
		query := `
			INSERT INTO document_chunks (id, document_id, chunk_index, content, start_char, end_char, created_at)
			VALUES (:id, :document_id, :chunk_index, :content, :start_char, :end_char, :created_at)`
		if _, err := tx.NamedExecContext(ctx, query, chunks); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *chunkRepository) GetByDocument(ctx context.Context, documentID uuid.UUID) ([]models.Chunk, error) {
	var chunks []models.Chunk
	query := `SELECT * FROM document_chunks WHERE document_id = $1 ORDER BY chunk_index ASC`
	err := r.db.SelectContext(ctx, &chunks, query, documentID)
	return chunks, err
}
