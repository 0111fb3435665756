package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/lexpipe/lexpipe/pkg/models"
)

// RelationshipRepository is the durable store for staged relationship edges
type RelationshipRepository interface {
	ReplaceForDocument(ctx context.Context, documentID uuid.UUID, relationships []models.Relationship) error
	CountByDocument(ctx context.Context, documentID uuid.UUID) (int, error)
}

type relationshipRepository struct {
	db *sqlx.DB
}

// NewRelationshipRepository creates a new relationship repository
func NewRelationshipRepository(db *sqlx.DB) RelationshipRepository {
	return &relationshipRepository{db: db}
}

// ReplaceForDocument swaps a document's staged edges in one transaction so
// re-running the relationships stage never duplicates edges.
func (r *relationshipRepository) ReplaceForDocument(ctx context.Context, documentID uuid.UUID, relationships []models.Relationship) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM relationship_staging WHERE document_id = $1`, documentID); err != nil {
		return err
	}
	if len(relationships) > 0 {
		query := `
			INSERT INTO relationship_staging (
				id, document_id, source_id, source_type, target_id, target_type,
				relationship_type, created_at
			) VALUES (
				:id, :document_id, :source_id, :source_type, :target_id, :target_type,
				:relationship_type, :created_at
			)`
		if _, err := tx.NamedExecContext(ctx, query, relationships); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *relationshipRepository) CountByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM relationship_staging WHERE document_id = $1`, documentID)
	return count, err
}
