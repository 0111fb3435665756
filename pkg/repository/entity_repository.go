package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/lexpipe/lexpipe/pkg/models"
)

// MentionRepository is the durable store for entity mentions
type MentionRepository interface {
	ReplaceForDocument(ctx context.Context, documentID uuid.UUID, mentions []models.EntityMention) error
	GetByDocument(ctx context.Context, documentID uuid.UUID) ([]models.EntityMention, error)
	LinkCanonical(ctx context.Context, mentions []models.EntityMention) error
}

type mentionRepository struct {
	db *sqlx.DB
}

// NewMentionRepository creates a new mention repository
func NewMentionRepository(db *sqlx.DB) MentionRepository {
	return &mentionRepository{db: db}
}

func (r *mentionRepository) ReplaceForDocument(ctx context.Context, documentID uuid.UUID, mentions []models.EntityMention) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entity_mentions WHERE document_id = $1`, documentID); err != nil {
		return err
	}
	if len(mentions) > 0 {
		query := `
			INSERT INTO entity_mentions (
				id, document_id, chunk_id, text, entity_type,
				start_offset, end_offset, confidence, canonical_entity_id, created_at
			) VALUES (
				:id, :document_id, :chunk_id, :text, :entity_type,
				:start_offset, :end_offset, :confidence, :canonical_entity_id, :created_at
			)`
		if _, err := tx.NamedExecContext(ctx, query, mentions); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *mentionRepository) GetByDocument(ctx context.Context, documentID uuid.UUID) ([]models.EntityMention, error) {
	var mentions []models.EntityMention
	query := `SELECT * FROM entity_mentions WHERE document_id = $1 ORDER BY chunk_id, start_offset`
	err := r.db.SelectContext(ctx, &mentions, query, documentID)
	return mentions, err
}

// LinkCanonical writes the canonical_entity_id produced by resolution back
// onto each mention row.
func (r *mentionRepository) LinkCanonical(ctx context.Context, mentions []models.EntityMention) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := `UPDATE entity_mentions SET canonical_entity_id = $2 WHERE id = $1`
	for _, m := range mentions {
		if m.CanonicalEntityID == nil {
			continue
		}
		if _, err := tx.ExecContext(ctx, query, m.ID, *m.CanonicalEntityID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CanonicalEntityRepository is the durable store for resolved entities
type CanonicalEntityRepository interface {
	ReplaceForDocument(ctx context.Context, documentID uuid.UUID, entities []models.CanonicalEntity) error
	GetByDocument(ctx context.Context, documentID uuid.UUID) ([]models.CanonicalEntity, error)
}

type canonicalEntityRepository struct {
	db *sqlx.DB
}

// NewCanonicalEntityRepository creates a new canonical entity repository
func NewCanonicalEntityRepository(db *sqlx.DB) CanonicalEntityRepository {
	return &canonicalEntityRepository{db: db}
}

func (r *canonicalEntityRepository) ReplaceForDocument(ctx context.Context, documentID uuid.UUID, entities []models.CanonicalEntity) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM canonical_entities WHERE document_id = $1`, documentID); err != nil {
		return err
	}
	if len(entities) > 0 {
		query := `
			INSERT INTO canonical_entities (
				id, document_id, name, entity_type, mention_count,
				resolution_method, confidence, created_at
			) VALUES (
				:id, :document_id, :name, :entity_type, :mention_count,
				:resolution_method, :confidence, :created_at
			)`
		if _, err := tx.NamedExecContext(ctx, query, entities); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *canonicalEntityRepository) GetByDocument(ctx context.Context, documentID uuid.UUID) ([]models.CanonicalEntity, error) {
	var entities []models.CanonicalEntity
	query := `SELECT * FROM canonical_entities WHERE document_id = $1 ORDER BY entity_type, name`
	err := r.db.SelectContext(ctx, &entities, query, documentID)
	return entities, err
}
