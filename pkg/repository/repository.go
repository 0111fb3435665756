// Package repository provides the sqlx-backed durable store: the system of
// record that cache contents are reconciled against.
package repository

import (
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("not found")

// Repositories bundles every repository over one connection pool
type Repositories struct {
	Documents     DocumentRepository
	Chunks        ChunkRepository
	Mentions      MentionRepository
	Canonical     CanonicalEntityRepository
	Relationships RelationshipRepository
	Tasks         TaskRepository
}

// New builds the full repository set
func New(db *sqlx.DB) *Repositories {
	return &Repositories{
		Documents:     NewDocumentRepository(db),
		Chunks:        NewChunkRepository(db),
		Mentions:      NewMentionRepository(db),
		Canonical:     NewCanonicalEntityRepository(db),
		Relationships: NewRelationshipRepository(db),
		Tasks:         NewTaskRepository(db),
	}
}

// Connect opens the Postgres pool with sane pool limits
func Connect(dsn string, maxConns, maxIdle int) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}
