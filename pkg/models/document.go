// Package models defines the shared data model for the document pipeline.
package models

import (
	"time"

	"github.com/google/uuid"
)

// DocumentStatus is the lifecycle status of a document as a whole
type DocumentStatus string

const (
	DocumentStatusPending    DocumentStatus = "pending"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusCompleted  DocumentStatus = "completed"
	DocumentStatusFailed     DocumentStatus = "failed"
)

// MaxErrorMessageLength bounds the persisted error text for failed documents
const MaxErrorMessageLength = 2000

// Document represents one source PDF moving through the pipeline.
// DocumentID is the join key across every cache key and durable row.
type Document struct {
	ID            uuid.UUID      `db:"id" json:"id"`
	ProjectID     uuid.UUID      `db:"project_id" json:"project_id"`
	FileName      string         `db:"file_name" json:"file_name"`
	StorageBucket string         `db:"storage_bucket" json:"storage_bucket"`
	StorageKey    string         `db:"storage_key" json:"storage_key"`
	Status        DocumentStatus `db:"status" json:"status"`
	Version       int            `db:"version" json:"version"`
	ExtractedText *string        `db:"extracted_text" json:"-"`
	ErrorMessage  *string        `db:"error_message" json:"error_message,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

// TruncateError bounds an error message before persisting it
func TruncateError(msg string) string {
	if len(msg) > MaxErrorMessageLength {
		return msg[:MaxErrorMessageLength]
	}
	return msg
}

// Chunk is one contiguous slice of a document's extracted text
type Chunk struct {
	ID         uuid.UUID `db:"id" json:"id"`
	DocumentID uuid.UUID `db:"document_id" json:"document_id"`
	ChunkIndex int       `db:"chunk_index" json:"chunk_index"`
	Content    string    `db:"content" json:"content"`
	StartChar  int       `db:"start_char" json:"start_char"`
	EndChar    int       `db:"end_char" json:"end_char"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// PageMetadata carries per-page OCR details returned by the OCR collaborator
type PageMetadata struct {
	PageNumber int     `json:"page_number"`
	Width      float64 `json:"width,omitempty"`
	Height     float64 `json:"height,omitempty"`
	LineCount  int     `json:"line_count,omitempty"`
}

// FinalState is the per-document summary exposed to downstream consumers
type FinalState struct {
	DocumentID           uuid.UUID      `json:"document_id"`
	Status               DocumentStatus `json:"status"`
	ChunkCount           int            `json:"chunk_count"`
	EntityCount          int            `json:"entity_count"`
	CanonicalEntityCount int            `json:"canonical_entity_count"`
	RelationshipCount    int            `json:"relationship_count"`
	ErrorMessage         string         `json:"error_message,omitempty"`
}
