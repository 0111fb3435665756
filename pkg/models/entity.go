package models

import (
	"time"

	"github.com/google/uuid"
)

// ResolutionMethod records how a canonical entity was produced
type ResolutionMethod string

const (
	ResolutionMethodRule  ResolutionMethod = "rule_based"
	ResolutionMethodFuzzy ResolutionMethod = "fuzzy"
	ResolutionMethodLLM   ResolutionMethod = "llm"
)

// EntityMention is one occurrence of a detected entity within a chunk.
// CanonicalEntityID is populated only after resolution.
type EntityMention struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	DocumentID        uuid.UUID  `db:"document_id" json:"document_id"`
	ChunkID           uuid.UUID  `db:"chunk_id" json:"chunk_id"`
	Text              string     `db:"text" json:"text"`
	EntityType        string     `db:"entity_type" json:"entity_type"`
	StartOffset       int        `db:"start_offset" json:"start_offset"`
	EndOffset         int        `db:"end_offset" json:"end_offset"`
	Confidence        float64    `db:"confidence" json:"confidence"`
	CanonicalEntityID *uuid.UUID `db:"canonical_entity_id" json:"canonical_entity_id,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
}

// CanonicalEntity is a deduplicated entity identity that one or more
// mentions resolve to. Mentions are never merged across entity types.
type CanonicalEntity struct {
	ID               uuid.UUID        `db:"id" json:"id"`
	DocumentID       uuid.UUID        `db:"document_id" json:"document_id"`
	Name             string           `db:"name" json:"name"`
	EntityType       string           `db:"entity_type" json:"entity_type"`
	MentionCount     int              `db:"mention_count" json:"mention_count"`
	ResolutionMethod ResolutionMethod `db:"resolution_method" json:"resolution_method"`
	Confidence       float64          `db:"confidence" json:"confidence"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
}

// RelationshipType classifies a staged relationship edge
type RelationshipType string

const (
	RelationshipCoOccurrence  RelationshipType = "co_occurrence"
	RelationshipDocToProject  RelationshipType = "document_project"
	RelationshipEntityToChunk RelationshipType = "entity_chunk"
)

// Relationship is a staged edge between two nodes (canonical entities,
// documents, chunks or projects) awaiting graph export.
type Relationship struct {
	ID         uuid.UUID        `db:"id" json:"id"`
	DocumentID uuid.UUID        `db:"document_id" json:"document_id"`
	SourceID   uuid.UUID        `db:"source_id" json:"source_id"`
	SourceType string           `db:"source_type" json:"source_type"`
	TargetID   uuid.UUID        `db:"target_id" json:"target_id"`
	TargetType string           `db:"target_type" json:"target_type"`
	Type       RelationshipType `db:"relationship_type" json:"relationship_type"`
	CreatedAt  time.Time        `db:"created_at" json:"created_at"`
}
