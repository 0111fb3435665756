// Package pipeline implements per-document stage state tracking, the
// idempotency gate that decides whether a stage can be skipped, and atomic
// batch progress accounting.
package pipeline

import (
	"errors"
	"fmt"
)

// Stage is one discrete step of the document pipeline
type Stage string

const (
	StageOCR           Stage = "ocr"
	StageChunking      Stage = "chunking"
	StageExtraction    Stage = "entity_extraction"
	StageResolution    Stage = "entity_resolution"
	StageRelationships Stage = "relationships"
	// StagePipeline tracks the pipeline-overall record
	StagePipeline Stage = "pipeline"
)

// stageOrder is the causal chain: stage N+1 never begins before stage N
// reports completion.
var stageOrder = []Stage{
	StageOCR,
	StageChunking,
	StageExtraction,
	StageResolution,
	StageRelationships,
}

// Stages returns the ordered pipeline stages
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// NextStage returns the stage chained after the given one. ok is false for
// the terminal stage and for unknown stages.
func NextStage(stage Stage) (Stage, bool) {
	for i, s := range stageOrder {
		if s == stage && i+1 < len(stageOrder) {
			return stageOrder[i+1], true
		}
	}
	return "", false
}

// Status is the per-stage state enum
type Status string

const (
	StatusNone       Status = "none"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ErrInvalidTransition is returned when a status write would violate the
// transition table. Illegal transitions are rejected, not silently written.
var ErrInvalidTransition = errors.New("invalid stage status transition")

// transitions is the closed transition table. failed -> pending exists only
// for the explicit operator retry path; completed has no outgoing edges
// except through ResetStage.
var transitions = map[Status][]Status{
	StatusNone:       {StatusPending},
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusPending},
	StatusCompleted:  {},
}

// CanTransition reports whether from -> to is a legal status transition.
// Writing the current status again is always allowed (idempotent updates).
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition with context when the
// transition is not allowed
func ValidateTransition(stage Stage, from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: stage %s cannot move %s -> %s", ErrInvalidTransition, stage, from, to)
	}
	return nil
}
