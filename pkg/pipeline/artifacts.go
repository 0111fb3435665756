package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/lexpipe/lexpipe/pkg/cache"
	"github.com/lexpipe/lexpipe/pkg/models"
)

// ArtifactKind tags the payload variant inside an Envelope
type ArtifactKind string

const (
	ArtifactOCR       ArtifactKind = "ocr_result"
	ArtifactChunks    ArtifactKind = "chunk_list"
	ArtifactMentions  ArtifactKind = "mention_list"
	ArtifactCanonical ArtifactKind = "canonical_entity_list"
)

// ErrArtifactKindMismatch is returned when decoding an envelope as the wrong
// variant
var ErrArtifactKindMismatch = errors.New("artifact kind mismatch")

// Envelope is the tagged serialization wrapper for every cached stage output.
// The embedded version makes stale artifacts from a previous processing
// attempt detectable instead of silently reused.
type Envelope struct {
	Kind       ArtifactKind    `json:"kind"`
	Version    int             `json:"version"`
	DocumentID uuid.UUID       `json:"document_id"`
	Payload    json.RawMessage `json:"payload"`
}

// OCRResult is the OCR stage output
type OCRResult struct {
	Text  string                `json:"text"`
	Pages []models.PageMetadata `json:"pages,omitempty"`
}

// ChunkList is the chunking stage output
type ChunkList struct {
	Chunks []models.Chunk `json:"chunks"`
}

// MentionList is the entity extraction stage output. FailedChunks counts
// chunks skipped after extraction errors; their mentions are simply absent.
type MentionList struct {
	Mentions     []models.EntityMention `json:"mentions"`
	FailedChunks int                    `json:"failed_chunks"`
}

// CanonicalEntityList is the resolution stage output
type CanonicalEntityList struct {
	Entities         []models.CanonicalEntity `json:"entities"`
	ResolvedMentions []models.EntityMention   `json:"resolved_mentions"`
}

// NewEnvelope wraps a payload variant. The payload must match the kind.
func NewEnvelope(kind ArtifactKind, version int, documentID uuid.UUID, payload interface{}) (*Envelope, error) {
	switch payload.(type) {
	case *OCRResult, OCRResult:
		if kind != ArtifactOCR {
			return nil, ErrArtifactKindMismatch
		}
	case *ChunkList, ChunkList:
		if kind != ArtifactChunks {
			return nil, ErrArtifactKindMismatch
		}
	case *MentionList, MentionList:
		if kind != ArtifactMentions {
			return nil, ErrArtifactKindMismatch
		}
	case *CanonicalEntityList, CanonicalEntityList:
		if kind != ArtifactCanonical {
			return nil, ErrArtifactKindMismatch
		}
	default:
		return nil, fmt.Errorf("unsupported artifact payload type %T", payload)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Kind:       kind,
		Version:    version,
		DocumentID: documentID,
		Payload:    raw,
	}, nil
}

// DecodeOCR unwraps an OCR result envelope
func (e *Envelope) DecodeOCR() (*OCRResult, error) {
	if e.Kind != ArtifactOCR {
		return nil, fmt.Errorf("%w: have %s, want %s", ErrArtifactKindMismatch, e.Kind, ArtifactOCR)
	}
	var out OCRResult
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DecodeChunks unwraps a chunk list envelope
func (e *Envelope) DecodeChunks() (*ChunkList, error) {
	if e.Kind != ArtifactChunks {
		return nil, fmt.Errorf("%w: have %s, want %s", ErrArtifactKindMismatch, e.Kind, ArtifactChunks)
	}
	var out ChunkList
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DecodeMentions unwraps a mention list envelope
func (e *Envelope) DecodeMentions() (*MentionList, error) {
	if e.Kind != ArtifactMentions {
		return nil, fmt.Errorf("%w: have %s, want %s", ErrArtifactKindMismatch, e.Kind, ArtifactMentions)
	}
	var out MentionList
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DecodeCanonical unwraps a canonical entity list envelope
func (e *Envelope) DecodeCanonical() (*CanonicalEntityList, error) {
	if e.Kind != ArtifactCanonical {
		return nil, fmt.Errorf("%w: have %s, want %s", ErrArtifactKindMismatch, e.Kind, ArtifactCanonical)
	}
	var out CanonicalEntityList
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// stageArtifacts maps each producing stage to its artifact kind and cache key
// template. The relationships stage produces only durable rows, no cached
// artifact.
var stageArtifacts = map[Stage]struct {
	kind     ArtifactKind
	template string
}{
	StageOCR:        {ArtifactOCR, cache.KeyOCRArtifact},
	StageChunking:   {ArtifactChunks, cache.KeyChunksArtifact},
	StageExtraction: {ArtifactMentions, cache.KeyMentionsArtifact},
	StageResolution: {ArtifactCanonical, cache.KeyCanonicalArtifact},
}

// KindForStage returns the artifact kind a stage produces
func KindForStage(stage Stage) (ArtifactKind, bool) {
	sa, ok := stageArtifacts[stage]
	return sa.kind, ok
}

// ArtifactKey builds the versioned cache key for a stage's artifact
func ArtifactKey(stage Stage, version int, documentID uuid.UUID) (string, error) {
	sa, ok := stageArtifacts[stage]
	if !ok {
		return "", fmt.Errorf("stage %s has no cached artifact", stage)
	}
	return cache.FormatKey(sa.template, map[string]string{
		"version":     strconv.Itoa(version),
		"document_id": documentID.String(),
	})
}
