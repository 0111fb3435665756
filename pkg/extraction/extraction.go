// Package extraction detects entity mentions in chunk text via an LLM.
package extraction

import (
	"context"

	"github.com/lexpipe/lexpipe/pkg/models"
)

// RawMention is one detected entity before it is bound to a chunk and
// document. Offsets are relative to the chunk text.
type RawMention struct {
	Text        string  `json:"text"`
	EntityType  string  `json:"entity_type"`
	StartOffset int     `json:"start_offset"`
	EndOffset   int     `json:"end_offset"`
	Confidence  float64 `json:"confidence"`
}

// Extractor detects entity mentions in a chunk of text. An empty result is a
// valid outcome, not an error.
type Extractor interface {
	Extract(ctx context.Context, chunkText string) ([]RawMention, error)
}

// Bind converts raw mentions into persistable rows for a chunk
func Bind(raw []RawMention, chunk models.Chunk) []models.EntityMention {
	out := make([]models.EntityMention, 0, len(raw))
	for _, m := range raw {
		out = append(out, models.EntityMention{
			DocumentID:  chunk.DocumentID,
			ChunkID:     chunk.ID,
			Text:        m.Text,
			EntityType:  m.EntityType,
			StartOffset: m.StartOffset,
			EndOffset:   m.EndOffset,
			Confidence:  m.Confidence,
		})
	}
	return out
}
