package worker

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lexpipe/lexpipe/pkg/models"
)

const (
	// DefaultChunkSize is the target chunk length in characters
	DefaultChunkSize = 4000
	// DefaultChunkOverlap is how many characters adjacent chunks share
	DefaultChunkOverlap = 400
)

// Chunker splits extracted text into fixed-size overlapping chunks. It
// prefers to break at a newline or space near the boundary so mentions are
// less likely to be cut mid-word.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker creates a chunker; zero or invalid values fall back to defaults
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
		if overlap >= size {
			overlap = size / 10
		}
	}
	return &Chunker{size: size, overlap: overlap}
}

// Chunk splits text into chunks for a document. Empty or whitespace-only
// text yields no chunks.
func (c *Chunker) Chunk(documentID uuid.UUID, text string) []models.Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	now := time.Now().UTC()
	var chunks []models.Chunk
	start := 0
	index := 0

	for start < len(text) {
		end := start + c.size
		if end >= len(text) {
			end = len(text)
		} else {
			end = c.breakPoint(text, start, end)
		}

		content := text[start:end]
		if strings.TrimSpace(content) != "" {
			chunks = append(chunks, models.Chunk{
				ID:         uuid.New(),
				DocumentID: documentID,
				ChunkIndex: index,
				Content:    content,
				StartChar:  start,
				EndChar:    end,
				CreatedAt:  now,
			})
			index++
		}

		if end == len(text) {
			break
		}
		next := end - c.overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

// breakPoint searches backwards from the hard boundary for a newline, then a
// space, within the last tenth of the chunk.
func (c *Chunker) breakPoint(text string, start, end int) int {
	window := c.size / 10
	limit := end - window
	if limit < start+1 {
		limit = start + 1
	}
	if i := strings.LastIndexByte(text[limit:end], '\n'); i >= 0 {
		return limit + i + 1
	}
	if i := strings.LastIndexByte(text[limit:end], ' '); i >= 0 {
		return limit + i + 1
	}
	return end
}
