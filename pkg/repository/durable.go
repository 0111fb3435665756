package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lexpipe/lexpipe/pkg/models"
	"github.com/lexpipe/lexpipe/pkg/pipeline"
)

// ArtifactLoader rebuilds stage artifacts from the system of record when the
// cache copy has been evicted. It satisfies pipeline.DurableLoader.
type ArtifactLoader struct {
	repos *Repositories
}

// NewArtifactLoader creates a loader over the repository bundle
func NewArtifactLoader(repos *Repositories) *ArtifactLoader {
	return &ArtifactLoader{repos: repos}
}

// DocumentVersion returns the current processing version of a document
func (l *ArtifactLoader) DocumentVersion(ctx context.Context, documentID uuid.UUID) (int, error) {
	doc, err := l.repos.Documents.GetByID(ctx, documentID)
	if err != nil {
		return 0, err
	}
	return doc.Version, nil
}

// LoadArtifact reconstructs a stage's output from durable rows. Returns
// (nil, nil) when the stage has no durable output for this document, which
// callers treat as a cache-rebuild miss.
func (l *ArtifactLoader) LoadArtifact(ctx context.Context, documentID uuid.UUID, stage pipeline.Stage, version int) (*pipeline.Envelope, error) {
	switch stage {
	case pipeline.StageOCR:
		return l.loadOCR(ctx, documentID, version)
	case pipeline.StageChunking:
		return l.loadChunks(ctx, documentID, version)
	case pipeline.StageExtraction:
		return l.loadMentions(ctx, documentID, version)
	case pipeline.StageResolution:
		return l.loadCanonical(ctx, documentID, version)
	default:
		return nil, fmt.Errorf("stage %s has no durable artifact", stage)
	}
}

func (l *ArtifactLoader) loadOCR(ctx context.Context, documentID uuid.UUID, version int) (*pipeline.Envelope, error) {
	doc, err := l.repos.Documents.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.ExtractedText == nil {
		return nil, nil
	}
	return pipeline.NewEnvelope(pipeline.ArtifactOCR, version, documentID, &pipeline.OCRResult{
		Text: *doc.ExtractedText,
	})
}

func (l *ArtifactLoader) loadChunks(ctx context.Context, documentID uuid.UUID, version int) (*pipeline.Envelope, error) {
	chunks, err := l.repos.Chunks.GetByDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}
	return pipeline.NewEnvelope(pipeline.ArtifactChunks, version, documentID, &pipeline.ChunkList{
		Chunks: chunks,
	})
}

func (l *ArtifactLoader) loadMentions(ctx context.Context, documentID uuid.UUID, version int) (*pipeline.Envelope, error) {
	mentions, err := l.repos.Mentions.GetByDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	// A document can legitimately yield zero mentions, so absence of rows is
	// not distinguishable from never-extracted here. The stage gate only calls
	// this after the state hash already says extraction completed.
	return pipeline.NewEnvelope(pipeline.ArtifactMentions, version, documentID, &pipeline.MentionList{
		Mentions: mentions,
	})
}

func (l *ArtifactLoader) loadCanonical(ctx context.Context, documentID uuid.UUID, version int) (*pipeline.Envelope, error) {
	entities, err := l.repos.Canonical.GetByDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	mentions, err := l.repos.Mentions.GetByDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	resolved := make([]models.EntityMention, 0, len(mentions))
	for _, m := range mentions {
		if m.CanonicalEntityID != nil {
			resolved = append(resolved, m)
		}
	}
	return pipeline.NewEnvelope(pipeline.ArtifactCanonical, version, documentID, &pipeline.CanonicalEntityList{
		Entities:         entities,
		ResolvedMentions: resolved,
	})
}
