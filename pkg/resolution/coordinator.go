package resolution

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lexpipe/lexpipe/pkg/extraction"
	"github.com/lexpipe/lexpipe/pkg/models"
	"github.com/lexpipe/lexpipe/pkg/observability"
	"github.com/lexpipe/lexpipe/pkg/pipeline"
	"github.com/lexpipe/lexpipe/pkg/repository"
)

// Coordinator runs the entity stages of the pipeline: extraction over chunks,
// resolution of mentions into canonical entities, and relationship staging.
// Every stage persists to the system of record before reporting success, so
// a cache wipe can always be rebuilt from Postgres.
type Coordinator struct {
	extractor     extraction.Extractor
	resolver      Resolver
	mentions      repository.MentionRepository
	canonical     repository.CanonicalEntityRepository
	relationships repository.RelationshipRepository
	logger        observability.Logger
	now           func() time.Time
}

// NewCoordinator wires the entity stages together
func NewCoordinator(
	extractor extraction.Extractor,
	resolver Resolver,
	repos *repository.Repositories,
	logger observability.Logger,
) *Coordinator {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Coordinator{
		extractor:     extractor,
		resolver:      resolver,
		mentions:      repos.Mentions,
		canonical:     repos.Canonical,
		relationships: repos.Relationships,
		logger:        logger.WithPrefix("resolution"),
		now:           time.Now,
	}
}

// SetNowFunc overrides the clock for tests
func (c *Coordinator) SetNowFunc(now func() time.Time) {
	c.now = now
}

// ExtractEntities runs the extractor over every chunk. A chunk whose
// extraction fails is skipped and counted, not fatal: a document with a few
// unreadable chunks still produces a usable entity set. The full mention set
// replaces any previous one so reprocessing is idempotent.
func (c *Coordinator) ExtractEntities(ctx context.Context, documentID uuid.UUID, chunks []models.Chunk) (*pipeline.MentionList, error) {
	var all []models.EntityMention
	failed := 0

	for _, chunk := range chunks {
		raw, err := c.extractor.Extract(ctx, chunk.Content)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failed++
			c.logger.Warn("Chunk extraction failed, skipping", map[string]interface{}{
				"document_id": documentID.String(),
				"chunk_index": chunk.ChunkIndex,
				"error":       err.Error(),
			})
			continue
		}
		for _, m := range extraction.Bind(raw, chunk) {
			m.ID = uuid.New()
			m.CreatedAt = c.now().UTC()
			all = append(all, m)
		}
	}

	if failed == len(chunks) && len(chunks) > 0 {
		return nil, fmt.Errorf("extraction failed for all %d chunks", len(chunks))
	}

	if err := c.mentions.ReplaceForDocument(ctx, documentID, all); err != nil {
		return nil, fmt.Errorf("failed to persist mentions: %w", err)
	}

	c.logger.Info("Extraction complete", map[string]interface{}{
		"document_id":   documentID.String(),
		"mention_count": len(all),
		"failed_chunks": failed,
		"total_chunks":  len(chunks),
	})
	return &pipeline.MentionList{Mentions: all, FailedChunks: failed}, nil
}

// ResolveEntities groups mentions into canonical entities. Mentions are
// partitioned by entity type first; the resolver never sees mixed types. A
// document with zero mentions resolves to an empty canonical set without
// calling the resolver.
func (c *Coordinator) ResolveEntities(ctx context.Context, documentID uuid.UUID, mentions []models.EntityMention) (*pipeline.CanonicalEntityList, error) {
	if len(mentions) == 0 {
		if err := c.canonical.ReplaceForDocument(ctx, documentID, nil); err != nil {
			return nil, fmt.Errorf("failed to persist empty canonical set: %w", err)
		}
		return &pipeline.CanonicalEntityList{}, nil
	}

	byType := make(map[string][]models.EntityMention)
	for _, m := range mentions {
		byType[m.EntityType] = append(byType[m.EntityType], m)
	}
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)

	var entities []models.CanonicalEntity
	var resolved []models.EntityMention

	for _, entityType := range types {
		clusters, err := c.resolver.Resolve(ctx, entityType, byType[entityType])
		if err != nil {
			return nil, fmt.Errorf("resolution failed for type %s: %w", entityType, err)
		}
		for _, cluster := range clusters {
			entity := models.CanonicalEntity{
				ID:               uuid.New(),
				DocumentID:       documentID,
				Name:             CanonicalName(cluster.Mentions),
				EntityType:       entityType,
				MentionCount:     len(cluster.Mentions),
				ResolutionMethod: cluster.Method,
				Confidence:       cluster.Confidence,
				CreatedAt:        c.now().UTC(),
			}
			entities = append(entities, entity)
			for _, m := range cluster.Mentions {
				id := entity.ID
				m.CanonicalEntityID = &id
				resolved = append(resolved, m)
			}
		}
	}

	if err := c.canonical.ReplaceForDocument(ctx, documentID, entities); err != nil {
		return nil, fmt.Errorf("failed to persist canonical entities: %w", err)
	}
	if err := c.mentions.LinkCanonical(ctx, resolved); err != nil {
		return nil, fmt.Errorf("failed to link mentions: %w", err)
	}

	c.logger.Info("Resolution complete", map[string]interface{}{
		"document_id":   documentID.String(),
		"mention_count": len(mentions),
		"entity_count":  len(entities),
		"entity_types":  len(types),
	})
	return &pipeline.CanonicalEntityList{Entities: entities, ResolvedMentions: resolved}, nil
}

// BuildRelationships stages graph edges for a document: a structural edge to
// its project, entity-to-chunk containment edges, and co-occurrence edges
// between canonical entities sharing a chunk. Runs fine with an empty
// canonical set, producing just the structural edge. The edge set replaces
// any previous one.
func (c *Coordinator) BuildRelationships(ctx context.Context, doc *models.Document, canonical *pipeline.CanonicalEntityList) (int, error) {
	now := c.now().UTC()
	edges := []models.Relationship{{
		ID:         uuid.New(),
		DocumentID: doc.ID,
		SourceID:   doc.ID,
		SourceType: "document",
		TargetID:   doc.ProjectID,
		TargetType: "project",
		Type:       models.RelationshipDocToProject,
		CreatedAt:  now,
	}}

	// Chunk membership per canonical entity, from the resolved mentions
	chunksByEntity := make(map[uuid.UUID]map[uuid.UUID]bool)
	entitiesByChunk := make(map[uuid.UUID][]uuid.UUID)
	for _, m := range canonical.ResolvedMentions {
		if m.CanonicalEntityID == nil {
			continue
		}
		eid := *m.CanonicalEntityID
		if chunksByEntity[eid] == nil {
			chunksByEntity[eid] = make(map[uuid.UUID]bool)
		}
		if !chunksByEntity[eid][m.ChunkID] {
			chunksByEntity[eid][m.ChunkID] = true
			entitiesByChunk[m.ChunkID] = append(entitiesByChunk[m.ChunkID], eid)
		}
	}

	for eid, chunks := range chunksByEntity {
		for chunkID := range chunks {
			edges = append(edges, models.Relationship{
				ID:         uuid.New(),
				DocumentID: doc.ID,
				SourceID:   eid,
				SourceType: "entity",
				TargetID:   chunkID,
				TargetType: "chunk",
				Type:       models.RelationshipEntityToChunk,
				CreatedAt:  now,
			})
		}
	}

	// Co-occurrence: one edge per unordered entity pair, however many chunks
	// they share
	seen := make(map[[2]uuid.UUID]bool)
	for _, entities := range entitiesByChunk {
		for i := 0; i < len(entities); i++ {
			for j := i + 1; j < len(entities); j++ {
				a, b := entities[i], entities[j]
				if b.String() < a.String() {
					a, b = b, a
				}
				pair := [2]uuid.UUID{a, b}
				if seen[pair] {
					continue
				}
				seen[pair] = true
				edges = append(edges, models.Relationship{
					ID:         uuid.New(),
					DocumentID: doc.ID,
					SourceID:   a,
					SourceType: "entity",
					TargetID:   b,
					TargetType: "entity",
					Type:       models.RelationshipCoOccurrence,
					CreatedAt:  now,
				})
			}
		}
	}

	if err := c.relationships.ReplaceForDocument(ctx, doc.ID, edges); err != nil {
		return 0, fmt.Errorf("failed to persist relationships: %w", err)
	}

	c.logger.Info("Relationships staged", map[string]interface{}{
		"document_id": doc.ID.String(),
		"edge_count":  len(edges),
	})
	return len(edges), nil
}
