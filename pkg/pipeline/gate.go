package pipeline

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/lexpipe/lexpipe/pkg/cache"
	"github.com/lexpipe/lexpipe/pkg/observability"
)

// DefaultArtifactTTL is the cached artifact lifetime; the durable store keeps
// the authoritative copy well past it.
const DefaultArtifactTTL = 48 * time.Hour

// DurableLoader loads stage artifacts and document versions from the system
// of record when the cache is cold.
type DurableLoader interface {
	LoadArtifact(ctx context.Context, documentID uuid.UUID, stage Stage, version int) (*Envelope, error)
	DocumentVersion(ctx context.Context, documentID uuid.UUID) (int, error)
}

// TaskEnqueuer submits the next stage's task when a stage completes
type TaskEnqueuer interface {
	EnqueueStage(ctx context.Context, documentID uuid.UUID, stage Stage, version int, batchID string) error
}

// Decision is the gate's answer for one (document, stage) pair
type Decision struct {
	Skip     bool
	Artifact *Envelope
}

// Gate decides whether a stage's work can be skipped using cached results,
// and performs the completion hand-off (cache artifact, mark state, chain
// the next stage).
type Gate struct {
	states      *StateStore
	store       *cache.Store
	durable     DurableLoader
	enqueuer    TaskEnqueuer
	logger      observability.Logger
	artifactTTL time.Duration
	lockTTL     time.Duration
}

// NewGate wires the gate. durable may not be nil; the cold-cache fallback is
// part of the stage-skip contract.
func NewGate(states *StateStore, store *cache.Store, durable DurableLoader, enqueuer TaskEnqueuer, logger observability.Logger) *Gate {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Gate{
		states:      states,
		store:       store,
		durable:     durable,
		enqueuer:    enqueuer,
		logger:      logger,
		artifactTTL: DefaultArtifactTTL,
		lockTTL:     30 * time.Second,
	}
}

func versionKey(documentID uuid.UUID) string {
	key, _ := cache.FormatKey(cache.KeyDocVersion, map[string]string{
		"document_id": documentID.String(),
	})
	return key
}

// CurrentVersion resolves the document's processing version, preferring the
// cache and falling back to the durable store. Version 1 is assumed when
// neither knows the document.
func (g *Gate) CurrentVersion(ctx context.Context, documentID uuid.UUID) int {
	var cached string
	if g.store.Get(ctx, versionKey(documentID), &cached) {
		if v, err := strconv.Atoi(cached); err == nil && v > 0 {
			return v
		}
	}
	if v, err := g.durable.DocumentVersion(ctx, documentID); err == nil && v > 0 {
		g.store.Set(ctx, versionKey(documentID), strconv.Itoa(v), g.artifactTTL)
		return v
	}
	return 1
}

// BumpVersion increments the processing version on manual retry so artifacts
// from the previous attempt are never reused across the boundary. The durable
// version is updated by the caller; this refreshes the fast path.
func (g *Gate) BumpVersion(ctx context.Context, documentID uuid.UUID, newVersion int) {
	g.store.Set(ctx, versionKey(documentID), strconv.Itoa(newVersion), g.artifactTTL)
}

// Check reports whether the stage already has a valid result for the
// document's current version. On a cold cache with completed state it falls
// back to the durable store; if that also fails it forces re-execution
// rather than proceeding with missing data.
func (g *Gate) Check(ctx context.Context, documentID uuid.UUID, stage Stage) Decision {
	rec := g.states.GetStage(ctx, documentID, stage)
	if rec.Status != StatusCompleted {
		return Decision{Skip: false}
	}

	kind, hasArtifact := KindForStage(stage)
	if !hasArtifact {
		// Stages without cached artifacts (relationships) skip on state alone
		return Decision{Skip: true}
	}

	version := g.CurrentVersion(ctx, documentID)
	key, err := ArtifactKey(stage, version, documentID)
	if err != nil {
		return Decision{Skip: false}
	}

	var env Envelope
	if g.store.Get(ctx, key, &env) && env.Kind == kind && env.Version == version {
		return Decision{Skip: true, Artifact: &env}
	}

	// Cache cold but state says completed: consult the system of record
	durableEnv, err := g.durable.LoadArtifact(ctx, documentID, stage, version)
	if err != nil || durableEnv == nil {
		g.logger.Warn("completed stage has no retrievable artifact, forcing re-execution", map[string]interface{}{
			"document_id": documentID.String(),
			"stage":       string(stage),
			"version":     version,
		})
		return Decision{Skip: false}
	}

	// Re-warm the cache for the next consumer; best effort
	g.store.Set(ctx, key, durableEnv, g.artifactTTL)
	return Decision{Skip: true, Artifact: durableEnv}
}

// LoadArtifact fetches a prior stage's output for use as the next stage's
// input: cache first, durable store on a miss. A durable hit re-warms the
// cache. Returns an error when neither side has the artifact.
func (g *Gate) LoadArtifact(ctx context.Context, documentID uuid.UUID, stage Stage, version int) (*Envelope, error) {
	kind, hasArtifact := KindForStage(stage)
	if !hasArtifact {
		return nil, errors.Errorf("stage %s produces no artifact", stage)
	}
	key, err := ArtifactKey(stage, version, documentID)
	if err != nil {
		return nil, err
	}

	var env Envelope
	if g.store.Get(ctx, key, &env) && env.Kind == kind && env.Version == version {
		return &env, nil
	}

	durableEnv, err := g.durable.LoadArtifact(ctx, documentID, stage, version)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s artifact from durable store", stage)
	}
	if durableEnv == nil {
		return nil, errors.Errorf("no %s artifact available for document %s version %d", stage, documentID, version)
	}
	g.store.Set(ctx, key, durableEnv, g.artifactTTL)
	return durableEnv, nil
}

// MarkComplete records a stage's completion: caches the artifact under the
// versioned key, marks the stage completed, then chains the next stage. The
// caller must have persisted the durable copy first. A crash between the
// state write and the enqueue leaves the stage completed, so a later Check
// still skips it and the next stage can be re-triggered safely.
func (g *Gate) MarkComplete(ctx context.Context, documentID uuid.UUID, stage Stage, env *Envelope, metadata map[string]interface{}, batchID string) error {
	version := g.CurrentVersion(ctx, documentID)

	if env != nil {
		key, err := ArtifactKey(stage, version, documentID)
		if err == nil {
			g.store.Set(ctx, key, env, g.artifactTTL)
		}
	}

	if err := g.states.SetStage(ctx, documentID, stage, StatusCompleted, metadata); err != nil {
		return errors.Wrap(err, "failed to mark stage completed")
	}

	next, ok := NextStage(stage)
	if !ok {
		return nil
	}
	if g.enqueuer == nil {
		return nil
	}
	if err := g.enqueuer.EnqueueStage(ctx, documentID, next, version, batchID); err != nil {
		return errors.Wrapf(err, "failed to enqueue stage %s", next)
	}
	return nil
}

// AcquireStageLock guards the narrow check-then-mark-processing window so two
// workers never redundantly execute the same (document, stage).
func (g *Gate) AcquireStageLock(ctx context.Context, documentID uuid.UUID, stage Stage) (*cache.Lock, bool) {
	name, err := cache.FormatKey(cache.KeyStageLock, map[string]string{
		"document_id": documentID.String(),
		"stage":       string(stage),
	})
	if err != nil {
		return nil, false
	}
	// KeyStageLock already carries the lock: prefix; strip it for AcquireLock
	return g.store.AcquireLock(ctx, name[len("lock:"):], g.lockTTL)
}

// InvalidateDocument clears every cached key for a document. Used by the
// manual retry path before re-submission.
func (g *Gate) InvalidateDocument(ctx context.Context, documentID uuid.UUID) int {
	return g.store.DeletePattern(ctx, "doc:*:"+documentID.String())
}
