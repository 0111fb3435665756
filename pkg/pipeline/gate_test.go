package pipeline

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubLoader answers durable artifact lookups from fixed values
type stubLoader struct {
	version   int
	artifacts map[Stage]*Envelope
	err       error
	loads     int
}

func (l *stubLoader) LoadArtifact(_ context.Context, _ uuid.UUID, stage Stage, _ int) (*Envelope, error) {
	l.loads++
	if l.err != nil {
		return nil, l.err
	}
	return l.artifacts[stage], nil
}

func (l *stubLoader) DocumentVersion(context.Context, uuid.UUID) (int, error) {
	if l.version == 0 {
		return 0, errors.New("unknown document")
	}
	return l.version, nil
}

// stubEnqueuer records chained stage submissions
type stubEnqueuer struct {
	stages []Stage
	err    error
}

func (e *stubEnqueuer) EnqueueStage(_ context.Context, _ uuid.UUID, stage Stage, _ int, _ string) error {
	if e.err != nil {
		return e.err
	}
	e.stages = append(e.stages, stage)
	return nil
}

func setupTestGate(t *testing.T, loader *stubLoader, enqueuer TaskEnqueuer) (*Gate, *StateStore) {
	t.Helper()
	states, store, _ := setupTestStateStore(t)
	return NewGate(states, store, loader, enqueuer, nil), states
}

func ocrEnvelope(t *testing.T, docID uuid.UUID, version int) *Envelope {
	t.Helper()
	env, err := NewEnvelope(ArtifactOCR, version, docID, &OCRResult{Text: "extracted text"})
	require.NoError(t, err)
	return env
}

func TestGateCheckSkipsCompletedStageWithCachedArtifact(t *testing.T) {
	docID := uuid.New()
	loader := &stubLoader{version: 1}
	gate, states := setupTestGate(t, loader, nil)
	ctx := context.Background()

	require.NoError(t, states.SetStage(ctx, docID, StageOCR, StatusPending, nil))
	require.NoError(t, states.SetStage(ctx, docID, StageOCR, StatusProcessing, nil))
	require.NoError(t, gate.MarkComplete(ctx, docID, StageOCR, ocrEnvelope(t, docID, 1), nil, ""))

	decision := gate.Check(ctx, docID, StageOCR)
	assert.True(t, decision.Skip)
	require.NotNil(t, decision.Artifact)
	got, err := decision.Artifact.DecodeOCR()
	require.NoError(t, err)
	assert.Equal(t, "extracted text", got.Text)
	assert.Zero(t, loader.loads, "a cache hit must not touch the durable store")
}

func TestGateCheckDoesNotSkipIncompleteStage(t *testing.T) {
	docID := uuid.New()
	gate, states := setupTestGate(t, &stubLoader{version: 1}, nil)
	ctx := context.Background()

	for _, status := range []Status{StatusPending, StatusProcessing} {
		require.NoError(t, states.SetStage(ctx, docID, StageOCR, status, nil))
		assert.False(t, gate.Check(ctx, docID, StageOCR).Skip, "status %s", status)
	}
}

func TestGateCheckFallsBackToDurableStoreAndRewarms(t *testing.T) {
	docID := uuid.New()
	env := ocrEnvelope(t, docID, 1)
	loader := &stubLoader{version: 1, artifacts: map[Stage]*Envelope{StageOCR: env}}
	gate, states := setupTestGate(t, loader, nil)
	ctx := context.Background()

	// Completed state but nothing cached, as after a cache flush
	require.NoError(t, states.SetStage(ctx, docID, StageOCR, StatusPending, nil))
	require.NoError(t, states.SetStage(ctx, docID, StageOCR, StatusProcessing, nil))
	require.NoError(t, states.SetStage(ctx, docID, StageOCR, StatusCompleted, nil))

	decision := gate.Check(ctx, docID, StageOCR)
	assert.True(t, decision.Skip)
	assert.Equal(t, env, decision.Artifact)
	assert.Equal(t, 1, loader.loads)

	// The fallback re-warmed the cache: the next check is a cache hit
	decision = gate.Check(ctx, docID, StageOCR)
	assert.True(t, decision.Skip)
	assert.Equal(t, 1, loader.loads)
}

func TestGateCheckForcesReexecutionWhenArtifactUnrecoverable(t *testing.T) {
	docID := uuid.New()
	ctx := context.Background()

	t.Run("durable load errors", func(t *testing.T) {
		loader := &stubLoader{version: 1, err: errors.New("db down")}
		gate, states := setupTestGate(t, loader, nil)
		require.NoError(t, states.SetStage(ctx, docID, StageOCR, StatusPending, nil))
		require.NoError(t, states.SetStage(ctx, docID, StageOCR, StatusProcessing, nil))
		require.NoError(t, states.SetStage(ctx, docID, StageOCR, StatusCompleted, nil))

		assert.False(t, gate.Check(ctx, docID, StageOCR).Skip)
	})

	t.Run("durable store has nothing", func(t *testing.T) {
		loader := &stubLoader{version: 1}
		gate, states := setupTestGate(t, loader, nil)
		require.NoError(t, states.SetStage(ctx, docID, StageOCR, StatusPending, nil))
		require.NoError(t, states.SetStage(ctx, docID, StageOCR, StatusProcessing, nil))
		require.NoError(t, states.SetStage(ctx, docID, StageOCR, StatusCompleted, nil))

		assert.False(t, gate.Check(ctx, docID, StageOCR).Skip)
	})
}

func TestGateCheckVersionBumpDefeatsStaleArtifact(t *testing.T) {
	docID := uuid.New()
	loader := &stubLoader{version: 1}
	gate, states := setupTestGate(t, loader, nil)
	ctx := context.Background()

	require.NoError(t, states.SetStage(ctx, docID, StageOCR, StatusPending, nil))
	require.NoError(t, states.SetStage(ctx, docID, StageOCR, StatusProcessing, nil))
	require.NoError(t, gate.MarkComplete(ctx, docID, StageOCR, ocrEnvelope(t, docID, 1), nil, ""))
	require.True(t, gate.Check(ctx, docID, StageOCR).Skip)

	// A retry bumps the version; the v1 artifact must never satisfy v2
	loader.version = 2
	gate.BumpVersion(ctx, docID, 2)
	assert.False(t, gate.Check(ctx, docID, StageOCR).Skip)
}

func TestGateCheckSkipsRelationshipsOnStateAlone(t *testing.T) {
	docID := uuid.New()
	loader := &stubLoader{version: 1}
	gate, states := setupTestGate(t, loader, nil)
	ctx := context.Background()

	require.NoError(t, states.SetStage(ctx, docID, StageRelationships, StatusPending, nil))
	require.NoError(t, states.SetStage(ctx, docID, StageRelationships, StatusProcessing, nil))
	require.NoError(t, states.SetStage(ctx, docID, StageRelationships, StatusCompleted, nil))

	decision := gate.Check(ctx, docID, StageRelationships)
	assert.True(t, decision.Skip)
	assert.Nil(t, decision.Artifact)
	assert.Zero(t, loader.loads)
}

func TestGateMarkCompleteChainsNextStage(t *testing.T) {
	docID := uuid.New()
	enqueuer := &stubEnqueuer{}
	gate, states := setupTestGate(t, &stubLoader{version: 1}, enqueuer)
	ctx := context.Background()

	require.NoError(t, states.SetStage(ctx, docID, StageOCR, StatusPending, nil))
	require.NoError(t, states.SetStage(ctx, docID, StageOCR, StatusProcessing, nil))
	require.NoError(t, gate.MarkComplete(ctx, docID, StageOCR, ocrEnvelope(t, docID, 1), nil, "batch-1"))

	assert.Equal(t, []Stage{StageChunking}, enqueuer.stages)
	rec := states.GetStage(ctx, docID, StageOCR)
	assert.Equal(t, StatusCompleted, rec.Status)
}

func TestGateMarkCompleteTerminalStageChainsNothing(t *testing.T) {
	docID := uuid.New()
	enqueuer := &stubEnqueuer{}
	gate, states := setupTestGate(t, &stubLoader{version: 1}, enqueuer)
	ctx := context.Background()

	require.NoError(t, states.SetStage(ctx, docID, StageRelationships, StatusPending, nil))
	require.NoError(t, states.SetStage(ctx, docID, StageRelationships, StatusProcessing, nil))
	require.NoError(t, gate.MarkComplete(ctx, docID, StageRelationships, nil, nil, ""))

	assert.Empty(t, enqueuer.stages)
}

func TestGateMarkCompleteWithoutEnqueuer(t *testing.T) {
	docID := uuid.New()
	gate, states := setupTestGate(t, &stubLoader{version: 1}, nil)
	ctx := context.Background()

	require.NoError(t, states.SetStage(ctx, docID, StageOCR, StatusPending, nil))
	require.NoError(t, states.SetStage(ctx, docID, StageOCR, StatusProcessing, nil))

	// The API wires no enqueuer; completion must still land without chaining
	require.NoError(t, gate.MarkComplete(ctx, docID, StageOCR, ocrEnvelope(t, docID, 1), nil, ""))
	assert.Equal(t, StatusCompleted, states.GetStage(ctx, docID, StageOCR).Status)
}

func TestGateLoadArtifact(t *testing.T) {
	docID := uuid.New()
	ctx := context.Background()

	t.Run("cache miss falls back to durable and rewarms", func(t *testing.T) {
		env := ocrEnvelope(t, docID, 1)
		loader := &stubLoader{version: 1, artifacts: map[Stage]*Envelope{StageOCR: env}}
		gate, _ := setupTestGate(t, loader, nil)

		got, err := gate.LoadArtifact(ctx, docID, StageOCR, 1)
		require.NoError(t, err)
		assert.Equal(t, env, got)
		assert.Equal(t, 1, loader.loads)

		_, err = gate.LoadArtifact(ctx, docID, StageOCR, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, loader.loads, "the rewarmed cache must serve the second load")
	})

	t.Run("errors when nothing has the artifact", func(t *testing.T) {
		gate, _ := setupTestGate(t, &stubLoader{version: 1}, nil)
		_, err := gate.LoadArtifact(ctx, docID, StageChunking, 1)
		assert.Error(t, err)
	})

	t.Run("rejects artifact-free stages", func(t *testing.T) {
		gate, _ := setupTestGate(t, &stubLoader{version: 1}, nil)
		_, err := gate.LoadArtifact(ctx, docID, StageRelationships, 1)
		assert.Error(t, err)
	})
}

func TestGateCurrentVersion(t *testing.T) {
	docID := uuid.New()
	ctx := context.Background()

	t.Run("falls back to durable store and caches it", func(t *testing.T) {
		loader := &stubLoader{version: 3}
		gate, _ := setupTestGate(t, loader, nil)
		assert.Equal(t, 3, gate.CurrentVersion(ctx, docID))
		loader.version = 0 // a second read must come from the cache
		assert.Equal(t, 3, gate.CurrentVersion(ctx, docID))
	})

	t.Run("defaults to 1 for unknown documents", func(t *testing.T) {
		gate, _ := setupTestGate(t, &stubLoader{}, nil)
		assert.Equal(t, 1, gate.CurrentVersion(ctx, docID))
	})
}

func TestGateAcquireStageLock(t *testing.T) {
	docID := uuid.New()
	gate, _ := setupTestGate(t, &stubLoader{version: 1}, nil)
	ctx := context.Background()

	lock, ok := gate.AcquireStageLock(ctx, docID, StageOCR)
	require.True(t, ok)

	_, ok = gate.AcquireStageLock(ctx, docID, StageOCR)
	assert.False(t, ok, "the same (document, stage) must be exclusive")

	// Other stages of the same document lock independently
	other, ok := gate.AcquireStageLock(ctx, docID, StageChunking)
	require.True(t, ok)
	other.Release(ctx)

	lock.Release(ctx)
	reacquired, ok := gate.AcquireStageLock(ctx, docID, StageOCR)
	require.True(t, ok)
	reacquired.Release(ctx)
}

func TestGateInvalidateDocument(t *testing.T) {
	docID := uuid.New()
	gate, states := setupTestGate(t, &stubLoader{version: 1}, nil)
	ctx := context.Background()

	require.NoError(t, states.SetStage(ctx, docID, StageOCR, StatusPending, nil))
	require.NoError(t, states.SetStage(ctx, docID, StageOCR, StatusProcessing, nil))
	require.NoError(t, gate.MarkComplete(ctx, docID, StageOCR, ocrEnvelope(t, docID, 1), nil, ""))

	n := gate.InvalidateDocument(ctx, docID)
	assert.GreaterOrEqual(t, n, 2, "artifact and state keys should both go")

	_, ok := states.GetState(ctx, docID)
	assert.False(t, ok)
}
