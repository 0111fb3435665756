package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestMetrics(t *testing.T) (*Metrics, func(time.Time)) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	m := NewMetrics(client, nil)
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.SetNowFunc(func() time.Time { return current })
	return m, func(at time.Time) { current = at }
}

func TestMetricsSnapshot(t *testing.T) {
	m, _ := setupTestMetrics(t)
	ctx := context.Background()

	m.RecordHit(ctx, "doc:ocr")
	m.RecordHit(ctx, "doc:ocr")
	m.RecordHit(ctx, "doc:ocr")
	m.RecordMiss(ctx, "doc:ocr")
	m.RecordSet(ctx, "doc:ocr")

	snap, err := m.Snapshot(ctx, "doc:ocr")
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.Hits)
	assert.Equal(t, int64(1), snap.Misses)
	assert.Equal(t, int64(1), snap.Sets)
	assert.InDelta(t, 0.75, snap.HitRate, 0.001)
}

func TestMetricsSnapshotEmptyCategory(t *testing.T) {
	m, _ := setupTestMetrics(t)

	snap, err := m.Snapshot(context.Background(), "doc:chunks")
	require.NoError(t, err)
	assert.Zero(t, snap.Hits)
	assert.Zero(t, snap.HitRate)
}

func TestMetricsWindowExcludesOldBuckets(t *testing.T) {
	m, advance := setupTestMetrics(t)
	ctx := context.Background()

	m.RecordHit(ctx, "doc:ocr")

	// Two hours later the bucket has left the sliding window
	advance(time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC))
	m.RecordHit(ctx, "doc:ocr")

	snap, err := m.Snapshot(ctx, "doc:ocr")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Hits)
}

func TestMetricsSnapshotAll(t *testing.T) {
	m, _ := setupTestMetrics(t)
	ctx := context.Background()

	m.RecordHit(ctx, "doc:ocr")
	m.RecordMiss(ctx, "batch")

	snaps, err := m.SnapshotAll(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	byCategory := make(map[string]MetricsSnapshot, len(snaps))
	for _, s := range snaps {
		byCategory[s.Category] = s
	}
	assert.Equal(t, int64(1), byCategory["doc:ocr"].Hits)
	assert.Equal(t, int64(1), byCategory["batch"].Misses)
}

func TestStoreRecordsMetrics(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	metricsClient := redis.NewClient(&redis.Options{Addr: mr.Addr(), DB: 2})
	m := NewMetrics(metricsClient, nil)

	clients := map[Database]*redis.Client{
		DatabaseCache:   redis.NewClient(&redis.Options{Addr: mr.Addr(), DB: 0}),
		DatabaseMetrics: metricsClient,
	}
	store := NewStoreFromClients(clients, nil, WithMetrics(m))
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	var got string
	store.Get(ctx, "doc:ocr:1:d1", &got) // miss
	require.True(t, store.Set(ctx, "doc:ocr:1:d1", "text", time.Minute))
	require.True(t, store.Get(ctx, "doc:ocr:1:d1", &got)) // hit

	snap, err := m.Snapshot(ctx, "doc:ocr")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Hits)
	assert.Equal(t, int64(1), snap.Misses)
	assert.Equal(t, int64(1), snap.Sets)
}
