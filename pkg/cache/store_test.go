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

// setupTestStore backs all four logical databases with one miniredis
func setupTestStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	clients := map[Database]*redis.Client{
		DatabaseCache:     redis.NewClient(&redis.Options{Addr: mr.Addr(), DB: 0}),
		DatabaseBatch:     redis.NewClient(&redis.Options{Addr: mr.Addr(), DB: 1}),
		DatabaseMetrics:   redis.NewClient(&redis.Options{Addr: mr.Addr(), DB: 2}),
		DatabaseRateLimit: redis.NewClient(&redis.Options{Addr: mr.Addr(), DB: 3}),
	}
	store := NewStoreFromClients(clients, nil, opts...)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestStoreRoundTrip(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	assert.True(t, store.Set(ctx, "doc:state:d1", payload{Name: "a", Count: 2}, time.Minute))

	var got payload
	require.True(t, store.Get(ctx, "doc:state:d1", &got))
	assert.Equal(t, payload{Name: "a", Count: 2}, got)
}

func TestStoreMiss(t *testing.T) {
	store, _ := setupTestStore(t)

	var got string
	assert.False(t, store.Get(context.Background(), "doc:state:absent", &got))
}

func TestStoreRefusesNil(t *testing.T) {
	store, _ := setupTestStore(t)
	assert.False(t, store.Set(context.Background(), "doc:state:d1", nil, time.Minute))
}

func TestStoreRefusesOversizedValue(t *testing.T) {
	store, _ := setupTestStore(t, WithMaxValueSize(16))
	ctx := context.Background()

	assert.False(t, store.Set(ctx, "doc:state:d1", "a value well beyond sixteen bytes", time.Minute))
	assert.False(t, store.Exists(ctx, "doc:state:d1"))
}

func TestStoreCorruptEntryReadsAsMissAndIsDeleted(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("doc:state:d1", "{not json"))

	var got map[string]string
	assert.False(t, store.Get(ctx, "doc:state:d1", &got))
	assert.False(t, store.Exists(ctx, "doc:state:d1"))
}

func TestStoreNonFatalWhenBackendDown(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	require.True(t, store.Set(ctx, "doc:state:d1", "v", time.Minute))
	mr.Close()

	// Every operation degrades instead of erroring
	var got string
	assert.False(t, store.Get(ctx, "doc:state:d1", &got))
	assert.False(t, store.Set(ctx, "doc:state:d2", "v", time.Minute))
	assert.False(t, store.Delete(ctx, "doc:state:d1"))
	_, ok := store.HGetAll(ctx, "doc:state:d1")
	assert.False(t, ok)
}

func TestStoreBreakerDisablesDatabaseAfterConsecutiveFailures(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store, mr := setupTestStore(t, WithNowFunc(func() time.Time { return current }))
	ctx := context.Background()

	mr.Close()
	var got string
	for i := 0; i < defaultFailureThreshold; i++ {
		store.Get(ctx, "doc:state:d1", &got)
	}
	assert.False(t, store.IsHealthy())

	// Other logical databases trip independently
	assert.True(t, store.DatabaseHealthy(DatabaseBatch))

	// After the cooldown the breaker allows probes again
	current = current.Add(defaultCooldown + time.Second)
	assert.True(t, store.IsHealthy())
}

func TestStoreRoutesAcrossLogicalDatabases(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	require.True(t, store.Set(ctx, "doc:state:d1", "cache", time.Minute))
	require.True(t, store.Set(ctx, "batch:progress:b1", "batch", time.Minute))

	// The same key name only exists in its routed database
	assert.True(t, mr.DB(0).Exists("doc:state:d1"))
	assert.False(t, mr.DB(0).Exists("batch:progress:b1"))
	assert.True(t, mr.DB(1).Exists("batch:progress:b1"))
}

func TestAtomicBatchUpdate(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	t.Run("applies all fields", func(t *testing.T) {
		ok := store.AtomicBatchUpdate(ctx, []FieldUpdate{
			{Key: "doc:state:d1", Field: "ocr", Value: "completed", TTL: time.Minute},
			{Key: "doc:state:d1", Field: "chunking", Value: "pending"},
		})
		require.True(t, ok)

		fields, ok := store.HGetAll(ctx, "doc:state:d1")
		require.True(t, ok)
		assert.Equal(t, "completed", fields["ocr"])
		assert.Equal(t, "pending", fields["chunking"])
	})

	t.Run("rejects batches spanning logical databases", func(t *testing.T) {
		ok := store.AtomicBatchUpdate(ctx, []FieldUpdate{
			{Key: "doc:state:d2", Field: "ocr", Value: "completed"},
			{Key: "batch:progress:b1", Field: "total", Value: "5"},
		})
		assert.False(t, ok)
		_, exists := store.HGetAll(ctx, "doc:state:d2")
		assert.False(t, exists, "nothing from a rejected batch may be written")
	})
}

func TestAcquireLock(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	t.Run("is exclusive", func(t *testing.T) {
		lock, ok := store.AcquireLock(ctx, "stage:d1:ocr", time.Minute)
		require.True(t, ok)
		require.NotNil(t, lock)

		second, ok := store.AcquireLock(ctx, "stage:d1:ocr", time.Minute)
		assert.False(t, ok)
		assert.Nil(t, second)

		lock.Release(ctx)
		third, ok := store.AcquireLock(ctx, "stage:d1:ocr", time.Minute)
		assert.True(t, ok)
		third.Release(ctx)
	})

	t.Run("degrades to no-op when store is down", func(t *testing.T) {
		mr.Close()
		lock, ok := store.AcquireLock(ctx, "stage:d2:ocr", time.Minute)
		assert.True(t, ok, "availability wins over mutual exclusion")
		require.NotNil(t, lock)
		lock.Release(ctx) // must be safe on the degraded form
	})
}

func TestDeletePattern(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	require.True(t, store.Set(ctx, "doc:ocr:1:d1", "a", time.Minute))
	require.True(t, store.Set(ctx, "doc:chunks:1:d1", "b", time.Minute))
	require.True(t, store.Set(ctx, "doc:ocr:1:d2", "c", time.Minute))

	n := store.DeletePattern(ctx, "doc:*:d1")
	assert.Equal(t, 2, n)
	assert.True(t, store.Exists(ctx, "doc:ocr:1:d2"))
}

func TestLocalCacheServesImmutableKeys(t *testing.T) {
	store, mr := setupTestStore(t, WithLocalCache(16, time.Minute))
	ctx := context.Background()

	require.True(t, store.Set(ctx, "doc:ocr:1:d1", "artifact", time.Minute))
	require.True(t, store.Set(ctx, "doc:state:d1", "mutable", time.Minute))

	mr.Close()

	// Versioned artifact keys survive via L1; mutable keys must not
	var got string
	assert.True(t, store.Get(ctx, "doc:ocr:1:d1", &got))
	assert.Equal(t, "artifact", got)
	assert.False(t, store.Get(ctx, "doc:state:d1", &got))
}

func TestIncr(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	n, ok := store.Incr(ctx, "rate:extraction")
	require.True(t, ok)
	assert.Equal(t, int64(1), n)
	n, ok = store.Incr(ctx, "rate:extraction")
	require.True(t, ok)
	assert.Equal(t, int64(2), n)
}
