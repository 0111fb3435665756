package pipeline

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/lexpipe/lexpipe/pkg/cache"
	"github.com/lexpipe/lexpipe/pkg/models"
	"github.com/lexpipe/lexpipe/pkg/observability"
)

// DefaultBatchTTL keeps finished batch counters around long enough for
// status polling before they self-expire.
const DefaultBatchTTL = 72 * time.Hour

// progressScript moves one document between status buckets atomically:
// decrement the old bucket (if any), increment the new one, and flip the
// batch status once every document is accounted for. Running server-side
// removes the read-modify-write race between concurrent workers.
var progressScript = redis.NewScript(`
local key = KEYS[1]
local old = ARGV[1]
local new = ARGV[2]
if old ~= '' then
    redis.call('HINCRBY', key, old, -1)
end
redis.call('HINCRBY', key, new, 1)
local total = tonumber(redis.call('HGET', key, 'total') or '0')
local completed = tonumber(redis.call('HGET', key, 'completed') or '0')
local failed = tonumber(redis.call('HGET', key, 'failed') or '0')
if total > 0 and completed + failed >= total then
    redis.call('HSET', key, 'status', 'completed')
end
return {completed, failed}
`)

// BatchTracker maintains aggregate progress counters for document batches in
// the batch database.
type BatchTracker struct {
	store  *cache.Store
	logger observability.Logger
	ttl    time.Duration
}

// NewBatchTracker creates a tracker over the given cache store
func NewBatchTracker(store *cache.Store, logger observability.Logger) *BatchTracker {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &BatchTracker{store: store, logger: logger, ttl: DefaultBatchTTL}
}

func progressKey(batchID string) string {
	key, _ := cache.FormatKey(cache.KeyBatchProgress, map[string]string{
		"batch_id": batchID,
	})
	return key
}

// InitBatch seeds the counters for a newly submitted batch
func (t *BatchTracker) InitBatch(ctx context.Context, batchID string, total int) bool {
	key := progressKey(batchID)
	updates := []cache.FieldUpdate{
		{Key: key, Field: "total", Value: strconv.Itoa(total), TTL: t.ttl},
		{Key: key, Field: "pending", Value: strconv.Itoa(total)},
		{Key: key, Field: "completed", Value: "0"},
		{Key: key, Field: "failed", Value: "0"},
		{Key: key, Field: "status", Value: string(models.BatchStatusProcessing)},
	}
	return t.store.AtomicBatchUpdate(ctx, updates)
}

// Transition moves one document from an old status bucket to a new one.
// Pass from="" for the initial placement. Failures are absorbed: batch
// accounting is an optimization over the durable rows, not the record.
func (t *BatchTracker) Transition(ctx context.Context, batchID, from, to string) bool {
	_, err := t.store.EvalScript(ctx, progressScript, []string{progressKey(batchID)}, from, to)
	if err != nil {
		t.logger.Warn("batch progress transition failed", map[string]interface{}{
			"batch_id": batchID,
			"from":     from,
			"to":       to,
			"error":    err.Error(),
		})
		return false
	}
	return true
}

// Progress reads the current counters. ok=false on unknown batch or store
// outage.
func (t *BatchTracker) Progress(ctx context.Context, batchID string) (*models.BatchProgress, bool) {
	fields, ok := t.store.HGetAll(ctx, progressKey(batchID))
	if !ok {
		return nil, false
	}
	parse := func(field string) int64 {
		n, _ := strconv.ParseInt(fields[field], 10, 64)
		return n
	}
	return &models.BatchProgress{
		BatchID:   batchID,
		Total:     parse("total"),
		Pending:   parse("pending"),
		Completed: parse("completed"),
		Failed:    parse("failed"),
		Status:    models.BatchStatus(fields["status"]),
	}, true
}
