package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/lexpipe/lexpipe/pkg/observability"
)

const (
	metricsWindow     = time.Hour
	metricsBucketSize = time.Minute
	// Buckets self-expire shortly after leaving the window
	metricsBucketTTL = metricsWindow + 2*time.Minute

	categorySetKey = "metrics:cache:categories"
)

// Metrics tracks sliding-window hit/miss/set counts per cache category in
// the metrics database. Increments are single atomic INCRs, so no
// read-modify-write races exist. All recording is best-effort.
type Metrics struct {
	client *redis.Client
	logger observability.Logger
	now    func() time.Time
}

// MetricsSnapshot summarizes one category's counters over the last hour
type MetricsSnapshot struct {
	Category string  `json:"category"`
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	Sets     int64   `json:"sets"`
	HitRate  float64 `json:"hit_rate"`
}

// NewMetrics creates a metrics recorder over the metrics database client
func NewMetrics(client *redis.Client, logger observability.Logger) *Metrics {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Metrics{client: client, logger: logger, now: time.Now}
}

// SetNowFunc injects a clock for tests
func (m *Metrics) SetNowFunc(now func() time.Time) { m.now = now }

// RecordHit increments the hit counter for a category
func (m *Metrics) RecordHit(ctx context.Context, category string) { m.record(ctx, category, "hit") }

// RecordMiss increments the miss counter for a category
func (m *Metrics) RecordMiss(ctx context.Context, category string) { m.record(ctx, category, "miss") }

// RecordSet increments the set counter for a category
func (m *Metrics) RecordSet(ctx context.Context, category string) { m.record(ctx, category, "set") }

func (m *Metrics) record(ctx context.Context, category, kind string) {
	bucket := m.now().Truncate(metricsBucketSize).Unix()
	key := fmt.Sprintf("metrics:cache:%s:%s:%d", category, kind, bucket)

	pipe := m.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, metricsBucketTTL)
	pipe.SAdd(ctx, categorySetKey, category)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Debug("cache metrics record failed", map[string]interface{}{
			"category": category,
			"kind":     kind,
			"error":    err.Error(),
		})
	}
}

// Snapshot sums the last hour of buckets for one category
func (m *Metrics) Snapshot(ctx context.Context, category string) (MetricsSnapshot, error) {
	snap := MetricsSnapshot{Category: category}

	for _, kind := range []string{"hit", "miss", "set"} {
		total, err := m.sumBuckets(ctx, category, kind)
		if err != nil {
			return snap, err
		}
		switch kind {
		case "hit":
			snap.Hits = total
		case "miss":
			snap.Misses = total
		case "set":
			snap.Sets = total
		}
	}

	if lookups := snap.Hits + snap.Misses; lookups > 0 {
		snap.HitRate = float64(snap.Hits) / float64(lookups)
	}
	return snap, nil
}

// SnapshotAll returns snapshots for every category seen within the window
func (m *Metrics) SnapshotAll(ctx context.Context) ([]MetricsSnapshot, error) {
	categories, err := m.client.SMembers(ctx, categorySetKey).Result()
	if err != nil {
		return nil, err
	}
	snaps := make([]MetricsSnapshot, 0, len(categories))
	for _, category := range categories {
		snap, err := m.Snapshot(ctx, category)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func (m *Metrics) sumBuckets(ctx context.Context, category, kind string) (int64, error) {
	newest := m.now().Truncate(metricsBucketSize)
	keys := make([]string, 0, int(metricsWindow/metricsBucketSize))
	for i := 0; i < int(metricsWindow/metricsBucketSize); i++ {
		bucket := newest.Add(-time.Duration(i) * metricsBucketSize).Unix()
		keys = append(keys, fmt.Sprintf("metrics:cache:%s:%s:%d", category, kind, bucket))
	}

	values, err := m.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, err
	}

	var total int64
	for _, v := range values {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				total += n
			}
		}
	}
	return total, nil
}
