package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/lexpipe/lexpipe/pkg/observability"
)

const defaultMaxValueSize = 10 * 1024 * 1024

// Store is the typed, namespaced key-value layer over the logical cache
// databases. Every operation is non-fatal: backing-store failures surface as
// a miss or a false return, never as an error to the pipeline.
type Store struct {
	clients      map[Database]*redis.Client
	breakers     map[Database]*circuitBreaker
	logger       observability.Logger
	metrics      *Metrics
	local        *localCache
	maxValueSize int
}

// Option configures a Store
type Option func(*Store)

// WithMetrics attaches a hit/miss/set metrics recorder
func WithMetrics(m *Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithLocalCache enables the in-process L1 cache for immutable artifact keys
func WithLocalCache(size int, ttl time.Duration) Option {
	return func(s *Store) { s.local = newLocalCache(size, ttl) }
}

// WithMaxValueSize overrides the maximum accepted payload size in bytes
func WithMaxValueSize(n int) Option {
	return func(s *Store) { s.maxValueSize = n }
}

// WithNowFunc injects a clock, used by tests to drive the circuit breakers
func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) {
		for _, b := range s.breakers {
			b.now = now
		}
	}
}

// Config holds the connection settings for the four logical databases
type Config struct {
	Address      string
	Password     string
	CacheDB      int
	BatchDB      int
	MetricsDB    int
	RateLimitDB  int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MaxValueSize int
}

// NewStore connects one client per logical database and verifies the cache
// database is reachable. The other databases are allowed to be down at start.
func NewStore(cfg Config, logger observability.Logger, opts ...Option) (*Store, error) {
	clients := make(map[Database]*redis.Client, 4)
	for db, index := range map[Database]int{
		DatabaseCache:     cfg.CacheDB,
		DatabaseBatch:     cfg.BatchDB,
		DatabaseMetrics:   cfg.MetricsDB,
		DatabaseRateLimit: cfg.RateLimitDB,
	} {
		clients[db] = redis.NewClient(&redis.Options{
			Addr:         cfg.Address,
			Password:     cfg.Password,
			DB:           index,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := clients[DatabaseCache].Ping(ctx).Err(); err != nil {
		return nil, err
	}

	s := NewStoreFromClients(clients, logger, opts...)
	if cfg.MaxValueSize > 0 {
		s.maxValueSize = cfg.MaxValueSize
	}
	return s, nil
}

// NewStoreFromClients builds a Store over pre-constructed clients. Tests use
// this with miniredis-backed clients.
func NewStoreFromClients(clients map[Database]*redis.Client, logger observability.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	breakers := make(map[Database]*circuitBreaker, len(clients))
	for db := range clients {
		breakers[db] = newCircuitBreaker(nil)
	}
	s := &Store{
		clients:      clients,
		breakers:     breakers,
		logger:       logger,
		maxValueSize: defaultMaxValueSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes all client connections
func (s *Store) Close() error {
	var first error
	for _, c := range s.clients {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// client routes a key and checks the database's circuit breaker. A false
// return means the caller must treat the operation as a miss or no-op.
func (s *Store) client(key string) (*redis.Client, *circuitBreaker, bool) {
	db := RouteKey(key)
	c, ok := s.clients[db]
	if !ok {
		return nil, nil, false
	}
	b := s.breakers[db]
	if !b.allow() {
		return nil, nil, false
	}
	return c, b, true
}

// IsHealthy reports whether the primary cache database is enabled
func (s *Store) IsHealthy() bool {
	b, ok := s.breakers[DatabaseCache]
	return ok && b.healthy()
}

// DatabaseHealthy reports the health of one logical database
func (s *Store) DatabaseHealthy(db Database) bool {
	b, ok := s.breakers[db]
	return ok && b.healthy()
}

// DatabaseClient exposes one logical database's client for collaborators
// that need raw access (the metrics recorder). Routine callers go through
// the Store's typed operations instead.
func (s *Store) DatabaseClient(db Database) *redis.Client {
	return s.clients[db]
}

// Get retrieves and deserializes a value. It returns false on miss, on any
// connection error and on a corrupt payload; callers cannot (and must not)
// distinguish those cases at this layer. Corrupt entries are deleted so the
// durable store is consulted instead.
func (s *Store) Get(ctx context.Context, key string, value interface{}) bool {
	if s.local != nil && isImmutableKey(key) {
		if data, ok := s.local.get(key); ok {
			if decode(data, value) == nil {
				s.recordHit(ctx, key)
				return true
			}
			s.local.delete(key)
		}
	}

	client, breaker, ok := s.client(key)
	if !ok {
		s.recordMiss(ctx, key)
		return false
	}

	data, err := client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		breaker.recordSuccess()
		s.recordMiss(ctx, key)
		return false
	}
	if err != nil {
		breaker.recordFailure()
		s.logger.Debug("cache get failed", map[string]interface{}{"key": key, "error": err.Error()})
		s.recordMiss(ctx, key)
		return false
	}
	breaker.recordSuccess()

	if err := decode(data, value); err != nil {
		// Malformed entry: treat as a miss and drop it
		s.logger.Warn("deleting undeserializable cache entry", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		_ = client.Del(ctx, key).Err()
		s.recordMiss(ctx, key)
		return false
	}

	if s.local != nil && isImmutableKey(key) {
		s.local.set(key, data)
	}
	s.recordHit(ctx, key)
	return true
}

// Set serializes and stores a value with a TTL. Nil values and oversized
// payloads are refused. Returns false on any failure without raising.
func (s *Store) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) bool {
	if value == nil {
		s.logger.Warn("refusing to cache nil value", map[string]interface{}{"key": key})
		return false
	}

	data, err := encode(value)
	if err != nil {
		s.logger.Warn("cache set failed to serialize", map[string]interface{}{"key": key, "error": err.Error()})
		return false
	}
	if len(data) > s.maxValueSize {
		s.logger.Warn("refusing oversized cache value", map[string]interface{}{
			"key":  key,
			"size": len(data),
			"max":  s.maxValueSize,
		})
		return false
	}

	client, breaker, ok := s.client(key)
	if !ok {
		return false
	}
	if err := client.Set(ctx, key, data, ttl).Err(); err != nil {
		breaker.recordFailure()
		s.logger.Debug("cache set failed", map[string]interface{}{"key": key, "error": err.Error()})
		return false
	}
	breaker.recordSuccess()

	if s.local != nil && isImmutableKey(key) {
		s.local.set(key, data)
	}
	s.recordSet(ctx, key)
	return true
}

// Delete removes a key. Returns false on failure.
func (s *Store) Delete(ctx context.Context, key string) bool {
	if s.local != nil {
		s.local.delete(key)
	}
	client, breaker, ok := s.client(key)
	if !ok {
		return false
	}
	if err := client.Del(ctx, key).Err(); err != nil {
		breaker.recordFailure()
		return false
	}
	breaker.recordSuccess()
	return true
}

// Exists checks key presence. Unavailability reads as absent.
func (s *Store) Exists(ctx context.Context, key string) bool {
	client, breaker, ok := s.client(key)
	if !ok {
		return false
	}
	n, err := client.Exists(ctx, key).Result()
	if err != nil {
		breaker.recordFailure()
		return false
	}
	breaker.recordSuccess()
	return n > 0
}

// Expire refreshes a key's TTL
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	client, breaker, ok := s.client(key)
	if !ok {
		return false
	}
	if err := client.Expire(ctx, key, ttl).Err(); err != nil {
		breaker.recordFailure()
		return false
	}
	breaker.recordSuccess()
	return true
}

// ScanPattern returns all keys matching a glob pattern within the pattern's
// routed database.
func (s *Store) ScanPattern(ctx context.Context, pattern string) []string {
	client, breaker, ok := s.client(pattern)
	if !ok {
		return nil
	}
	var keys []string
	iter := client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		breaker.recordFailure()
		return nil
	}
	breaker.recordSuccess()
	return keys
}

// DeletePattern removes all keys matching a glob pattern and returns how many
// were deleted.
func (s *Store) DeletePattern(ctx context.Context, pattern string) int {
	keys := s.ScanPattern(ctx, pattern)
	if len(keys) == 0 {
		return 0
	}
	if s.local != nil {
		s.local.purge()
	}
	client, breaker, ok := s.client(pattern)
	if !ok {
		return 0
	}
	n, err := client.Del(ctx, keys...).Result()
	if err != nil {
		breaker.recordFailure()
		return 0
	}
	breaker.recordSuccess()
	return int(n)
}

// FieldUpdate is one hash-field write inside an atomic batch
type FieldUpdate struct {
	Key   string
	Field string
	Value string
	TTL   time.Duration
}

// AtomicBatchUpdate applies a set of hash-field updates as one transaction:
// either every update applies or none does. All keys must route to the same
// logical database; mixed batches are rejected outright.
func (s *Store) AtomicBatchUpdate(ctx context.Context, updates []FieldUpdate) bool {
	if len(updates) == 0 {
		return true
	}
	db := RouteKey(updates[0].Key)
	for _, u := range updates[1:] {
		if RouteKey(u.Key) != db {
			s.logger.Error("atomic batch spans logical databases", map[string]interface{}{
				"first": updates[0].Key,
				"other": u.Key,
			})
			return false
		}
	}

	client, breaker, ok := s.client(updates[0].Key)
	if !ok {
		return false
	}

	pipe := client.TxPipeline()
	for _, u := range updates {
		pipe.HSet(ctx, u.Key, u.Field, u.Value)
		if u.TTL > 0 {
			pipe.Expire(ctx, u.Key, u.TTL)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		breaker.recordFailure()
		s.logger.Debug("atomic batch update failed", map[string]interface{}{
			"updates": len(updates),
			"error":   err.Error(),
		})
		return false
	}
	breaker.recordSuccess()
	return true
}

// HGetAll reads a whole hash. Returns ok=false on miss or failure.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, bool) {
	client, breaker, ok := s.client(key)
	if !ok {
		return nil, false
	}
	fields, err := client.HGetAll(ctx, key).Result()
	if err != nil {
		breaker.recordFailure()
		return nil, false
	}
	breaker.recordSuccess()
	if len(fields) == 0 {
		return nil, false
	}
	return fields, true
}

// Incr atomically increments an integer key and returns the new value.
// ok=false means the store was unavailable.
func (s *Store) Incr(ctx context.Context, key string) (int64, bool) {
	client, breaker, ok := s.client(key)
	if !ok {
		return 0, false
	}
	n, err := client.Incr(ctx, key).Result()
	if err != nil {
		breaker.recordFailure()
		return 0, false
	}
	breaker.recordSuccess()
	return n, true
}

// EvalScript runs a server-side atomic script against the database the first
// key routes to. Unlike the plain operations this returns the error: script
// callers (batch accounting) absorb failures themselves.
func (s *Store) EvalScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	if len(keys) == 0 {
		return nil, redis.Nil
	}
	client, breaker, ok := s.client(keys[0])
	if !ok {
		return nil, ErrStoreUnavailable
	}
	result, err := script.Run(ctx, client, keys, args...).Result()
	if err != nil {
		breaker.recordFailure()
		return nil, err
	}
	breaker.recordSuccess()
	return result, nil
}

func (s *Store) recordHit(ctx context.Context, key string) {
	if s.metrics != nil {
		s.metrics.RecordHit(ctx, Category(key))
	}
}

func (s *Store) recordMiss(ctx context.Context, key string) {
	if s.metrics != nil {
		s.metrics.RecordMiss(ctx, Category(key))
	}
}

func (s *Store) recordSet(ctx context.Context, key string) {
	if s.metrics != nil {
		s.metrics.RecordSet(ctx, Category(key))
	}
}

// encode serializes a value: raw bytes pass through, everything else is JSON
func encode(value interface{}) ([]byte, error) {
	if b, ok := value.([]byte); ok {
		return b, nil
	}
	return json.Marshal(value)
}

// decode deserializes into value: *[]byte receives the raw payload, anything
// else is unmarshalled from JSON
func decode(data []byte, value interface{}) error {
	if bp, ok := value.(*[]byte); ok {
		*bp = append([]byte(nil), data...)
		return nil
	}
	return json.Unmarshal(data, value)
}
