package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLockNotAcquired is returned when another holder owns the lock
var ErrLockNotAcquired = errors.New("lock not acquired")

// ErrStoreUnavailable is returned by script execution when the routed
// database is disabled or unknown
var ErrStoreUnavailable = errors.New("cache store unavailable")

const lockPrefix = "lock:"

// releaseScript deletes the lock only if the caller still holds it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a held distributed lock. A nil-token Lock is the degraded no-op
// form handed out when the cache tier itself is down: availability is chosen
// over strict mutual exclusion in that case.
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// AcquireLock attempts a named lock with the given TTL. The second return
// reports acquisition: false means another holder owns it. If the backing
// store is unavailable a no-op lock is returned as acquired.
func (s *Store) AcquireLock(ctx context.Context, name string, ttl time.Duration) (*Lock, bool) {
	key := lockPrefix + name
	client, breaker, ok := s.client(key)
	if !ok {
		s.logger.Warn("lock degraded to no-op, cache unavailable", map[string]interface{}{"lock": name})
		return &Lock{}, true
	}

	token := uuid.New().String()
	acquired, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		breaker.recordFailure()
		s.logger.Warn("lock degraded to no-op after error", map[string]interface{}{
			"lock":  name,
			"error": err.Error(),
		})
		return &Lock{}, true
	}
	breaker.recordSuccess()
	if !acquired {
		return nil, false
	}
	return &Lock{client: client, key: key, token: token}, true
}

// Release frees the lock if this holder still owns it. Safe on the degraded
// no-op form.
func (l *Lock) Release(ctx context.Context) {
	if l == nil || l.client == nil {
		return
	}
	_ = releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

// WithLock runs fn while holding the named lock, releasing it on every exit
// path. Returns ErrLockNotAcquired without running fn if the lock is held
// elsewhere.
func (s *Store) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error {
	lock, acquired := s.AcquireLock(ctx, name, ttl)
	if !acquired {
		return ErrLockNotAcquired
	}
	defer lock.Release(ctx)
	return fn(ctx)
}
