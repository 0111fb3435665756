package cache

import (
	"sync"
	"time"
)

const (
	defaultFailureThreshold = 5
	defaultCooldown         = 5 * time.Minute
)

// circuitBreaker tracks consecutive failures per logical database. After the
// threshold is reached the database is considered disabled for a cool-down
// window; all operations short-circuit instead of attempting network calls.
// Any success resets the failure count.
type circuitBreaker struct {
	mu            sync.Mutex
	threshold     int
	cooldown      time.Duration
	failures      int
	disabledUntil time.Time
	now           func() time.Time
}

func newCircuitBreaker(now func() time.Time) *circuitBreaker {
	if now == nil {
		now = time.Now
	}
	return &circuitBreaker{
		threshold: defaultFailureThreshold,
		cooldown:  defaultCooldown,
		now:       now,
	}
}

// allow reports whether an operation may be attempted. Once the cool-down
// has elapsed the breaker allows probe requests; their outcome decides
// whether it re-arms.
func (b *circuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.now().Before(b.disabledUntil)
}

func (b *circuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.disabledUntil = time.Time{}
}

func (b *circuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.disabledUntil = b.now().Add(b.cooldown)
		b.failures = 0
	}
}

// healthy reports whether the database is currently enabled.
func (b *circuitBreaker) healthy() bool {
	return b.allow()
}
