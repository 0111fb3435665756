package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// localCache is a small in-process LRU in front of Redis, used only for
// immutable versioned artifact keys (see isImmutableKey).
type localCache struct {
	entries *lru.Cache[string, localEntry]
	ttl     time.Duration
}

type localEntry struct {
	data      []byte
	expiresAt time.Time
}

func newLocalCache(size int, ttl time.Duration) *localCache {
	if size <= 0 {
		size = 256
	}
	entries, err := lru.New[string, localEntry](size)
	if err != nil {
		// lru.New only fails on non-positive size
		panic(err)
	}
	return &localCache{entries: entries, ttl: ttl}
}

func (c *localCache) get(key string) ([]byte, bool) {
	entry, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.entries.Remove(key)
		return nil, false
	}
	return entry.data, true
}

func (c *localCache) set(key string, data []byte) {
	entry := localEntry{data: data}
	if c.ttl > 0 {
		entry.expiresAt = time.Now().Add(c.ttl)
	}
	c.entries.Add(key, entry)
}

func (c *localCache) delete(key string) {
	c.entries.Remove(key)
}

func (c *localCache) purge() {
	c.entries.Purge()
}
