package storage

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/objectstore/internal/logging"
	"github.com/fruitsalade/objectstore/internal/metrics"
)

// Cache is a byte-oriented TTL store shared by Service instances. The
// in-process MemoryCache and the Redis-backed cache both implement it.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type memEntry struct {
	value     []byte
	expires   time.Time
	lastTouch time.Time
}

// MemoryCache is a bounded in-process Cache. When full, the least
// recently touched entry is evicted.
type MemoryCache struct {
	mu         sync.RWMutex
	entries    map[string]*memEntry
	maxEntries int
	now        func() time.Time
}

// NewMemoryCache creates a cache holding at most maxEntries values.
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &MemoryCache{
		entries:    make(map[string]*memEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	now := c.now()
	if now.After(e.expires) {
		delete(c.entries, key)
		return nil, false, nil
	}
	e.lastTouch = now
	return e.value, true, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists {
		for len(c.entries) >= c.maxEntries {
			if !c.evictOldest() {
				break
			}
		}
	}
	c.entries[key] = &memEntry{value: value, expires: now.Add(ttl), lastTouch: now}
	return nil
}

// Delete implements Cache.
func (c *MemoryCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

// Len returns the number of entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evictOldest must be called with the lock held.
func (c *MemoryCache) evictOldest() bool {
	var oldestKey string
	var oldest *memEntry
	for k, e := range c.entries {
		if oldest == nil || e.lastTouch.Before(oldest.lastTouch) {
			oldest, oldestKey = e, k
		}
	}
	if oldest == nil {
		return false
	}
	delete(c.entries, oldestKey)
	return true
}

const generationStripes = 256

// cacheLayer adds get-or-populate and invalidate on top of a Cache.
// Populations that race with an invalidation are detected through
// striped generation counters and removed again, so a value fetched
// before a write is never left behind after it.
type cacheLayer struct {
	store  Cache
	ttl    time.Duration
	prefix string
	flight singleflight.Group
	gens   [generationStripes]atomic.Uint64
}

func newCacheLayer(store Cache, ttl time.Duration, prefix string) *cacheLayer {
	return &cacheLayer{store: store, ttl: ttl, prefix: prefix}
}

func (c *cacheLayer) enabled() bool {
	return c != nil && c.store != nil && c.ttl > 0
}

func (c *cacheLayer) stripe(key string) *atomic.Uint64 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.gens[h.Sum32()%generationStripes]
}

// invalidate removes keys and cancels sharing of any in-flight population.
func (c *cacheLayer) invalidate(ctx context.Context, keys ...string) error {
	if !c.enabled() {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		c.stripe(k).Add(1)
		c.flight.Forget(k)
		full[i] = c.prefix + k
	}
	metrics.RecordCacheEviction()
	return c.store.Delete(ctx, full...)
}

// getOrPopulate returns the cached value under key or calls fetch once for
// all concurrent callers and stores the result.
func getOrPopulate[T any](ctx context.Context, c *cacheLayer, kind, key string, fetch func(context.Context) (T, error)) (T, error) {
	if !c.enabled() {
		return fetch(ctx)
	}

	full := c.prefix + key
	if raw, ok, err := c.store.Get(ctx, full); err != nil {
		logging.Warn("cache get failed", logging.Path(key), logging.Err(err))
	} else if ok {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			metrics.RecordCacheLookup(kind, true)
			return v, nil
		}
	}
	metrics.RecordCacheLookup(kind, false)

	gen := c.stripe(key)
	before := gen.Load()

	res, err, _ := c.flight.Do(key, func() (any, error) {
		fctx := context.WithoutCancel(ctx)
		v, err := fetch(fctx)
		if err != nil {
			return v, err
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return v, nil
		}
		if gen.Load() != before {
			return v, nil
		}
		if err := c.store.Set(fctx, full, raw, c.ttl); err != nil {
			logging.Warn("cache set failed", logging.Path(key), logging.Err(err))
			return v, nil
		}
		if gen.Load() != before {
			_ = c.store.Delete(fctx, full)
		}
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}
