package resolve

import (
	"sync"
	"sync/atomic"
)

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithObserver reports every lookup as a hit or a miss.
func WithObserver(fn func(hit bool)) CacheOption {
	return func(c *Cache) {
		c.observe = fn
	}
}

// Cache memoizes successful resolutions per (fromDir, id). Entries are
// written once and never evicted; failures are not stored.
type Cache struct {
	r       Resolver
	entries sync.Map
	size    atomic.Int64
	observe func(hit bool)
}

func NewCache(r Resolver, opts ...CacheOption) *Cache {
	c := &Cache{r: r}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type cacheKey struct {
	fromDir string
	id      string
}

func (c *Cache) Resolve(id, fromDir string) (Location, error) {
	key := cacheKey{fromDir: fromDir, id: id}
	if v, ok := c.entries.Load(key); ok {
		c.report(true)
		return v.(Location), nil
	}
	c.report(false)

	loc, err := c.r.Resolve(id, fromDir)
	if err != nil {
		return Location{}, err
	}

	// Two racing misses resolve to the same location; keep the first.
	if _, loaded := c.entries.LoadOrStore(key, loc); !loaded {
		c.size.Add(1)
	}
	return loc, nil
}

// Len returns the number of cached resolutions.
func (c *Cache) Len() int {
	return int(c.size.Load())
}

func (c *Cache) report(hit bool) {
	if c.observe != nil {
		c.observe(hit)
	}
}
