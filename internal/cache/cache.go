// Package cache provides a short-lived, explicitly owned cache for lookups
// that repeat within a single run, such as patch title metadata.
package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultTTL bounds how long an entry is reused within one process.
	DefaultTTL = time.Hour
	// DefaultSize caps the number of entries; the least recently used go first.
	DefaultSize = 4096
)

// Stats reports cache effectiveness.
type Stats struct {
	Hits    int `json:"hits"`
	Misses  int `json:"misses"`
	Entries int `json:"entries"`
}

// Cache is an expiring LRU. Its lifetime is the caller's: nothing is global
// and nothing survives the process. A nil *Cache is valid and caches nothing.
type Cache struct {
	lru    *expirable.LRU[string, any]
	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache holding up to DefaultSize entries. A non-positive ttl
// uses DefaultTTL.
func New(ttl time.Duration) *Cache {
	return NewWithSize(DefaultSize, ttl)
}

// NewWithSize creates a cache holding up to size entries.
func NewWithSize(size int, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if size <= 0 {
		size = DefaultSize
	}
	return &Cache{lru: expirable.NewLRU[string, any](size, nil, ttl)}
}

// Get returns a live entry.
func (c *Cache) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return v, true
}

// Set stores value under key.
func (c *Cache) Set(key string, value any) {
	if c == nil {
		return
	}
	c.lru.Add(key, value)
}

// Invalidate drops every entry.
func (c *Cache) Invalidate() {
	if c == nil {
		return
	}
	c.lru.Purge()
}

// Stats returns hit and miss counts.
func (c *Cache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{Hits: int(c.hits.Load()), Misses: int(c.misses.Load()), Entries: c.lru.Len()}
}

// GetOrLoad returns the cached value for key or calls load and caches its
// result. Errors are not cached.
func GetOrLoad[T any](ctx context.Context, c *Cache, key string, load func(context.Context) (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	c.Set(key, v)
	return v, nil
}
