// gpufleet is a control-plane service for rented GPU compute instances.
// Copyright (C) 2025 The gpufleet authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package cache provides the in-process TTL+LRU caches used by product,
// template, and instance lookups. Caches are registered by name in a
// Registry owned by the composition root. Eviction removes the entry with
// the oldest last access; expired entries are purged lazily on access and
// by a periodic sweep.
package cache

import (
	"sync"
	"time"
)

// Recorder receives cache activity for the metrics registry. Nil disables
// recording.
type Recorder interface {
	CacheHit(name string)
	CacheMiss(name string)
	CacheSet(name string)
	CacheDelete(name string)
	CacheEviction(name string)
}

// Options configures one named cache.
type Options struct {
	MaxSize         int
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Sets      uint64 `json:"sets"`
	Deletes   uint64 `json:"deletes"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
}

type entry struct {
	data           any
	createdAt      time.Time
	ttl            time.Duration
	accessCount    int64
	lastAccessedAt time.Time
}

func (e *entry) expiresAt() time.Time { return e.createdAt.Add(e.ttl) }

// Cache is one named TTL+LRU cache. All methods are safe for concurrent use.
type Cache struct {
	name string
	opts Options
	rec  Recorder

	mu      sync.Mutex
	entries map[string]*entry
	stats   Stats

	now func() time.Time
}

// New builds a cache. MaxSize and DefaultTTL must be positive.
func New(name string, opts Options, rec Recorder) *Cache {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 1000
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 5 * time.Minute
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}
	return &Cache{
		name:    name,
		opts:    opts,
		rec:     rec,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Name returns the registered name.
func (c *Cache) Name() string { return c.name }

// Get returns the live value for key. Expired entries are purged and count
// as misses.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok && c.now().Before(e.expiresAt()) {
		e.accessCount++
		e.lastAccessedAt = c.now()
		c.stats.Hits++
		if c.rec != nil {
			c.rec.CacheHit(c.name)
		}
		return e.data, true
	}
	if ok {
		delete(c.entries, key)
	}
	c.stats.Misses++
	if c.rec != nil {
		c.rec.CacheMiss(c.name)
	}
	return nil, false
}

// Set stores value under key. A zero ttl uses the cache default. When the
// cache is full and key is new, the least recently accessed entry is
// evicted first.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.opts.MaxSize {
		c.evictOldestLocked()
	}
	now := c.now()
	c.entries[key] = &entry{data: value, createdAt: now, ttl: ttl, lastAccessedAt: now}
	c.stats.Sets++
	if c.rec != nil {
		c.rec.CacheSet(c.name)
	}
}

// evictOldestLocked removes the entry with the smallest lastAccessedAt.
func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range c.entries {
		if first || e.lastAccessedAt.Before(oldest) {
			oldestKey, oldest, first = k, e.lastAccessedAt, false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.stats.Evictions++
		if c.rec != nil {
			c.rec.CacheEviction(c.name)
		}
	}
}

// Delete removes key. It reports whether the key was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	c.stats.Deletes++
	if c.rec != nil {
		c.rec.CacheDelete(c.name)
	}
	return true
}

// Has reports whether key holds a live entry, without touching access time.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && c.now().Before(e.expiresAt())
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// CleanupExpired removes expired entries and returns how many were removed.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt()) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Keys lists the live keys.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	keys := make([]string, 0, len(c.entries))
	for k, e := range c.entries {
		if now.Before(e.expiresAt()) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Size returns the current entry count, expired entries included until swept.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// SetTTL rebases the TTL of an existing live entry from now.
func (c *Cache) SetTTL(key string, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expiresAt()) {
		return false
	}
	e.createdAt = c.now()
	e.ttl = ttl
	return true
}

// GetTTL returns the remaining TTL of a live entry.
func (c *Cache) GetTTL(key string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return 0, false
	}
	rem := e.expiresAt().Sub(c.now())
	if rem <= 0 {
		return 0, false
	}
	return rem, true
}

// Stats returns a counter snapshot.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.entries)
	return s
}
