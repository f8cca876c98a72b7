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

package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Well-known cache names.
const (
	NameProducts        = "products"
	NameOptimalProducts = "optimal-products"
	NameTemplates       = "templates"
	NameInstanceDetails = "instance-details"
	NameInstanceStates  = "instance-states"
	NameMergedInstances = "merged-instances"
)

// Registry owns the named caches. It is a value constructed once by the
// composition root, not hidden package state.
type Registry struct {
	mu     sync.Mutex
	caches map[string]*Cache
	rec    Recorder
}

// NewRegistry builds an empty registry. rec may be nil.
func NewRegistry(rec Recorder) *Registry {
	return &Registry{caches: make(map[string]*Cache), rec: rec}
}

// GetOrCreate returns the cache registered under name, creating it with
// opts on first use.
func (r *Registry) GetOrCreate(name string, opts Options) *Cache {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.caches[name]; ok {
		return c
	}
	c := New(name, opts, r.rec)
	r.caches[name] = c
	return c
}

// Get returns a registered cache or nil.
func (r *Registry) Get(name string) *Cache {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.caches[name]
}

// Names lists registered cache names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.caches))
	for n := range r.caches {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// StatsAll returns stats keyed by cache name.
func (r *Registry) StatsAll() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Stats, len(r.caches))
	for n, c := range r.caches {
		out[n] = c.Stats()
	}
	return out
}

// ClearAll empties every cache.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.caches {
		c.Clear()
	}
}

// CleanupAll sweeps expired entries from every cache and returns the total
// removed.
func (r *Registry) CleanupAll() int {
	r.mu.Lock()
	caches := make([]*Cache, 0, len(r.caches))
	for _, c := range r.caches {
		caches = append(caches, c)
	}
	r.mu.Unlock()

	total := 0
	for _, c := range caches {
		total += c.CleanupExpired()
	}
	return total
}

// RunSweeper periodically sweeps expired entries until ctx is canceled.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CleanupAll()
		}
	}
}
