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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives cache time deterministically.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
}

func newTestCache(opts Options) (*Cache, *fakeClock) {
	c := New("test", opts, nil)
	clk := newClock()
	c.now = clk.now
	return c, clk
}

func TestGetReturnsLiveEntry(t *testing.T) {
	c, _ := newTestCache(Options{MaxSize: 10, DefaultTTL: time.Minute})
	c.Set("k", 42, 0)

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestExpiredEntryIsMissAndPurged(t *testing.T) {
	c, clk := newTestCache(Options{MaxSize: 10, DefaultTTL: time.Minute})
	c.Set("k", "v", 0)

	clk.advance(61 * time.Second)
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Size())

	s := c.Stats()
	assert.EqualValues(t, 1, s.Misses)
}

func TestPerEntryTTLOverridesDefault(t *testing.T) {
	c, clk := newTestCache(Options{MaxSize: 10, DefaultTTL: time.Minute})
	c.Set("short", "v", time.Second)
	c.Set("long", "v", time.Hour)

	clk.advance(2 * time.Second)
	_, ok := c.Get("short")
	assert.False(t, ok)
	_, ok = c.Get("long")
	assert.True(t, ok)
}

func TestEvictionRemovesLeastRecentlyAccessed(t *testing.T) {
	c, clk := newTestCache(Options{MaxSize: 3, DefaultTTL: time.Hour})
	c.Set("a", 1, 0)
	clk.advance(time.Second)
	c.Set("b", 2, 0)
	clk.advance(time.Second)
	c.Set("c", 3, 0)
	clk.advance(time.Second)

	// Touch "a" so "b" becomes the coldest entry.
	_, ok := c.Get("a")
	require.True(t, ok)
	clk.advance(time.Second)

	c.Set("d", 4, 0)

	assert.True(t, c.Has("a"))
	assert.False(t, c.Has("b"))
	assert.True(t, c.Has("c"))
	assert.True(t, c.Has("d"))
	assert.EqualValues(t, 1, c.Stats().Evictions)
}

func TestOverwriteDoesNotEvict(t *testing.T) {
	c, _ := newTestCache(Options{MaxSize: 2, DefaultTTL: time.Hour})
	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	c.Set("a", 10, 0)

	assert.True(t, c.Has("b"))
	v, _ := c.Get("a")
	assert.Equal(t, 10, v)
	assert.EqualValues(t, 0, c.Stats().Evictions)
}

func TestCleanupExpiredSweepsOnlyDead(t *testing.T) {
	c, clk := newTestCache(Options{MaxSize: 10, DefaultTTL: time.Minute})
	c.Set("dead", 1, time.Second)
	c.Set("live", 2, time.Hour)

	clk.advance(2 * time.Second)
	removed := c.CleanupExpired()
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"live"}, c.Keys())
}

func TestSetTTLRebasesExpiry(t *testing.T) {
	c, clk := newTestCache(Options{MaxSize: 10, DefaultTTL: time.Minute})
	c.Set("k", "v", time.Minute)

	clk.advance(50 * time.Second)
	require.True(t, c.SetTTL("k", time.Minute))

	clk.advance(30 * time.Second)
	assert.True(t, c.Has("k"))

	rem, ok := c.GetTTL("k")
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, rem)
}

func TestRegistryReusesNamedCaches(t *testing.T) {
	reg := NewRegistry(nil)
	a := reg.GetOrCreate("products", Options{MaxSize: 5, DefaultTTL: time.Minute})
	b := reg.GetOrCreate("products", Options{MaxSize: 99, DefaultTTL: time.Hour})
	assert.Same(t, a, b)

	a.Set("k", 1, 0)
	reg.ClearAll()
	assert.Equal(t, 0, a.Size())
}

func TestRegistryStatsAll(t *testing.T) {
	reg := NewRegistry(nil)
	reg.GetOrCreate("products", Options{MaxSize: 5, DefaultTTL: time.Minute}).Set("k", 1, 0)
	reg.GetOrCreate("templates", Options{MaxSize: 5, DefaultTTL: time.Minute})

	stats := reg.StatsAll()
	require.Len(t, stats, 2)
	assert.EqualValues(t, 1, stats["products"].Sets)
	assert.Equal(t, []string{"products", "templates"}, reg.Names())
}
