/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package resolver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_jukebox/internal/models"
	"github.com/friendsincode/grimnir_jukebox/internal/telemetry"
)

// DefaultSweepInterval is how often RunSweeper evicts expired entries.
const DefaultSweepInterval = time.Minute

type cacheEntry struct {
	stream    models.ResolvedStream
	expiresAt time.Time
}

// CacheStats reports cache counters.
type CacheStats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
}

// Cache is an in-memory expiring map of resolved streams keyed by source
// reference. It does not deduplicate concurrent misses.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
	logger  zerolog.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCache creates an empty cache. now may be nil.
func NewCache(logger zerolog.Logger, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		entries: make(map[string]cacheEntry),
		now:     now,
		logger:  logger.With().Str("component", "resolution_cache").Logger(),
	}
}

// Get returns a copy of the cached stream. Expired entries are removed and
// reported as a miss.
func (c *Cache) Get(ref string) (*models.ResolvedStream, bool) {
	c.mu.Lock()
	e, ok := c.entries[ref]
	if ok && !c.now().Before(e.expiresAt) {
		delete(c.entries, ref)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		telemetry.ResolutionCacheTotal.WithLabelValues("memory", "miss").Inc()
		return nil, false
	}
	c.hits.Add(1)
	telemetry.ResolutionCacheTotal.WithLabelValues("memory", "hit").Inc()
	stream := e.stream
	return &stream, true
}

// Put stores a stream for ttl. A non-positive ttl stores nothing.
func (c *Cache) Put(ref string, stream models.ResolvedStream, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[ref] = cacheEntry{stream: stream, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
}

// Delete drops a reference.
func (c *Cache) Delete(ref string) {
	c.mu.Lock()
	delete(c.entries, ref)
	c.mu.Unlock()
}

// EvictExpired removes every expired entry and returns how many were removed.
func (c *Cache) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for ref, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, ref)
			removed++
		}
	}
	return removed
}

// Len counts stored entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns hit and miss counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.Len(),
	}
}

// RunSweeper evicts expired entries every interval until ctx is done.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.EvictExpired(); n > 0 {
				c.logger.Debug().Int("evicted", n).Msg("swept expired streams")
			}
		}
	}
}
