package jit

import (
	"context"
	"sync"
	"sync/atomic"
)

// ArtifactCache maps methods to their best compiled artifact.
//
// Every invocation reads the cache and only finished compiles write it, so
// reads share an RWMutex read lock. Promotion is monotonic: a write at a tier
// at or below the stored one is a no-op, and there is no delete.
type ArtifactCache struct {
	mu      sync.RWMutex
	entries map[MethodID]Entry
	changed chan struct{} // closed and replaced on every promotion

	// Statistics
	promotions uint64
	rejected   uint64
}

// NewArtifactCache creates an empty cache.
func NewArtifactCache() *ArtifactCache {
	return &ArtifactCache{
		entries: make(map[MethodID]Entry),
		changed: make(chan struct{}),
	}
}

// Get returns the current entry for id. ok is false while the method is
// still interpreted.
func (c *ArtifactCache) Get(id MethodID) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	return e, ok
}

// Level returns the stored tier for id, Interpreted when absent.
func (c *ArtifactCache) Level(id MethodID) Level {
	e, ok := c.Get(id)
	if !ok {
		return Interpreted
	}
	return e.Level
}

// Promote stores artifact at level if level is strictly above the stored
// tier. It reports whether the entry changed.
func (c *ArtifactCache) Promote(id MethodID, artifact Artifact, level Level) bool {
	if !level.Compiled() || artifact == nil {
		atomic.AddUint64(&c.rejected, 1)
		return false
	}

	c.mu.Lock()
	if cur, ok := c.entries[id]; ok && cur.Level >= level {
		c.mu.Unlock()
		atomic.AddUint64(&c.rejected, 1)
		return false
	}
	c.entries[id] = Entry{Artifact: artifact, Level: level}
	wake := c.changed
	c.changed = make(chan struct{})
	c.mu.Unlock()

	close(wake)
	atomic.AddUint64(&c.promotions, 1)
	return true
}

// Wait blocks until id is cached at level or above, or ctx is done.
// Waiters are woken by promotions, never by polling.
func (c *ArtifactCache) Wait(ctx context.Context, id MethodID, level Level) (Entry, error) {
	for {
		c.mu.RLock()
		e, ok := c.entries[id]
		changed := c.changed
		c.mu.RUnlock()

		if ok && e.Level >= level {
			return e, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		}
	}
}

// Len returns the number of compiled methods.
func (c *ArtifactCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot returns a copy of every entry.
func (c *ArtifactCache) Snapshot() map[MethodID]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[MethodID]Entry, len(c.entries))
	for id, e := range c.entries {
		out[id] = e
	}
	return out
}

// CacheStats holds artifact cache statistics.
type CacheStats struct {
	Methods    int
	AtL1       int
	AtL2       int
	Promotions uint64
	Rejected   uint64 // promotions that were no-ops
}

// Stats returns cache statistics.
func (c *ArtifactCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := CacheStats{
		Methods:    len(c.entries),
		Promotions: atomic.LoadUint64(&c.promotions),
		Rejected:   atomic.LoadUint64(&c.rejected),
	}
	for _, e := range c.entries {
		switch e.Level {
		case L1:
			stats.AtL1++
		case L2:
			stats.AtL2++
		}
	}
	return stats
}
