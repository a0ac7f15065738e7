// Streamsync - Real-Time Market Data Ingestion and Synchronization
// Copyright 2026 Dmitri K. (dkrotov)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkrotov/streamsync

// Package cache provides a thread-safe, bounded in-memory store with TTL
// expiry. It is the single shared read path for everything downstream of the
// ingestion pipeline: while the feed is disconnected or recovering, readers
// keep getting the last good value until it ages out.
package cache

import (
	"sync"
	"time"

	"github.com/dkrotov/streamsync/internal/metrics"
)

// sweepCeiling caps the background sweep interval. Entries written once and
// never re-read would otherwise only leave memory on capacity pressure.
const sweepCeiling = 60 * time.Second

// Entry is a cached value together with its write timestamp.
type Entry[V any] struct {
	Value     V
	WrittenAt time.Time
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
	LastSweep time.Time
}

// Cache is a thread-safe key-value store bounded in two dimensions: entries
// older than maxAge are treated as absent (lazily deleted on read, proactively
// by the sweep), and inserting beyond maxSize evicts the globally
// oldest-written entry first.
//
// A Get returns either a fully-formed previously-Set value or nothing; Set
// replaces a key's entry atomically, so concurrent readers never observe a
// torn write.
type Cache[V any] struct {
	mu      sync.RWMutex
	entries map[string]Entry[V]
	maxAge  time.Duration
	maxSize int

	statsMu   sync.Mutex
	hits      int64
	misses    int64
	evictions int64
	lastSweep time.Time

	stopOnce sync.Once
	stop     chan struct{}

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a cache with the given TTL and capacity and starts the
// background sweep goroutine. Call Close to stop the sweep.
func New[V any](maxAge time.Duration, maxSize int) *Cache[V] {
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	if maxSize <= 0 {
		maxSize = 10000
	}

	c := &Cache[V]{
		entries: make(map[string]Entry[V]),
		maxAge:  maxAge,
		maxSize: maxSize,
		stop:    make(chan struct{}),
		now:     time.Now,
	}

	go c.sweepLoop()

	return c
}

// Set stores value under key, evicting the oldest-written entry first when
// the cache is full and key is not already present.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}

	c.entries[key] = Entry[V]{Value: value, WrittenAt: c.now()}
	size := len(c.entries)
	c.mu.Unlock()

	metrics.CacheSize.Set(float64(size))
}

// Get returns the value stored under key. An entry older than maxAge is
// deleted as a side effect and reported as absent; a stale value is never
// returned to the caller.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		c.recordMiss()
		return zero, false
	}

	if c.now().Sub(entry.WrittenAt) > c.maxAge {
		c.mu.Lock()
		// Re-check under the write lock: the entry may have been replaced
		// by a fresh Set since the read above.
		if current, ok := c.entries[key]; ok && current.WrittenAt.Equal(entry.WrittenAt) {
			delete(c.entries, key)
			metrics.CacheSize.Set(float64(len(c.entries)))
		}
		c.mu.Unlock()

		c.recordMiss()
		c.recordEvictions(1, "expired")
		return zero, false
	}

	c.recordHit()
	return entry.Value, true
}

// Has reports whether a live entry exists for key. Expired entries are
// removed as a side effect, same as Get.
func (c *Cache[V]) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Delete removes the entry for key, if any.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	_, existed := c.entries[key]
	delete(c.entries, key)
	size := len(c.entries)
	c.mu.Unlock()

	if existed {
		c.recordEvictions(1, "deleted")
	}
	metrics.CacheSize.Set(float64(size))
}

// Clear removes all entries in one atomic map replacement.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	evicted := len(c.entries)
	c.entries = make(map[string]Entry[V])
	c.mu.Unlock()

	if evicted > 0 {
		c.recordEvictions(int64(evicted), "deleted")
	}
	metrics.CacheSize.Set(0)
}

// Keys returns the keys of all current entries in no particular order.
func (c *Cache[V]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the current number of entries, including any that have expired
// but not yet been swept.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// GetStats returns a snapshot of the cache counters.
func (c *Cache[V]) GetStats() Stats {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()

	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      size,
		LastSweep: c.lastSweep,
	}
}

// Close stops the background sweep goroutine. Safe to call more than once.
func (c *Cache[V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// evictOldestLocked removes the entry with the smallest WrittenAt. The
// linear scan is deliberate: correctness requires the globally oldest entry,
// and maxSize stays small enough that O(n) on the write path is acceptable.
// Caller must hold c.mu.
func (c *Cache[V]) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	first := true

	for key, entry := range c.entries {
		if first || entry.WrittenAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.WrittenAt
			first = false
		}
	}

	if !first {
		delete(c.entries, oldestKey)
		c.recordEvictions(1, "capacity")
	}
}

// sweepLoop purges expired entries every min(maxAge, 60s).
func (c *Cache[V]) sweepLoop() {
	interval := c.maxAge
	if interval > sweepCeiling {
		interval = sweepCeiling
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep removes all expired entries.
func (c *Cache[V]) sweep() {
	now := c.now()

	c.mu.Lock()
	var evicted int64
	for key, entry := range c.entries {
		if now.Sub(entry.WrittenAt) > c.maxAge {
			delete(c.entries, key)
			evicted++
		}
	}
	size := len(c.entries)
	c.mu.Unlock()

	if evicted > 0 {
		c.recordEvictions(evicted, "expired")
	}
	metrics.CacheSize.Set(float64(size))

	c.statsMu.Lock()
	c.lastSweep = now
	c.statsMu.Unlock()
}

func (c *Cache[V]) recordHit() {
	c.statsMu.Lock()
	c.hits++
	c.statsMu.Unlock()
	metrics.CacheHits.Inc()
}

func (c *Cache[V]) recordMiss() {
	c.statsMu.Lock()
	c.misses++
	c.statsMu.Unlock()
	metrics.CacheMisses.Inc()
}

func (c *Cache[V]) recordEvictions(n int64, reason string) {
	c.statsMu.Lock()
	c.evictions += n
	c.statsMu.Unlock()
	metrics.CacheEvictions.WithLabelValues(reason).Add(float64(n))
}
