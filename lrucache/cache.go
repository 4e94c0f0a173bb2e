/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package lrucache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

func (e *entry[K, V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && e.expiresAt.Before(now)
}

// expiryTime converts a TTL into an absolute expiration time, zero TTL meaning "never expires".
func expiryTime(ttl time.Duration) time.Time {
	if ttl > 0 {
		return time.Now().Add(ttl)
	}
	return time.Time{}
}

// LRUCache is a thread-safe fixed-capacity cache with LRU eviction,
// optional per-entry TTL, and Prometheus metrics.
type LRUCache[K comparable, V any] struct {
	maxEntries int

	defaultTTL time.Duration

	mu      sync.RWMutex
	order   *list.List          // most recently used entries first
	entries map[K]*list.Element // value is an order element holding *entry

	loadGroup flightGroup[K, V]

	metricsCollector MetricsCollector
}

// Options represents options for the cache.
type Options struct {
	// DefaultTTL is the TTL applied to entries added without an explicit one
	// (by Add, GetOrAdd, and GetOrLoad). Zero means entries don't expire.
	// Expired entries are evicted lazily, on access or by RunPeriodicCleanup.
	DefaultTTL time.Duration
}

// New creates a cache holding up to maxEntries entries.
// metricsCollector may be nil, in which case metrics collection is disabled.
func New[K comparable, V any](maxEntries int, metricsCollector MetricsCollector) (*LRUCache[K, V], error) {
	return NewWithOpts[K, V](maxEntries, metricsCollector, Options{})
}

// NewWithOpts creates a cache holding up to maxEntries entries, configured with the given options.
// metricsCollector may be nil, in which case metrics collection is disabled.
func NewWithOpts[K comparable, V any](maxEntries int, metricsCollector MetricsCollector, opts Options) (*LRUCache[K, V], error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("maxEntries must be greater than 0")
	}
	if opts.DefaultTTL < 0 {
		return nil, fmt.Errorf("defaultTTL must be greater or equal to 0 (no expiration)")
	}
	if metricsCollector == nil {
		metricsCollector = disabledMetrics{}
	}

	return &LRUCache[K, V]{
		maxEntries:       maxEntries,
		order:            list.New(),
		entries:          make(map[K]*list.Element),
		metricsCollector: metricsCollector,
		defaultTTL:       opts.DefaultTTL,
	}, nil
}

// Get returns the value stored under key and marks it as the most recently used one.
// Expired entries are reported as missing and dropped.
func (c *LRUCache[K, V]) Get(key K) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(key)
}

// Add stores the value under key with the default TTL,
// evicting the least recently used entry if the cache is full.
func (c *LRUCache[K, V]) Add(key K, value V) {
	c.AddWithTTL(key, value, c.defaultTTL)
}

// AddWithTTL stores the value under key with the given TTL,
// evicting the least recently used entry if the cache is full.
// Expired entries are evicted lazily, on access or by RunPeriodicCleanup.
func (c *LRUCache[K, V]) AddWithTTL(key K, value V, ttl time.Duration) {
	expiresAt := expiryTime(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.order.MoveToFront(elem)
		elem.Value = &entry[K, V]{key: key, value: value, expiresAt: expiresAt}
		return
	}
	c.insert(key, value, expiresAt)
}

// GetOrAdd returns the value stored under key.
// When the key is missing, valueProvider is called and its result is stored with the default TTL.
func (c *LRUCache[K, V]) GetOrAdd(key K, valueProvider func() V) (value V, exists bool) {
	return c.GetOrAddWithTTL(key, valueProvider, c.defaultTTL)
}

// GetOrAddWithTTL returns the value stored under key.
// When the key is missing, valueProvider is called and its result is stored with the given TTL.
// valueProvider runs under the cache lock, so it should be cheap; use GetOrLoad for slow loads.
func (c *LRUCache[K, V]) GetOrAddWithTTL(key K, valueProvider func() V, ttl time.Duration) (value V, exists bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if value, exists = c.get(key); exists {
		return value, exists
	}

	value = valueProvider()
	c.insert(key, value, expiryTime(ttl))
	return value, false
}

// GetOrLoad returns the value stored under key.
// When the key is missing, loadValue is called to obtain the value,
// and the result is stored with the default TTL.
// Concurrent calls for the same key share a single loadValue execution.
// If loadValue fails, nothing is cached, and the error is returned to all waiting callers.
func (c *LRUCache[K, V]) GetOrLoad(key K, loadValue func(K) (V, error)) (V, error) {
	return c.GetOrLoadWithTTL(key, loadValue, c.defaultTTL)
}

// GetOrLoadWithTTL returns the value stored under key.
// When the key is missing, loadValue is called to obtain the value,
// and the result is stored with the given TTL.
// Concurrent calls for the same key share a single loadValue execution,
// and loadValue runs outside the cache lock, so it may be arbitrarily slow.
func (c *LRUCache[K, V]) GetOrLoadWithTTL(key K, loadValue func(K) (V, error), ttl time.Duration) (V, error) {
	c.mu.Lock()
	value, exists := c.get(key)
	c.mu.Unlock()
	if exists {
		return value, nil
	}
	return c.loadGroup.Do(key, func() (V, error) {
		// The value may have been stored by the call this one was coalesced with.
		c.mu.Lock()
		value, exists := c.get(key)
		c.mu.Unlock()
		if exists {
			return value, nil
		}
		value, err := loadValue(key)
		if err != nil {
			return value, err
		}
		c.AddWithTTL(key, value, ttl)
		return value, nil
	})
}

// Remove removes the entry stored under key and reports whether it was present.
func (c *LRUCache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return false
	}

	c.order.Remove(elem)
	delete(c.entries, key)
	c.metricsCollector.SetAmount(len(c.entries))
	return true
}

// Purge removes all entries.
// The configured capacity stays as is, and of the metrics only the entries amount is reset;
// purged entries are not counted as evictions.
func (c *LRUCache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metricsCollector.SetAmount(0)
	c.entries = make(map[K]*list.Element)
	c.order.Init()
}

// Resize changes the cache capacity,
// evicting least recently used entries when the cache holds more than the new capacity.
// It returns the number of evicted entries.
func (c *LRUCache[K, V]) Resize(size int) (evicted int) {
	if size <= 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.maxEntries = size
	evicted = len(c.entries) - size
	if evicted <= 0 {
		return
	}
	for i := 0; i < evicted; i++ {
		_ = c.evictOldest()
	}
	c.metricsCollector.SetAmount(len(c.entries))
	c.metricsCollector.AddEvictions(evicted)
	return evicted
}

// Len returns the number of entries in the cache, including expired but not yet evicted ones.
func (c *LRUCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *LRUCache[K, V]) get(key K) (value V, ok bool) {
	elem, found := c.entries[key]
	if !found {
		c.metricsCollector.IncMisses()
		return value, false
	}
	ent := elem.Value.(*entry[K, V])
	if ent.expired(time.Now()) {
		c.order.Remove(elem)
		delete(c.entries, key)
		c.metricsCollector.SetAmount(len(c.entries))
		c.metricsCollector.IncMisses()
		return value, false
	}
	c.order.MoveToFront(elem)
	c.metricsCollector.IncHits()
	return ent.value, true
}

func (c *LRUCache[K, V]) insert(key K, value V, expiresAt time.Time) {
	c.entries[key] = c.order.PushFront(&entry[K, V]{key: key, value: value, expiresAt: expiresAt})
	if len(c.entries) <= c.maxEntries {
		c.metricsCollector.SetAmount(len(c.entries))
		return
	}
	if evictedEntry := c.evictOldest(); evictedEntry != nil {
		c.metricsCollector.AddEvictions(1)
	}
}

func (c *LRUCache[K, V]) evictOldest() *entry[K, V] {
	elem := c.order.Back()
	if elem == nil {
		return nil
	}
	c.order.Remove(elem)
	ent := elem.Value.(*entry[K, V])
	delete(c.entries, ent.key)
	return ent
}

func (c *LRUCache[K, V]) removeExpired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, elem := range c.entries {
		if elem.Value.(*entry[K, V]).expired(now) {
			c.order.Remove(elem)
			delete(c.entries, key)
		}
	}
	c.metricsCollector.SetAmount(len(c.entries))
}

// RunPeriodicCleanup removes expired entries every cleanupInterval until ctx ends.
// Entries without a TTL are never touched.
// It's supposed to be run in a separate goroutine.
func (c *LRUCache[K, V]) RunPeriodicCleanup(ctx context.Context, cleanupInterval time.Duration) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.removeExpired(time.Now())
		}
	}
}
