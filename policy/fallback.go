/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/acronis/go-resilience/lrucache"
)

// FallbackFunc produces a substitute result after the wrapped operation has finally failed.
// It receives the canonical error describing the failure. An error returned by the fallback
// propagates to the caller as is, no other fallback is applied to it.
type FallbackFunc[T any] func(ctx context.Context, err error) (T, error)

// FallbackValue returns a FallbackFunc that always serves the given value.
func FallbackValue[T any](value T) FallbackFunc[T] {
	return func(_ context.Context, _ error) (T, error) {
		return value, nil
	}
}

// FallbackStore keeps results of successfully completed calls and serves them
// after a call has finally failed. LastGoodStore is the common implementation,
// *lrucache.LRUCache[string, T] satisfies the interface as well.
type FallbackStore[T any] interface {
	// Get returns the stored result of the operation.
	Get(operation string) (T, bool)

	// Add stores the result of the operation.
	Add(operation string, value T)
}

var (
	_ FallbackStore[string] = (*LastGoodStore[string])(nil)
	_ FallbackStore[string] = (*lrucache.LRUCache[string, string])(nil)
)

// DefaultLastGoodMaxEntries is a default value of LastGoodStoreOpts.MaxEntries.
const DefaultLastGoodMaxEntries = 1000

// LastGoodStoreOpts represents options for LastGoodStore.
type LastGoodStoreOpts struct {
	// MaxEntries is the max number of operations the store keeps results for.
	// The least recently used entries are evicted first. 1000 by default.
	MaxEntries int

	// TTL bounds how long a stored result may be served after it was stored.
	// Zero keeps results until they are evicted.
	TTL time.Duration

	// MetricsCollector collects statistics of the underlying cache usage. May be nil.
	MetricsCollector lrucache.MetricsCollector
}

// LastGoodStore keeps the most recent successful result per operation
// and serves it when the operation finally fails. One store may be shared
// between wrappers of multiple operations of the same result type.
type LastGoodStore[T any] struct {
	cache *lrucache.LRUCache[string, T]
	ttl   time.Duration
}

// NewLastGoodStore creates a new LastGoodStore with default options.
func NewLastGoodStore[T any]() *LastGoodStore[T] {
	store, err := NewLastGoodStoreWithOpts[T](LastGoodStoreOpts{})
	if err != nil {
		panic(fmt.Sprintf("new last good store: %v", err))
	}
	return store
}

// NewLastGoodStoreWithOpts creates a new LastGoodStore with the provided options.
func NewLastGoodStoreWithOpts[T any](opts LastGoodStoreOpts) (*LastGoodStore[T], error) {
	maxEntries := opts.MaxEntries
	if maxEntries == 0 {
		maxEntries = DefaultLastGoodMaxEntries
	}
	if opts.TTL < 0 {
		return nil, fmt.Errorf("ttl should not be negative, got %s", opts.TTL)
	}
	cache, err := lrucache.New[string, T](maxEntries, opts.MetricsCollector)
	if err != nil {
		return nil, fmt.Errorf("new lru cache: %w", err)
	}
	return &LastGoodStore[T]{cache: cache, ttl: opts.TTL}, nil
}

// Add stores the result as the last known good one for the operation.
func (s *LastGoodStore[T]) Add(operation string, value T) {
	if s.ttl > 0 {
		s.cache.AddWithTTL(operation, value, s.ttl)
		return
	}
	s.cache.Add(operation, value)
}

// Get returns the last known good result of the operation.
func (s *LastGoodStore[T]) Get(operation string) (T, bool) {
	return s.cache.Get(operation)
}

// Remove drops the stored result of the operation.
func (s *LastGoodStore[T]) Remove(operation string) bool {
	return s.cache.Remove(operation)
}

// RunPeriodicCleanup runs a periodic removal of expired results.
// It blocks until the passed context is done,
// and is usually started in a separate goroutine.
func (s *LastGoodStore[T]) RunPeriodicCleanup(ctx context.Context, interval time.Duration) {
	s.cache.RunPeriodicCleanup(ctx, interval)
}
