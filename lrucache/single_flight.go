/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package lrucache

import (
	"errors"
	"sync"
)

// ErrLoadInterrupted is reported to the callers waiting for a value
// whose loading finished abnormally (the loader panicked or called runtime.Goexit).
// The panic itself propagates on the goroutine that executed the loader.
var ErrLoadInterrupted = errors.New("value loading was interrupted")

type flightCall[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// flightGroup deduplicates concurrent loads of the same key.
// The zero value is ready to use.
type flightGroup[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*flightCall[V]
}

// Do executes fn once per key at a time. Concurrent callers with the same key
// block until the executing call finishes and receive its result.
func (g *flightGroup[K, V]) Do(key K, fn func() (V, error)) (V, error) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*flightCall[V])
	}
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		<-c.done
		return c.val, c.err
	}
	c := &flightCall[V]{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	finished := false
	defer func() {
		// Waiters must be unblocked even if fn never returned.
		if !finished {
			c.err = ErrLoadInterrupted
		}
		g.mu.Lock()
		delete(g.calls, key)
		g.mu.Unlock()
		close(c.done)
	}()

	c.val, c.err = fn()
	finished = true
	return c.val, c.err
}
