/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package bulkhead provides an admission-control gate that bounds the number of
// concurrently executing callers and queues a bounded number of waiting ones.
package bulkhead

import (
	"context"
	"errors"
	"fmt"
)

// ErrQueueFull is returned by Acquire when all execution slots are busy
// and the wait queue is already at capacity.
var ErrQueueFull = errors.New("bulkhead queue is full")

// Bulkhead limits the number of concurrently executing callers.
// While all execution slots are busy, up to queueLimit extra callers wait in a queue
// and are admitted in FIFO order as slots are released. A caller arriving when
// the queue is full is rejected immediately with ErrQueueFull.
//
// Slot accounting is done with two buffered channels: sending acquires a slot,
// receiving releases it. Waiting callers are blocked senders on the execution
// slots channel, so FIFO admission is provided by the runtime.
type Bulkhead struct {
	limit        int
	queueLimit   int
	slots        chan struct{}
	backlogSlots chan struct{}
}

// New creates a new Bulkhead with the given number of execution slots and wait queue capacity.
func New(limit, queueLimit int) (*Bulkhead, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit should be positive, got %d", limit)
	}
	if queueLimit < 0 {
		return nil, fmt.Errorf("queue limit should not be negative, got %d", queueLimit)
	}
	return &Bulkhead{
		limit:        limit,
		queueLimit:   queueLimit,
		slots:        make(chan struct{}, limit),
		backlogSlots: make(chan struct{}, limit+queueLimit),
	}, nil
}

// Acquire admits the caller, queueing it while all execution slots are busy.
// It reports whether the caller had to wait in the queue.
// If the queue is already full, it fails immediately with ErrQueueFull.
// If ctx is done while waiting, the wait is abandoned and ctx.Err() is returned.
// On success, the caller must call Release exactly once after finishing its work.
func (b *Bulkhead) Acquire(ctx context.Context) (queued bool, err error) {
	select {
	case b.backlogSlots <- struct{}{}:
	default:
		return false, ErrQueueFull
	}

	// Fast path, a free execution slot is available right away.
	select {
	case b.slots <- struct{}{}:
		return false, nil
	default:
	}

	select {
	case b.slots <- struct{}{}:
		return true, nil
	case <-ctx.Done():
		<-b.backlogSlots
		return true, ctx.Err()
	}
}

// Release frees the execution slot and then the queue slot held by the caller,
// waking the oldest queued caller if there is one.
func (b *Bulkhead) Release() {
	select {
	case <-b.slots:
	default:
	}
	select {
	case <-b.backlogSlots:
	default:
	}
}

// Limit returns the number of execution slots.
func (b *Bulkhead) Limit() int {
	return b.limit
}

// QueueLimit returns the capacity of the wait queue.
func (b *Bulkhead) QueueLimit() int {
	return b.queueLimit
}

// InFlight returns the number of currently admitted callers.
func (b *Bulkhead) InFlight() int {
	return len(b.slots)
}

// QueueLen returns the number of callers currently waiting in the queue.
func (b *Bulkhead) QueueLen() int {
	n := len(b.backlogSlots) - len(b.slots)
	if n < 0 {
		n = 0
	}
	if n > b.queueLimit {
		n = b.queueLimit
	}
	return n
}
