/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"time"

	"github.com/RussellLuo/slidingwindow"
)

// SlidingWindowLimiter implements sliding window rate limiting algorithm.
type SlidingWindowLimiter struct {
	limiter *slidingwindow.Limiter
	maxRate Rate
}

// NewSlidingWindowLimiter creates a new sliding window rate limiter.
func NewSlidingWindowLimiter(maxRate Rate) *SlidingWindowLimiter {
	lim, _ := slidingwindow.NewLimiter(
		maxRate.Duration, int64(maxRate.Count), func() (slidingwindow.Window, slidingwindow.StopFunc) {
			return slidingwindow.NewLocalWindow()
		})
	return &SlidingWindowLimiter{limiter: lim, maxRate: maxRate}
}

// Allow tells if one more execution may start now.
func (l *SlidingWindowLimiter) Allow(_ context.Context) (allow bool, retryAfter time.Duration, err error) {
	if l.limiter.Allow() {
		return true, 0, nil
	}
	now := time.Now()
	retryAfter = now.Truncate(l.maxRate.Duration).Add(l.maxRate.Duration).Sub(now)
	return false, retryAfter, nil
}
