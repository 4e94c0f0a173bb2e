/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"time"
)

// Rate describes the frequency of allowed executions.
type Rate struct {
	Count    int
	Duration time.Duration
}

// Limiter tells whether one more execution is allowed to start now.
// When the execution is not allowed, retryAfter carries the duration
// after which it would be allowed again.
type Limiter interface {
	Allow(ctx context.Context) (allow bool, retryAfter time.Duration, err error)
}
