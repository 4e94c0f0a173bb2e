/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// LeakyBucketLimiterTestSuite contains tests for LeakyBucketLimiter
type LeakyBucketLimiterTestSuite struct {
	suite.Suite
}

func TestLeakyBucketLimiter(t *testing.T) {
	suite.Run(t, new(LeakyBucketLimiterTestSuite))
}

func (ts *LeakyBucketLimiterTestSuite) TestAllowSequential() {
	limiter, err := NewLeakyBucketLimiter(Rate{Count: 2, Duration: time.Second}, 1)
	ts.NoError(err)

	ctx := context.Background()

	// First execution should be allowed (burst capacity)
	allow, retryAfter, err := limiter.Allow(ctx)
	ts.NoError(err)
	ts.True(allow)
	ts.GreaterOrEqual(retryAfter, time.Duration(-1)) // Can be -1ns for allowed executions

	// Second execution should be allowed (burst capacity)
	allow, retryAfter, err = limiter.Allow(ctx)
	ts.NoError(err)
	ts.True(allow)
	ts.GreaterOrEqual(retryAfter, time.Duration(-1)) // Can be -1ns for allowed executions

	// Third execution should be rate limited
	allow, retryAfter, err = limiter.Allow(ctx)
	ts.NoError(err)
	ts.False(allow)
	ts.Greater(retryAfter, time.Duration(0))
}

func (ts *LeakyBucketLimiterTestSuite) TestBurstCapacity() {
	limiter, err := NewLeakyBucketLimiter(Rate{Count: 1, Duration: time.Minute}, 4)
	ts.NoError(err)

	ctx := context.Background()

	// Burst capacity admits the sustained rate plus maxBurst extra executions.
	for i := 0; i < 5; i++ {
		allow, _, allowErr := limiter.Allow(ctx)
		ts.NoError(allowErr)
		ts.True(allow, "execution %d should fit into the burst", i)
	}

	allow, retryAfter, err := limiter.Allow(ctx)
	ts.NoError(err)
	ts.False(allow)
	ts.Greater(retryAfter, time.Duration(0))
}

func (ts *LeakyBucketLimiterTestSuite) TestInvalidBurst() {
	_, err := NewLeakyBucketLimiter(Rate{Count: 1, Duration: time.Second}, -1)
	ts.Error(err)
}
