/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit provides local rate-limiting algorithms used to control
// how frequently a guarded operation is allowed to start.
//
// Limiter state lives in process memory and is not shared between processes
// or instances, each limiter guards exactly one wrapped operation.
// When an execution is not allowed, limiters report the duration after which
// it would be allowed again so that callers can either reject or wait.
//
// Two algorithms are provided:
//   - Leaky bucket (GCRA) with configurable burst capacity
//   - Sliding window
package ratelimit
