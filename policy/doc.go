/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package policy provides a resilience policy engine for guarding arbitrary operations
// with retries, concurrency limiting (bulkhead), rate limiting, timeouts, and fallbacks.
//
// Policies are composed in a fixed order: the timeout bounds the whole call,
// the rate limiter and the bulkhead gate admission, and retries run on the
// already-admitted call. Terminal failures are normalized into a small set
// of canonical error kinds, so callers can match them with errors.As.
// Policies can be configured programmatically with Options or loaded
// from YAML/JSON configuration and bound to operations by glob rules (see Registry).
package policy
