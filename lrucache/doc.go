/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package lrucache provides an in-memory cache with LRU eviction, entry expiration,
// deduplication of concurrent loads of the same key, and Prometheus metrics.
package lrucache
