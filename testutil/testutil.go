/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package testutil provides helpers for asserting Prometheus metrics and HTTP responses in tests.
package testutil

type tHelper interface {
	Helper()
}
