/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package httpmiddleware provides middlewares for HTTP servers:
// request id generation, logging, metrics collection, panic recovery,
// and admission control driven by the policy registry
// (rate limiting and bounding the number of concurrently served requests).
package httpmiddleware
