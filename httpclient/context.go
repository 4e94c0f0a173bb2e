/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import "context"

type ctxKey int

const (
	ctxKeyRequestType ctxKey = iota
	ctxKeyIdempotentHint
)

func getStringFromContext(ctx context.Context, key ctxKey) string {
	value := ctx.Value(key)
	if value == nil {
		return ""
	}
	return value.(string)
}

// NewContextWithRequestType creates a new context with request type.
// Logging and metrics round trippers use the request type to classify outgoing requests.
func NewContextWithRequestType(ctx context.Context, requestType string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestType, requestType)
}

// GetRequestTypeFromContext extracts request type from the context.
func GetRequestTypeFromContext(ctx context.Context) string {
	return getStringFromContext(ctx, ctxKeyRequestType)
}

// NewContextWithIdempotentHint returns a derived context carrying an "idempotent request" hint.
// When the hint is true, DefaultCheckRetry treats the request as safe to retry
// even if its method is not GET/HEAD/OPTIONS.
func NewContextWithIdempotentHint(ctx context.Context, isIdempotent bool) context.Context {
	return context.WithValue(ctx, ctxKeyIdempotentHint, isIdempotent)
}

// GetIdempotentHintFromContext extracts the "idempotent request" hint from the context.
// Returns false when the hint is not present.
func GetIdempotentHintFromContext(ctx context.Context) bool {
	isIdempotent, _ := ctx.Value(ctxKeyIdempotentHint).(bool)
	return isIdempotent
}
