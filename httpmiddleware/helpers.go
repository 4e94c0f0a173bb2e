/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpmiddleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// RoutePatternGetterFunc is a function for getting route pattern from the request. Used in multiple middlewares.
//
// Usually it depends on the router that is used in HTTP server.
// ChiRoutePattern may be used when the server is built on the chi router:
//
//	func getGorillaMuxRoutePattern(r *http.Request) string {
//		curRoute := mux.CurrentRoute(r)
//		if curRoute == nil {
//			return ""
//		}
//		pathTemplate, err := curRoute.GetPathTemplate()
//		if err != nil {
//			return ""
//		}
//		return pathTemplate
//	}
type RoutePatternGetterFunc func(r *http.Request) string

// ChiRoutePattern returns the route pattern ("/users/{id}") that the chi router matched for the request.
// An empty string is returned if the request was not routed by chi.
func ChiRoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	return rctx.RoutePattern()
}

// WrapResponseWriter is a proxy around an http.ResponseWriter
// that allows hooking into various parts of the response process.
type WrapResponseWriter = chimiddleware.WrapResponseWriter

// WrapResponseWriterIfNeeded wraps an http.ResponseWriter (if it is not already wrapped), returning a proxy that allows you to
// hook into various parts of the response process.
func WrapResponseWriterIfNeeded(rw http.ResponseWriter, protoMajor int) WrapResponseWriter {
	if wrw, ok := rw.(WrapResponseWriter); ok {
		return wrw
	}
	return chimiddleware.NewWrapResponseWriter(rw, protoMajor)
}
