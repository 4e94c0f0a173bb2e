/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpmiddleware

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/acronis/go-resilience/log"
	"github.com/acronis/go-resilience/policy"
)

// PolicyAdmissionParams contains data that relates to the admission procedure
// and could be used for rejecting or handling an occurred error.
type PolicyAdmissionParams struct {
	ResponseStatusCode int
	GetRetryAfter      PolicyAdmissionGetRetryAfterFunc
	ErrDomain          string
	Operation          string

	// RejectionErr is *policy.RateLimitRejectedError or *policy.BulkheadRejectedError.
	// It's nil when the params are passed to PolicyAdmissionOnErrorFunc.
	RejectionErr error
}

// PolicyAdmissionGetRetryAfterFunc is a function that is called to get a value for Retry-After response HTTP header.
// The estimatedTime is the time after which the rate limiter will admit the next request
// and it's zero when the request is rejected by the concurrency limit.
type PolicyAdmissionGetRetryAfterFunc func(r *http.Request, estimatedTime time.Duration) time.Duration

// PolicyAdmissionOnRejectFunc is a function that is called for rejecting HTTP request
// when it's not admitted by the operation's policies.
type PolicyAdmissionOnRejectFunc func(rw http.ResponseWriter, r *http.Request,
	params PolicyAdmissionParams, next http.Handler, logger log.FieldLogger)

// PolicyAdmissionOnErrorFunc is a function that is called in case of any error that may occur during the admission.
type PolicyAdmissionOnErrorFunc func(rw http.ResponseWriter, r *http.Request,
	params PolicyAdmissionParams, err error, next http.Handler, logger log.FieldLogger)

// PolicyAdmissionGetOperationFunc is a function that is called for getting the operation name
// that will be resolved in the registry. The request is served without admission when bypass is true.
type PolicyAdmissionGetOperationFunc func(r *http.Request) (operation string, bypass bool)

// DefaultPolicyAdmissionGetOperation builds the operation name of the request in the "METHOD path" form.
// The route pattern is used instead of the raw path when the chi router provides it ("GET /users/{user_id}").
func DefaultPolicyAdmissionGetOperation(r *http.Request) (operation string, bypass bool) {
	path := ChiRoutePattern(r)
	if path == "" {
		path = r.URL.Path
	}
	return r.Method + " " + path, false
}

// PolicyAdmissionOpts represents an options for PolicyAdmission middleware.
type PolicyAdmissionOpts struct {
	// GetOperation builds the operation name that is resolved in the registry.
	// DefaultPolicyAdmissionGetOperation is used when it's not set.
	GetOperation PolicyAdmissionGetOperationFunc

	// ResponseStatusCode is an HTTP status code that is used in responses for rejected requests.
	// 503 is used when it's not set.
	ResponseStatusCode int

	// GetRetryAfter computes a value for the Retry-After response HTTP header.
	// When it's not set, the header is set only for the rate limit rejections,
	// using the estimated time from the limiter.
	GetRetryAfter PolicyAdmissionGetRetryAfterFunc

	// DryRun enables the dry-run mode: rejected requests are served anyway.
	// Rejections are still logged and counted in the policy metrics.
	DryRun bool

	OnReject         PolicyAdmissionOnRejectFunc
	OnRejectInDryRun PolicyAdmissionOnRejectFunc
	OnError          PolicyAdmissionOnErrorFunc
}

type policyAdmissionHandler struct {
	registry       *policy.Registry
	next           http.Handler
	getOperation   PolicyAdmissionGetOperationFunc
	errDomain      string
	respStatusCode int
	getRetryAfter  PolicyAdmissionGetRetryAfterFunc
	dryRun         bool

	onReject         PolicyAdmissionOnRejectFunc
	onRejectInDryRun PolicyAdmissionOnRejectFunc
	onError          PolicyAdmissionOnErrorFunc
}

// PolicyAdmission is a middleware that applies the admission policies of the operation resolved
// from the registry to incoming HTTP requests: the rate limit check and the limit of concurrently
// served requests. Rejected requests are responded with 503 status code and an error in body.
//
// The rate limiter and the concurrency limiter are shared with the wrappers of the same operation,
// so the incoming HTTP requests and the other entry points (for example, gRPC calls) are admitted
// against the same limits. When the operation's rate limit policy enables waiting, the middleware
// blocks until the limiter admits the request or the request's context is done.
func PolicyAdmission(registry *policy.Registry, errDomain string) func(next http.Handler) http.Handler {
	return PolicyAdmissionWithOpts(registry, errDomain, PolicyAdmissionOpts{})
}

// PolicyAdmissionWithOpts is a more configurable version of PolicyAdmission middleware.
func PolicyAdmissionWithOpts(
	registry *policy.Registry, errDomain string, opts PolicyAdmissionOpts,
) func(next http.Handler) http.Handler {
	if registry == nil {
		panic("registry cannot be nil")
	}

	getOperation := opts.GetOperation
	if getOperation == nil {
		getOperation = DefaultPolicyAdmissionGetOperation
	}

	respStatusCode := opts.ResponseStatusCode
	if respStatusCode == 0 {
		respStatusCode = http.StatusServiceUnavailable
	}

	return func(next http.Handler) http.Handler {
		return &policyAdmissionHandler{
			registry:         registry,
			next:             next,
			getOperation:     getOperation,
			errDomain:        errDomain,
			respStatusCode:   respStatusCode,
			getRetryAfter:    opts.GetRetryAfter,
			dryRun:           opts.DryRun,
			onReject:         makePolicyAdmissionOnRejectFunc(opts),
			onRejectInDryRun: makePolicyAdmissionOnRejectInDryRunFunc(opts),
			onError:          makePolicyAdmissionOnErrorFunc(opts),
		}
	}
}

func (h *policyAdmissionHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	operation, bypass := h.getOperation(r)
	if bypass || operation == "" {
		h.next.ServeHTTP(rw, r)
		return
	}

	release, admitErr := h.registry.Admit(r.Context(), operation)
	if admitErr != nil {
		logger := GetLoggerFromContext(r.Context())
		params := PolicyAdmissionParams{
			ResponseStatusCode: h.respStatusCode,
			GetRetryAfter:      h.getRetryAfter,
			ErrDomain:          h.errDomain,
			Operation:          operation,
		}
		if isPolicyAdmissionRejection(admitErr) {
			params.RejectionErr = admitErr
			if h.dryRun {
				h.onRejectInDryRun(rw, r, params, h.next, logger)
				return
			}
			h.onReject(rw, r, params, h.next, logger)
			return
		}
		h.onError(rw, r, params, admitErr, h.next, logger)
		return
	}
	defer release()

	h.next.ServeHTTP(rw, r)
}

func isPolicyAdmissionRejection(err error) bool {
	var rateLimitErr *policy.RateLimitRejectedError
	var bulkheadErr *policy.BulkheadRejectedError
	return errors.As(err, &rateLimitErr) || errors.As(err, &bulkheadErr)
}

// DefaultPolicyAdmissionOnReject sends HTTP response with the configured status code and an error
// (code "tooManyRequests" or "tooManyInFlightRequests" depending on the exceeded limit) in body.
// The Retry-After header is set for the rate limit rejections.
func DefaultPolicyAdmissionOnReject(
	rw http.ResponseWriter, r *http.Request, params PolicyAdmissionParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger = logger.With(
			log.String(policy.OperationLogFieldKey, params.Operation),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}

	errCode, errMessage := ErrCodeTooManyInFlightRequests, ErrMessageTooManyInFlightRequests
	retryAfter, hasRetryAfter := time.Duration(0), false

	var rateLimitErr *policy.RateLimitRejectedError
	if errors.As(params.RejectionErr, &rateLimitErr) {
		errCode, errMessage = ErrCodeTooManyRequests, ErrMessageTooManyRequests
		retryAfter, hasRetryAfter = rateLimitErr.RetryAfter, true
	}
	if params.GetRetryAfter != nil {
		retryAfter, hasRetryAfter = params.GetRetryAfter(r, retryAfter), true
	}
	if hasRetryAfter {
		rw.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
	}

	RespondError(rw, params.ResponseStatusCode, NewError(params.ErrDomain, errCode, errMessage), logger)
}

// DefaultPolicyAdmissionOnRejectInDryRun continues serving the rejected HTTP request
// and logs the rejection details.
func DefaultPolicyAdmissionOnRejectInDryRun(
	rw http.ResponseWriter, r *http.Request, params PolicyAdmissionParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Warn("request rejected by admission policies, serving will be continued because of dry run mode",
			log.String(policy.OperationLogFieldKey, params.Operation),
			log.String(userAgentLogFieldKey, r.UserAgent()),
			log.Error(params.RejectionErr),
		)
	}
	next.ServeHTTP(rw, r)
}

// DefaultPolicyAdmissionOnError sends HTTP response with 500 status code and an internal error in body
// in case when the error occurs during the admission.
func DefaultPolicyAdmissionOnError(
	rw http.ResponseWriter, r *http.Request, params PolicyAdmissionParams, err error, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Error(err.Error(), log.String(policy.OperationLogFieldKey, params.Operation))
	}
	RespondInternalError(rw, params.ErrDomain, logger)
}

func makePolicyAdmissionOnRejectFunc(opts PolicyAdmissionOpts) PolicyAdmissionOnRejectFunc {
	if opts.OnReject != nil {
		return opts.OnReject
	}
	return DefaultPolicyAdmissionOnReject
}

func makePolicyAdmissionOnRejectInDryRunFunc(opts PolicyAdmissionOpts) PolicyAdmissionOnRejectFunc {
	if opts.OnRejectInDryRun != nil {
		return opts.OnRejectInDryRun
	}
	return DefaultPolicyAdmissionOnRejectInDryRun
}

func makePolicyAdmissionOnErrorFunc(opts PolicyAdmissionOpts) PolicyAdmissionOnErrorFunc {
	if opts.OnError != nil {
		return opts.OnError
	}
	return DefaultPolicyAdmissionOnError
}
