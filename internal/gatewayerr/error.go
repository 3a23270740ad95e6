// Package gatewayerr defines the error taxonomy surfaced to inbound
// callers and the helpers that attach a correlation id without
// leaking internal detail.
package gatewayerr

import (
	"fmt"
	"net/http"

	"github.com/Laisky/errors/v2"
	"github.com/google/uuid"
)

// Kind is the stable, client-visible error category.
type Kind string

const (
	KindInvalidRequest      Kind = "invalid_request"
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindQuotaExceeded       Kind = "quota_exceeded"
	KindRateLimit           Kind = "rate_limit"
	KindNoCapacity          Kind = "no_capacity"
	KindUpstreamClientError Kind = "upstream_client_error"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindTimeout             Kind = "timeout"
	KindInternal            Kind = "internal"
)

// httpStatus is the default HTTP status for each Kind. upstream_client_error
// overrides this with the verbatim upstream status.
var httpStatus = map[Kind]int{
	KindInvalidRequest:      http.StatusBadRequest,
	KindUnauthorized:        http.StatusUnauthorized,
	KindForbidden:           http.StatusForbidden,
	KindQuotaExceeded:       http.StatusTooManyRequests,
	KindRateLimit:           http.StatusTooManyRequests,
	KindNoCapacity:          http.StatusServiceUnavailable,
	KindUpstreamClientError: http.StatusBadRequest,
	KindUpstreamUnavailable: http.StatusServiceUnavailable,
	KindTimeout:             http.StatusGatewayTimeout,
	KindInternal:            http.StatusInternalServerError,
}

// Error is the wire-facing error: a stable Kind, an HTTP status, a
// retriable flag, and an
// ErrorID that correlates back to the request's attempt trail in logs.
type Error struct {
	Kind       Kind
	HTTPStatus int
	Retriable  bool
	Message    string
	ErrorID    string
	cause      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (error_id=%s)", e.Kind, e.Message, e.ErrorID)
}

// Unwrap exposes the underlying cause for errors.Is/As and for log-only
// traceback rendering; it is never serialized to the client.
func (e *Error) Unwrap() error { return e.cause }

// New builds a gatewayerr.Error of the given kind, wrapping cause for the
// log-only cause chain.
func New(kind Kind, cause error, format string, args...any) *Error {
	status, ok := httpStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Error{
		Kind:       kind,
		HTTPStatus: status,
		Retriable:  isRetriable(kind),
		Message:    fmt.Sprintf(format, args...),
		ErrorID:    uuid.NewString(),
		cause:      errors.WithStack(cause),
	}
}

// WithUpstreamStatus overrides the HTTP status, used for
// upstream_client_error which echoes the upstream's own 4xx code
// verbatim.
func (e *Error) WithUpstreamStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

func isRetriable(kind Kind) bool {
	switch kind {
	case KindUpstreamUnavailable, KindTimeout:
		return true
	default:
		return false
	}
}

// As reports whether err (or a cause in its chain) is a *Error, returning it.
func As(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}
