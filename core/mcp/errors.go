package mcp

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a dispatch failure. Kinds are stable strings recorded in
// usage records and returned to callers.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindRateLimit        Kind = "rate_limit"
	KindModelNotFound    Kind = "model_not_found"
	KindModelNotLoaded   Kind = "model_not_loaded"
	KindStoreUnavailable Kind = "store_unavailable"
	KindInternalModel    Kind = "internal_model"
	KindTimeout          Kind = "timeout"
)

// HTTPStatus maps the kind to the status class the transport should use.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindModelNotFound:
		return http.StatusNotFound
	case KindModelNotLoaded:
		return http.StatusConflict
	case KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified dispatch failure. RetryAfter is set for rate-limit
// denials and for retryable infrastructure errors.
type Error struct {
	Kind       Kind
	Msg        string
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

// E builds a classified error.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds a classified error around a cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the kind from err, or KindInternalModel for unclassified
// errors so that the failure path always records something meaningful.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternalModel
}

// RetryAfterOf returns the retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var de *Error
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}
