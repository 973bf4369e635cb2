package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	ErrUnauthorized  = errors.New("llm unauthorized")
	ErrUnavailable   = errors.New("llm unavailable")
	ErrEgressBlocked = errors.New("egress blocked")
	ErrRateLimited   = errors.New("llm rate limited")
	ErrNotConfigured = errors.New("llm provider not configured")
)

// Category groups provider failures the way they are reported to users.
type Category string

const (
	CategoryAuthentication     Category = "authentication"
	CategoryRateLimit          Category = "rate_limit"
	CategoryServiceUnavailable Category = "service_unavailable"
	CategoryNetwork            Category = "network"
	CategoryTimeout            Category = "timeout"
	CategoryGeneric            Category = "generic"
)

// StatusError is returned for any non-2xx provider response. Err carries
// the matching sentinel (ErrUnauthorized, ErrRateLimited, ErrUnavailable)
// when one applies.
type StatusError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: status %d: %s", e.Err, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("provider status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// NewStatusError maps a status code to its sentinel.
func NewStatusError(status int, body string) *StatusError {
	se := &StatusError{StatusCode: status, Body: body}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		se.Err = ErrUnauthorized
	case status == http.StatusTooManyRequests:
		se.Err = ErrRateLimited
	case status >= 500:
		se.Err = ErrUnavailable
	}
	return se
}

func Classify(err error) Category {
	if err == nil {
		return ""
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden:
			return CategoryAuthentication
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return CategoryRateLimit
		case statusErr.StatusCode >= 500:
			return CategoryServiceUnavailable
		default:
			return CategoryGeneric
		}
	}
	switch {
	case errors.Is(err, ErrUnauthorized):
		return CategoryAuthentication
	case errors.Is(err, ErrRateLimited):
		return CategoryRateLimit
	case errors.Is(err, ErrUnavailable):
		return CategoryServiceUnavailable
	case errors.Is(err, ErrEgressBlocked), errors.Is(err, ErrNotConfigured):
		return CategoryGeneric
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}
	return CategoryGeneric
}

// Retryable reports whether a failed request may be attempted again.
// Client errors are final except 429.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch Classify(err) {
	case CategoryRateLimit, CategoryServiceUnavailable, CategoryNetwork, CategoryTimeout:
		return true
	default:
		return false
	}
}
