package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrNoCredentials is returned by the resolver when no configured model
// entry, static fallback, or same-family borrowing can supply credentials
// for a model key.
var ErrNoCredentials = errors.New("no credentials configured")

// StatusError is a non-2xx provider response. The conversation loop
// classifies these to decide between local retry, model fallback, and
// giving up.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Code, e.Body)
}

// Disposition describes how the loop should react to a provider failure.
type Disposition int

const (
	// DispositionRetry means retry the same model with backoff (rate limit).
	DispositionRetry Disposition = iota
	// DispositionFallback means move to the next candidate model.
	DispositionFallback
	// DispositionFatal means stop: the failure is not provider-specific
	// (typically the caller's context was cancelled).
	DispositionFatal
)

// Classify maps a provider error to a disposition and a human-readable
// reason for logging. Rate limits (429) are retried in place; auth,
// payment, not-found/policy, and availability errors move straight to the
// next candidate. Unknown provider failures also fall back: a different
// back-end may still answer.
func Classify(err error) (Disposition, string) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return DispositionFatal, "request cancelled"
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusTooManyRequests:
			return DispositionRetry, "rate limit"
		case http.StatusUnauthorized:
			return DispositionFallback, "auth error"
		case http.StatusPaymentRequired:
			return DispositionFallback, "payment required"
		case http.StatusNotFound:
			return DispositionFallback, "not found or policy error"
		case http.StatusServiceUnavailable:
			return DispositionFallback, "service unavailable"
		default:
			return DispositionFallback, fmt.Sprintf("provider error %d", se.Code)
		}
	}

	if errors.Is(err, ErrNoCredentials) {
		return DispositionFallback, "no credentials"
	}

	// Transport-level failures (connection refused, DNS) are fallback
	// eligible: a local back-end being down should not take the hosted
	// ones with it.
	return DispositionFallback, "transport error"
}
