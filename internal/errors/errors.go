// Package errors defines the pipeline's error taxonomy and classification
// helpers. Configuration errors are fatal at startup. Transient HTTP errors
// (418/429, 5xx, timeouts, aborted requests) are retried by the exchange
// client and escalated to permanent once retries are exhausted. Permanent
// HTTP errors abort the current (symbol, interval) series. Storage errors are
// owned by the storage package; verify findings are report content, not
// errors.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for retry and propagation decisions.
type Kind string

const (
	// KindConfig marks configuration problems: malformed JSON, missing
	// files, unknown interval codes. Never retried.
	KindConfig Kind = "config"

	// KindTransientHTTP marks retryable exchange failures: HTTP 418/429,
	// 5xx responses, network timeouts and aborted requests.
	KindTransientHTTP Kind = "transient_http"

	// KindPermanentHTTP marks non-retryable exchange failures: 4xx other
	// than 418/429, and transient failures whose retries were exhausted.
	KindPermanentHTTP Kind = "permanent_http"
)

// ClassifiedError carries an error together with the metadata the caller
// needs to decide whether to retry, escalate, or abort.
type ClassifiedError struct {
	Err        error
	Kind       Kind
	Operation  string
	Retryable  bool
	Status     int           // HTTP status when applicable, zero otherwise
	RetryAfter time.Duration // server-requested delay from Retry-After, zero when absent
	Body       string        // response body for permanent HTTP failures, possibly truncated
	Timestamp  time.Time
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	switch {
	case ce.Status != 0 && ce.Body != "":
		return fmt.Sprintf("[%s] %s: status %d: %s", ce.Kind, ce.Operation, ce.Status, ce.Body)
	case ce.Status != 0:
		return fmt.Sprintf("[%s] %s: status %d: %v", ce.Kind, ce.Operation, ce.Status, ce.Err)
	default:
		return fmt.Sprintf("[%s] %s: %v", ce.Kind, ce.Operation, ce.Err)
	}
}

// Unwrap returns the underlying error for errors.Is/errors.As chains.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is matches another ClassifiedError by kind, or defers to the wrapped error.
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Kind == t.Kind
	}
	return errors.Is(ce.Err, target)
}

// NewConfigError wraps a configuration failure.
func NewConfigError(operation string, err error) *ClassifiedError {
	return &ClassifiedError{
		Err:       err,
		Kind:      KindConfig,
		Operation: operation,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewTransientHTTP wraps a retryable exchange failure. status may be zero for
// network-level failures; retryAfter is the server-requested delay when the
// response carried a parseable Retry-After header.
func NewTransientHTTP(operation string, status int, retryAfter time.Duration, err error) *ClassifiedError {
	return &ClassifiedError{
		Err:        err,
		Kind:       KindTransientHTTP,
		Operation:  operation,
		Retryable:  true,
		Status:     status,
		RetryAfter: retryAfter,
		Timestamp:  time.Now().UTC(),
	}
}

// NewPermanentHTTP wraps a non-retryable exchange failure carrying the
// response body.
func NewPermanentHTTP(operation string, status int, body string, err error) *ClassifiedError {
	return &ClassifiedError{
		Err:       err,
		Kind:      KindPermanentHTTP,
		Operation: operation,
		Retryable: false,
		Status:    status,
		Body:      body,
		Timestamp: time.Now().UTC(),
	}
}

// Escalate converts a transient failure into a permanent one after retries
// are exhausted, preserving the original error as the cause. Non-transient
// errors pass through unchanged.
func Escalate(err error, attempts int) error {
	var ce *ClassifiedError
	if !errors.As(err, &ce) || ce.Kind != KindTransientHTTP {
		return err
	}
	return &ClassifiedError{
		Err:       ce,
		Kind:      KindPermanentHTTP,
		Operation: ce.Operation,
		Retryable: false,
		Status:    ce.Status,
		Body:      fmt.Sprintf("retries exhausted after %d attempts", attempts),
		Timestamp: time.Now().UTC(),
	}
}

// KindOf returns the classification of err, or the empty Kind when err has no
// ClassifiedError in its chain.
func KindOf(err error) Kind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsConfig reports whether err is classified as a configuration error.
func IsConfig(err error) bool { return KindOf(err) == KindConfig }

// IsTransient reports whether err is classified as a retryable HTTP failure.
func IsTransient(err error) bool { return KindOf(err) == KindTransientHTTP }

// IsPermanent reports whether err is classified as a permanent HTTP failure.
func IsPermanent(err error) bool { return KindOf(err) == KindPermanentHTTP }
