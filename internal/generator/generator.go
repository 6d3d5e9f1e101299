// Package generator produces text completions for prompts that passed the
// rule check. Providers share one interface and are wrapped by Retrying,
// which owns per-attempt timeouts and backoff.
package generator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Params carries the sampling settings for one generation.
type Params struct {
	MaxTokens   int
	Temperature float64
	TopP        float64
}

// Generator turns a prompt into text. Stream delivers fragments in order to
// fn and stops at the first error returned by fn.
type Generator interface {
	Name() string
	Generate(ctx context.Context, prompt string, p Params) (string, error)
	Stream(ctx context.Context, prompt string, p Params, fn func(fragment string) error) error
}

// ErrRateLimited reports that the provider refused the call for quota
// reasons. Rate limits are never retried.
var ErrRateLimited = errors.New("generator rate limited")

// StatusError is a non-success HTTP response from a provider.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("generator returned status %d: %s", e.StatusCode, e.Body)
}

type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// Transient marks err as worth another attempt.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsRateLimited reports whether err is a provider rate limit.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsRetryable reports whether err is a timeout or a transient provider
// failure.
func IsRetryable(err error) bool {
	if err == nil || IsRateLimited(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te transientError
	if errors.As(err, &te) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= http.StatusInternalServerError || se.StatusCode == http.StatusRequestTimeout
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
