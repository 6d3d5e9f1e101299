package generator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/promptguard/internal/metrics"
)

// scripted replays one result per call. A nil entry succeeds with "ok";
// errHang blocks until the attempt context ends.
type scripted struct {
	mu      sync.Mutex
	results []error
	calls   int
	chunks  []string
}

var errHang = errors.New("hang")

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) next(ctx context.Context) error {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()
	if i >= len(s.results) {
		return nil
	}
	err := s.results[i]
	if errors.Is(err, errHang) {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (s *scripted) Generate(ctx context.Context, _ string, _ Params) (string, error) {
	if err := s.next(ctx); err != nil {
		return "", err
	}
	return "ok", nil
}

func (s *scripted) Stream(ctx context.Context, _ string, _ Params, fn func(string) error) error {
	for _, c := range s.chunks {
		if err := fn(c); err != nil {
			return err
		}
	}
	return s.next(ctx)
}

func (s *scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type callLog struct {
	mu      sync.Mutex
	results []metrics.GeneratorResult
}

func (c *callLog) ObserveGeneratorCall(_ string, r metrics.GeneratorResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
}

func newTestRetrying(inner Generator, attempts int, obs Observer) *Retrying {
	r := NewRetrying(nil, inner, RetryPolicy{
		MaxAttempts:  attempts,
		Timeout:      20 * time.Millisecond,
		InitialDelay: time.Millisecond,
		Backoff:      2,
		MaxDelay:     5 * time.Millisecond,
	}, obs)
	return r
}

func TestRetryingSucceedsAfterTransientFailures(t *testing.T) {
	inner := &scripted{results: []error{Transient(errors.New("blip")), &StatusError{StatusCode: 503}}}
	log := &callLog{}
	r := newTestRetrying(inner, 3, log)

	out, err := r.Generate(context.Background(), "p", Params{})
	require.NoError(t, err)
	require.Equal(t, "ok", out)
	require.Equal(t, 3, inner.Calls())
	require.Equal(t, []metrics.GeneratorResult{metrics.GeneratorError, metrics.GeneratorError, metrics.GeneratorSuccess}, log.results)
}

func TestRetryingExhaustsOnRepeatedTimeouts(t *testing.T) {
	inner := &scripted{results: []error{errHang, errHang, errHang}}
	log := &callLog{}
	r := newTestRetrying(inner, 3, log)

	_, err := r.Generate(context.Background(), "p", Params{})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 3, inner.Calls())
	require.Equal(t, []metrics.GeneratorResult{metrics.GeneratorTimeout, metrics.GeneratorTimeout, metrics.GeneratorTimeout}, log.results)
}

func TestRetryingDoesNotRetryRateLimits(t *testing.T) {
	inner := &scripted{results: []error{ErrRateLimited}}
	log := &callLog{}
	r := newTestRetrying(inner, 3, log)

	_, err := r.Generate(context.Background(), "p", Params{})
	require.True(t, IsRateLimited(err))
	require.Equal(t, 1, inner.Calls())
	require.Equal(t, []metrics.GeneratorResult{metrics.GeneratorRateLimited}, log.results)
}

func TestRetryingDoesNotRetryPermanentErrors(t *testing.T) {
	inner := &scripted{results: []error{&StatusError{StatusCode: 400, Body: "bad"}}}
	r := newTestRetrying(inner, 3, nil)

	_, err := r.Generate(context.Background(), "p", Params{})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, 400, se.StatusCode)
	require.NotErrorIs(t, err, ErrExhausted)
	require.Equal(t, 1, inner.Calls())
}

func TestRetryingStopsWhenCallerCancels(t *testing.T) {
	inner := &scripted{results: []error{errHang, errHang, errHang}}
	r := NewRetrying(nil, inner, RetryPolicy{MaxAttempts: 3, Timeout: time.Second}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.Generate(ctx, "p", Params{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotErrorIs(t, err, ErrExhausted)
	require.Equal(t, 1, inner.Calls())
}

func TestRetryingStreamRetriesBeforeFirstFragment(t *testing.T) {
	inner := &scripted{results: []error{Transient(errors.New("blip"))}}
	r := newTestRetrying(inner, 2, nil)

	var got []string
	err := r.Stream(context.Background(), "p", Params{}, func(s string) error {
		got = append(got, s)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, inner.Calls())
	require.Empty(t, got)
}

func TestRetryingStreamFailureAfterOutputIsFinal(t *testing.T) {
	inner := &scripted{results: []error{Transient(errors.New("blip"))}, chunks: []string{"a", "b"}}
	r := newTestRetrying(inner, 3, nil)

	var got []string
	err := r.Stream(context.Background(), "p", Params{}, func(s string) error {
		got = append(got, s)
		return nil
	})
	require.Error(t, err)
	require.Equal(t, 1, inner.Calls())
	require.Equal(t, []string{"a", "b"}, got)
}

func TestRetryingStreamCallbackErrorStops(t *testing.T) {
	inner := &scripted{chunks: []string{"a", "b"}}
	r := newTestRetrying(inner, 3, nil)
	stop := errors.New("client gone")

	err := r.Stream(context.Background(), "p", Params{}, func(string) error { return stop })
	require.ErrorIs(t, err, stop)
	require.Equal(t, 0, inner.Calls(), "stream aborted before the provider finished")
}

func TestRetryDelayIsCapped(t *testing.T) {
	r := NewRetrying(nil, NewMock(), RetryPolicy{
		MaxAttempts:  10,
		InitialDelay: time.Second,
		Backoff:      2,
		MaxDelay:     10 * time.Second,
	}, nil)
	for n := 1; n <= 10; n++ {
		d := r.delay(n)
		require.LessOrEqual(t, d, 10*time.Second)
		require.GreaterOrEqual(t, d, time.Duration(0))
	}
	first := r.delay(1)
	require.InDelta(t, float64(time.Second), float64(first), float64(200*time.Millisecond))
}

func TestIsRetryable(t *testing.T) {
	require.True(t, IsRetryable(context.DeadlineExceeded))
	require.True(t, IsRetryable(Transient(errors.New("x"))))
	require.True(t, IsRetryable(&StatusError{StatusCode: 502}))
	require.True(t, IsRetryable(&StatusError{StatusCode: 408}))
	require.False(t, IsRetryable(&StatusError{StatusCode: 401}))
	require.False(t, IsRetryable(ErrRateLimited))
	require.False(t, IsRetryable(nil))
	require.False(t, IsRetryable(errors.New("plain")))
	require.Nil(t, Transient(nil))
}
