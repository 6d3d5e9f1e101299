package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/l0p7/promptguard/internal/metrics"
)

// Observer receives one event per generator attempt.
type Observer interface {
	ObserveGeneratorCall(provider string, result metrics.GeneratorResult)
}

// RetryPolicy bounds the attempts made for one generation.
type RetryPolicy struct {
	MaxAttempts  int
	Timeout      time.Duration
	InitialDelay time.Duration
	Backoff      float64
	MaxDelay     time.Duration
}

// ErrExhausted wraps the last failure once every attempt has been used.
var ErrExhausted = errors.New("generator attempts exhausted")

// Retrying runs each call of the wrapped generator under a per-attempt
// timeout and retries timeouts and transient failures with exponential
// backoff. Rate limits and caller cancellation end the call immediately.
type Retrying struct {
	inner    Generator
	policy   RetryPolicy
	logger   *slog.Logger
	observer Observer
	sleep    func(context.Context, time.Duration) error
}

// NewRetrying wraps inner. A zero MaxAttempts means a single attempt.
func NewRetrying(logger *slog.Logger, inner Generator, policy RetryPolicy, observer Observer) *Retrying {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Backoff < 1 {
		policy.Backoff = 1
	}
	return &Retrying{
		inner:    inner,
		policy:   policy,
		logger:   logger.With(slog.String("agent", "generator"), slog.String("provider", inner.Name())),
		observer: observer,
		sleep:    sleepContext,
	}
}

func (r *Retrying) Name() string { return r.inner.Name() }

// Generate retries the wrapped Generate under the policy.
func (r *Retrying) Generate(ctx context.Context, prompt string, p Params) (string, error) {
	var text string
	err := r.run(ctx, func(attemptCtx context.Context) (bool, error) {
		out, err := r.inner.Generate(attemptCtx, prompt, p)
		if err == nil {
			text = out
		}
		return true, err
	})
	return text, err
}

// Stream retries only while no fragment has reached fn; once output has
// been delivered a failure is final.
func (r *Retrying) Stream(ctx context.Context, prompt string, p Params, fn func(string) error) error {
	delivered := false
	var callbackErr error
	return r.run(ctx, func(attemptCtx context.Context) (bool, error) {
		err := r.inner.Stream(attemptCtx, prompt, p, func(fragment string) error {
			delivered = true
			if err := fn(fragment); err != nil {
				callbackErr = err
				return err
			}
			return nil
		})
		if callbackErr != nil {
			return false, callbackErr
		}
		return !delivered, err
	})
}

func (r *Retrying) run(ctx context.Context, attempt func(context.Context) (bool, error)) error {
	var lastErr error
	for n := 1; n <= r.policy.MaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.policy.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
		}
		retryable, err := attempt(attemptCtx)
		cancel()
		if err == nil {
			r.observe(metrics.GeneratorSuccess)
			return nil
		}
		lastErr = err

		switch {
		case IsRateLimited(err):
			r.observe(metrics.GeneratorRateLimited)
			r.logger.Warn("generator rate limited", slog.Int("attempt", n), slog.Any("error", err))
			return err
		case isTimeout(err):
			r.observe(metrics.GeneratorTimeout)
		default:
			r.observe(metrics.GeneratorError)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable || !IsRetryable(err) {
			return err
		}
		if n == r.policy.MaxAttempts {
			break
		}
		delay := r.delay(n)
		r.logger.Warn("generator attempt failed, retrying",
			slog.Int("attempt", n),
			slog.Int("max_attempts", r.policy.MaxAttempts),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
	r.logger.Error("generator attempts exhausted", slog.Int("attempts", r.policy.MaxAttempts), slog.Any("error", lastErr))
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, r.policy.MaxAttempts, lastErr)
}

func (r *Retrying) observe(result metrics.GeneratorResult) {
	if r.observer != nil {
		r.observer.ObserveGeneratorCall(r.inner.Name(), result)
	}
}

// delay is the pause after failed attempt n: InitialDelay grown by Backoff
// per attempt, capped at MaxDelay, with up to 20% jitter either way.
func (r *Retrying) delay(n int) time.Duration {
	base := float64(r.policy.InitialDelay) * math.Pow(r.policy.Backoff, float64(n-1))
	if r.policy.MaxDelay > 0 && base > float64(r.policy.MaxDelay) {
		base = float64(r.policy.MaxDelay)
	}
	jitter := base * 0.2 * (2*rand.Float64() - 1)
	d := time.Duration(base + jitter)
	if r.policy.MaxDelay > 0 && d > r.policy.MaxDelay {
		d = r.policy.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
