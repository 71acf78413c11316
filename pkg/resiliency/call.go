// Package resiliency bounds calls to external collaborators: each attempt has
// a timeout, a timed-out attempt is retried at most once after a backoff,
// repeated failures open a circuit breaker, and an optional limiter paces calls.
package resiliency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

// Policy configures a Caller.
type Policy struct {
	Timeout time.Duration
	// Retries is clamped to [0, 1].
	Retries          int
	Backoff          BackoffPolicy
	BreakerThreshold int
	BreakerReset     time.Duration
	// RatePerSecond of zero disables rate limiting.
	RatePerSecond float64
	Burst         int
}

// DefaultPolicy is a 10s timeout with one retry.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:          10 * time.Second,
		Retries:          1,
		Backoff:          DefaultBackoff(),
		BreakerThreshold: 5,
		BreakerReset:     30 * time.Second,
	}
}

// Caller wraps one collaborator.
type Caller struct {
	name    string
	policy  Policy
	breaker *CircuitBreaker
	limiter *rate.Limiter
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewCaller creates a Caller named after the collaborator it guards.
func NewCaller(name string, p Policy) *Caller {
	if p.Timeout <= 0 {
		p.Timeout = DefaultPolicy().Timeout
	}
	if p.Retries < 0 {
		p.Retries = 0
	}
	if p.Retries > 1 {
		p.Retries = 1
	}
	c := &Caller{
		name:    name,
		policy:  p,
		breaker: NewCircuitBreaker(name, p.BreakerThreshold, p.BreakerReset),
		logger:  slog.Default().With("component", "resiliency", "collaborator", name),
		sleep:   sleepContext,
	}
	if p.RatePerSecond > 0 {
		burst := p.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(p.RatePerSecond), burst)
	}
	return c
}

// WithSleep overrides the backoff sleep for testing.
func (c *Caller) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Caller {
	c.sleep = fn
	return c
}

// Name returns the collaborator name.
func (c *Caller) Name() string { return c.name }

// Breaker exposes the circuit breaker.
func (c *Caller) Breaker() *CircuitBreaker { return c.breaker }

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Call runs fn under c's policy. Failures come back as a
// *contracts.GovernanceError of kind CollaboratorTimeout or CollaboratorError
// with Check set to the collaborator name.
func Call[T any](ctx context.Context, c *Caller, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if !c.breaker.Allow() {
		return zero, contracts.NewError(contracts.KindCollaboratorError, c.name, "circuit breaker open")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.breaker.Failure()
			return zero, contracts.WrapError(contracts.KindCollaboratorError, c.name, fmt.Errorf("rate limit: %w", err))
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.policy.Retries; attempt++ {
		if attempt > 0 {
			d := ComputeBackoff(c.name, attempt-1, c.policy.Backoff)
			c.logger.Warn("retrying collaborator after timeout", "attempt", attempt, "backoff", d)
			if err := c.sleep(ctx, d); err != nil {
				break
			}
		}
		out, timedOut, err := attemptOnce(ctx, c.policy.Timeout, fn)
		if err == nil {
			c.breaker.Success()
			return out, nil
		}
		lastErr = err
		if !timedOut || ctx.Err() != nil {
			c.breaker.Failure()
			if ctx.Err() != nil {
				return zero, contracts.WrapError(contracts.KindCollaboratorTimeout, c.name, ctx.Err())
			}
			return zero, contracts.WrapError(contracts.KindCollaboratorError, c.name, err)
		}
	}
	c.breaker.Failure()
	return zero, contracts.WrapError(contracts.KindCollaboratorTimeout, c.name, lastErr)
}

func attemptOnce[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, bool, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out T
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := fn(actx)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return r.out, true, r.err
		}
		return r.out, false, r.err
	case <-actx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, false, ctx.Err()
		}
		return zero, true, fmt.Errorf("attempt exceeded %s: %w", timeout, actx.Err())
	}
}
