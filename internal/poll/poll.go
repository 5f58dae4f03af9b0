// Package poll runs retry-until-success loops with an explicit policy.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotYetReady is returned by a check that should be retried
var ErrNotYetReady = errors.New("not yet ready")

// TimeoutError is returned when a policy is exhausted before the check succeeds
type TimeoutError struct {
	Operation string
	Attempts  int
	Elapsed   time.Duration
	LastErr   error
}

func (e *TimeoutError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("%s timed out after %d attempts (%s): %v", e.Operation, e.Attempts, e.Elapsed.Round(time.Millisecond), e.LastErr)
	}
	return fmt.Sprintf("%s timed out after %d attempts (%s)", e.Operation, e.Attempts, e.Elapsed.Round(time.Millisecond))
}

func (e *TimeoutError) Unwrap() error {
	return e.LastErr
}

// IsTimeout reports whether err is a policy timeout
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Policy configures a polling loop. Zero MaxAttempts and zero Timeout mean
// the loop runs until the check succeeds or the context is cancelled.
type Policy struct {
	Interval     time.Duration `mapstructure:"interval"`
	MaxInterval  time.Duration `mapstructure:"max_interval"`
	Multiplier   float64       `mapstructure:"multiplier"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	Timeout      time.Duration `mapstructure:"timeout"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
}

// Fixed returns an unbounded policy with a constant interval
func Fixed(interval time.Duration) Policy {
	return Policy{Interval: interval, MaxInterval: interval, Multiplier: 1}
}

// Bounded reports whether the policy can give up on its own
func (p Policy) Bounded() bool {
	return p.MaxAttempts > 0 || p.Timeout > 0
}

// Check is one polling attempt. Returning nil stops the loop successfully.
// Returning ErrNotYetReady (or any error wrapping it) or a retryable error
// schedules another attempt; anything else the Retryable filter rejects stops
// the loop with that error.
type Check func(ctx context.Context, attempt int) error

// Options tunes a single Until call
type Options struct {
	// Operation names the loop in errors
	Operation string
	// Retryable decides whether a non-nil error other than ErrNotYetReady is retried.
	// Nil means every error is retried.
	Retryable func(error) bool
	// OnRetry is called after a failed attempt, before sleeping
	OnRetry func(attempt int, err error, next time.Duration)
}

// Until runs check according to the policy
func Until(ctx context.Context, p Policy, opts Options, check Check) error {
	if opts.Operation == "" {
		opts.Operation = "poll"
	}

	start := time.Now()
	var deadline time.Time
	if p.Timeout > 0 {
		deadline = start.Add(p.Timeout)
	}

	if p.InitialDelay > 0 {
		if err := sleep(ctx, p.InitialDelay); err != nil {
			return err
		}
	}

	backoff := NewProgressiveBackoff(p.Interval, p.MaxInterval, p.Multiplier)
	var lastErr error

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := check(ctx, attempt)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNotYetReady) && opts.Retryable != nil && !opts.Retryable(err) {
			return err
		}
		// A cancelled context surfaces through the check; report it as cancellation
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err

		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return &TimeoutError{Operation: opts.Operation, Attempts: attempt, Elapsed: time.Since(start), LastErr: lastErr}
		}

		wait := backoff.Next()
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return &TimeoutError{Operation: opts.Operation, Attempts: attempt, Elapsed: time.Since(start), LastErr: lastErr}
			}
			if wait > remaining {
				wait = remaining
			}
		}

		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err, wait)
		}

		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	return sleep(ctx, d)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
