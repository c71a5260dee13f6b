// Package retry consolidates transient-error retry into one policy object
// so every executor call shares the same backoff, jitter and budget
// behavior, and retry semantics are tested in a single place.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Classifier reports whether an error is transient, i.e. expected to
// resolve on retry.
type Classifier func(error) bool

// Policy is the retry schedule: exponential backoff with multiplier 2,
// capped at MaxDelay, plus uniform additive jitter up to one delay to avoid
// synchronized retry storms across concurrent callers. The budget is both
// an attempt count and a wall-clock ceiling, whichever exhausts first.
type Policy struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration `yaml:"max_delay"`

	// MaxAttempts bounds the total number of attempts, the first included.
	MaxAttempts int `yaml:"max_attempts"`

	// MaxElapsed bounds the total wall-clock time spent across attempts so
	// a slow caller does not retry indefinitely. Zero means no ceiling.
	MaxElapsed time.Duration `yaml:"max_elapsed"`
}

// DefaultPolicy returns the default retry schedule.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		MaxAttempts: 5,
		MaxElapsed:  10 * time.Second,
	}
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 || p.MaxElapsed < 0 {
		return fmt.Errorf("delays cannot be negative")
	}
	return nil
}

// Delay returns the backoff before the given retry (attempt starts at 1 for
// the first retry), jitter included.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int63n(int64(d)))
}

// RetriesExhaustedError wraps the most recent transient error once the
// retry budget is spent. Attempts and Elapsed support operational diagnosis
// without inspecting internals.
type RetriesExhaustedError struct {
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts in %s: %v", e.Attempts, e.Elapsed, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Err
}

// Do runs fn until it succeeds, fails with a non-transient error, or spends
// the budget. It returns the number of attempts made. Backoff waits are
// suspension points cancellable through ctx; cancellation surfaces the
// context error immediately.
func (p Policy) Do(ctx context.Context, transient Classifier, fn func(attempt int) error) (int, error) {
	start := time.Now()
	var lastErr error

	for attempt := 1; ; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if !transient(lastErr) {
			return attempt, lastErr
		}

		elapsed := time.Since(start)
		if attempt >= p.MaxAttempts || (p.MaxElapsed > 0 && elapsed >= p.MaxElapsed) {
			return attempt, &RetriesExhaustedError{
				Attempts: attempt,
				Elapsed:  elapsed,
				Err:      lastErr,
			}
		}

		delay := p.Delay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
}
