// Package retry runs fallible I/O steps under an explicit attempt/backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Policy defines how many attempts a step gets and how long to wait between them
type Policy struct {
	MaxAttempts int             // total attempts, including the first
	Intervals   []time.Duration // wait before retry n; the last value repeats
}

// DefaultPolicy returns the backoff used for dataset downloads and export steps
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Intervals: []time.Duration{
			2 * time.Second,
			5 * time.Second,
			10 * time.Second,
		},
	}
}

// Delay returns the wait before the given retry (1-based)
func (p Policy) Delay(retry int) time.Duration {
	if len(p.Intervals) == 0 || retry <= 0 {
		return 0
	}
	if retry <= len(p.Intervals) {
		return p.Intervals[retry-1]
	}
	return p.Intervals[len(p.Intervals)-1]
}

// Validate checks the policy is usable
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy needs at least one attempt, got %d", p.MaxAttempts)
	}
	for _, d := range p.Intervals {
		if d < 0 {
			return fmt.Errorf("retry interval must not be negative: %s", d)
		}
	}
	return nil
}

// Event describes a failed attempt that is about to be retried
type Event struct {
	Label       string        `json:"label"`
	Attempt     int           `json:"attempt"`
	Err         error         `json:"-"`
	Wait        time.Duration `json:"wait"`
	NextRetryAt time.Time     `json:"nextRetryAt"`
}

// Result is the typed outcome of running a step under a policy
type Result struct {
	Attempts int
	Err      error
}

// OK reports whether the step eventually succeeded
func (r Result) OK() bool {
	return r.Err == nil
}

// Runner applies a policy and reports retries to an optional observer
type Runner struct {
	Policy  Policy
	OnRetry func(Event)

	// sleep is swapped in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a runner for the policy
func NewRunner(p Policy, onRetry func(Event)) *Runner {
	return &Runner{Policy: p, OnRetry: onRetry}
}

// Run calls fn until it succeeds, returns a permanent error, the context is
// cancelled, or attempts are exhausted
func (r *Runner) Run(ctx context.Context, label string, fn func(ctx context.Context, attempt int) error) Result {
	max := r.Policy.MaxAttempts
	if max < 1 {
		max = 1
	}
	sleep := r.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Attempts: attempt - 1, Err: joinCause(err, lastErr)}
		}

		err := fn(ctx, attempt)
		if err == nil {
			return Result{Attempts: attempt}
		}
		lastErr = err

		if IsPermanent(err) || ctx.Err() != nil || attempt == max {
			return Result{Attempts: attempt, Err: err}
		}

		wait := r.Policy.Delay(attempt)
		if r.OnRetry != nil {
			r.OnRetry(Event{
				Label:       label,
				Attempt:     attempt,
				Err:         err,
				Wait:        wait,
				NextRetryAt: time.Now().Add(wait),
			})
		}
		if err := sleep(ctx, wait); err != nil {
			return Result{Attempts: attempt, Err: joinCause(err, lastErr)}
		}
	}
	return Result{Attempts: max, Err: lastErr}
}

func joinCause(ctxErr, last error) error {
	if last == nil {
		return ctxErr
	}
	return fmt.Errorf("%w (last error: %v)", ctxErr, last)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// StatusError is a non-2xx HTTP response
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d from %s", e.StatusCode, e.URL)
}

// Retryable reports whether the status is transient: throttling
// (429, 509), timeouts (408) and server errors
func (e *StatusError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == 509:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// CheckResponse converts a non-2xx response into an error, marking
// non-transient statuses permanent
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err := &StatusError{URL: resp.Request.URL.String(), StatusCode: resp.StatusCode}
	if err.Retryable() {
		return err
	}
	return Permanent(err)
}
