package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// DefaultMaxAttempts bounds how many times one prompt is sent.
const DefaultMaxAttempts = 8

// RetryableError indicates a transient failure that can be retried:
// rate limiting, a 5xx, or a transport error.
type RetryableError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *RetryableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("retryable error: %v", e.Err)
	}
	return fmt.Sprintf("retryable error (status %d): %s", e.StatusCode, truncate(e.Message, 200))
}

func (e *RetryableError) Unwrap() error { return e.Err }

// ModelCallError is returned once a prompt could not be completed, either
// because retries ran out or because the failure was not retryable.
type ModelCallError struct {
	Attempts int
	Err      error
}

func (e *ModelCallError) Error() string {
	return fmt.Sprintf("model call failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ModelCallError) Unwrap() error { return e.Err }

// IsRetryable checks if an error is worth retrying.
func IsRetryable(err error) bool {
	var retryErr *RetryableError
	return errors.As(err, &retryErr)
}

// Backoff returns a duration for attempt n (0-indexed) with jitter.
func Backoff(attempt int) time.Duration {
	if attempt > 5 {
		attempt = 5
	}
	base := time.Duration(1<<uint(attempt)) * time.Second
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := time.Duration(rand.Int64N(int64(base) / 2))
	return base + jitter
}

// Retrying wraps a Completer with bounded retries and latency tracking.
type Retrying struct {
	next        Completer
	maxAttempts int
	stats       *Stats
	backoff     func(attempt int) time.Duration
}

func NewRetrying(next Completer, maxAttempts int, stats *Stats) *Retrying {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Retrying{
		next:        next,
		maxAttempts: maxAttempts,
		stats:       stats,
		backoff:     Backoff,
	}
}

// Stats returns the latency tracker, or nil when none was configured.
func (r *Retrying) Stats() *Stats { return r.stats }

func (r *Retrying) Complete(ctx context.Context, system, user string) (string, error) {
	var lastErr error
	for attempt := range r.maxAttempts {
		start := time.Now()
		out, err := r.next.Complete(ctx, system, user)
		if r.stats != nil {
			r.stats.Record(time.Since(start), err != nil)
		}
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == r.maxAttempts-1 {
			return "", &ModelCallError{Attempts: attempt + 1, Err: err}
		}
		select {
		case <-time.After(r.backoff(attempt)):
		case <-ctx.Done():
			return "", &ModelCallError{Attempts: attempt + 1, Err: ctx.Err()}
		}
	}
	return "", &ModelCallError{Attempts: r.maxAttempts, Err: lastErr}
}

// Model reports the wrapped provider's model name, if it has one.
func (r *Retrying) Model() string {
	if m, ok := r.next.(interface{ Model() string }); ok {
		return m.Model()
	}
	return ""
}

// Close releases the wrapped provider's resources.
func (r *Retrying) Close() {
	if c, ok := r.next.(interface{ Close() }); ok {
		c.Close()
	}
}
