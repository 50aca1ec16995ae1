// Package retry runs an operation under a bounded, constant-delay retry
// policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy bounds how often a failing operation is retried.
type Policy struct {
	// FirstRetryDelay is the wait before every retry.
	FirstRetryDelay time.Duration `json:"firstRetryDelay"`
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `json:"maxAttempts"`
}

// Attempts returns the effective attempt count; anything below one runs once.
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real-time Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, returns a permanent error, or the policy's
// attempts run out. fn receives the 1-based attempt number. The returned int
// is the number of attempts made.
func Do(ctx context.Context, p Policy, sleep Sleeper, fn func(ctx context.Context, attempt int) error) (int, error) {
	if sleep == nil {
		sleep = Sleep
	}
	max := p.Attempts()

	var err error
	for attempt := 1; attempt <= max; attempt++ {
		if attempt > 1 {
			if serr := sleep(ctx, p.FirstRetryDelay); serr != nil {
				return attempt - 1, serr
			}
		}

		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if IsPermanent(err) {
			return attempt, err
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
	}

	if max == 1 {
		return 1, err
	}
	return max, &ExhaustedError{Attempts: max, Err: err}
}
