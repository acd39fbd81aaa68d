// Package retry runs an operation with capped exponential backoff and jitter.
// The access log sink uses it to reconnect to a restarted collector.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	"github.com/coder/quartz"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1 // ensure fits in int64
	return int64(v % uint64(n))                //nolint:gosec // n>0, v%n < n, safe
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Backoff describes how often and how patiently to retry.
type Backoff struct {
	Attempts  int
	BaseDelay time.Duration
	// MaxDelay caps a single sleep. Zero means no cap.
	MaxDelay time.Duration
	// Clock defaults to the real clock.
	Clock quartz.Clock
}

// Do calls fn up to b.Attempts times. It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
//
// The delay doubles after each attempt with +-25% jitter.
func (b Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	clock := b.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}

	var err error
	delay := b.BaseDelay

	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		// Don't sleep after the last attempt.
		if attempt == attempts-1 {
			break
		}

		jitter := delay / 4
		sleep := delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))
		if b.MaxDelay > 0 && sleep > b.MaxDelay {
			sleep = b.MaxDelay
		}

		timer := clock.NewTimer(sleep, "retry")
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
	}

	return err
}

// Do calls fn with the default real clock and no delay cap.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return Backoff{Attempts: maxAttempts, BaseDelay: baseDelay}.Do(ctx, func(int) error {
		return fn()
	})
}
