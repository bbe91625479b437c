// Package retry runs a call again with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Policy describes how often and how patiently to retry.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps a single backoff. Zero means uncapped.
	MaxDelay time.Duration
}

// DefaultPolicy suits upstream HTTP calls that sit on a request path.
var DefaultPolicy = Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

// Do calls fn up to p.MaxAttempts times. It stops early when fn succeeds,
// when fn returns a *PermanentError (whose inner error is returned), or when
// ctx is done. The delay doubles after every attempt with ±25% jitter.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	delay := p.BaseDelay

	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return err
}

// Do is shorthand for an uncapped Policy.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	p := Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay}
	return p.Do(ctx, func(context.Context) error { return fn() })
}

func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	j := d / 4
	return d - j + time.Duration(rand.Int64N(int64(2*j)+1))
}
