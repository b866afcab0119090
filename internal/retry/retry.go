// Package retry implements bounded retries with exponential backoff for
// calls out to the trips service and the payment rail.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError marks a failure retrying cannot fix, such as a 404 from
// the trips service or a validation reject from the processor.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do returns it immediately instead of retrying.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do runs fn up to attempts times. Between failures it sleeps base, doubled
// per attempt with ±25% jitter so synchronized callers spread out. A nil
// return, a PermanentError, or ctx cancellation ends the loop early; a
// permanent error comes back unwrapped.
func Do(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	wait := base
	var err error
	for try := 1; ; try++ {
		err = fn()
		if err == nil {
			return nil
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}

		if try == attempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(wait)):
		}
		wait *= 2
	}
}

// jittered spreads d across [0.75d, 1.25d].
func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return d - d/4 + rand.N(half+1)
}
