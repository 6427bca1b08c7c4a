package job

import (
	"errors"
	"time"
)

// FatalError marks a handler failure that must not be retried.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return "fatal job error"
	}
	return "fatal: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err so the job fails immediately regardless of remaining
// attempts. Fatal(nil) returns nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// RetryError requests a retry after a specific delay instead of the
// backoff strategy's.
type RetryError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryError) Error() string {
	if e.Err == nil {
		return "retry requested"
	}
	return e.Err.Error()
}

func (e *RetryError) Unwrap() error { return e.Err }

// RetryAfter asks for the job to be retried no sooner than delay. It still
// consumes an attempt.
func RetryAfter(delay time.Duration, err error) error {
	return &RetryError{Err: err, Delay: delay}
}

// RetryDelay returns the delay requested through RetryAfter.
func RetryDelay(err error) (time.Duration, bool) {
	var re *RetryError
	if errors.As(err, &re) {
		return re.Delay, true
	}
	return 0, false
}
