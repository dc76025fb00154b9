package tracker

import (
	"context"
	"errors"
	"fmt"
)

// TransientError marks a failure worth retrying: timeouts, rate limits,
// server-side errors.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v (transient)", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that will not succeed on retry:
// validation rejections, conflicts, authorization problems.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("%s: %v (permanent)", e.Op, e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is a non-retryable failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// classifyStatus maps an HTTP status code to the retry taxonomy. Rate
// limits and 5xx are transient; every other 4xx is permanent.
func classifyStatus(op string, status int, detail string) error {
	err := fmt.Errorf("HTTP %d: %s", status, detail)
	if status == 429 || status >= 500 {
		return &TransientError{Op: op, Err: err}
	}
	return &PermanentError{Op: op, Err: err}
}

// classifyNetErr wraps a transport-level error. Network failures and
// deadline expiry are transient; context cancellation passes through so
// callers see their own cancellation.
func classifyNetErr(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}
