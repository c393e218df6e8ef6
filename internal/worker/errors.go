package worker

import "errors"

// ErrInsufficientBalance marks a task that failed because the user's cached
// balance could not cover the item price. Always permanent.
var ErrInsufficientBalance = errors.New("insufficient balance")

// permanentError wraps an error that retrying cannot fix. A task that hits
// one is marked failed instead of being pushed back for another attempt.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err or anything it wraps was marked with
// Permanent, or is ErrInsufficientBalance.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInsufficientBalance) {
		return true
	}
	var pe *permanentError
	return errors.As(err, &pe)
}
