package taskchannel

import "errors"

var (
	// ErrPermanent marks a failure that must not be redelivered
	ErrPermanent = errors.New("permanent task failure")

	// ErrNoHandler is returned when a queue has no registered consumer
	ErrNoHandler = errors.New("no handler registered for queue")

	// ErrClosed is returned when publishing to a closed channel
	ErrClosed = errors.New("task channel closed")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() []error { return []error{ErrPermanent, e.err} }

// Permanent wraps err so that channels reject the task instead of retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
