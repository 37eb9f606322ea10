package vault

import (
	"errors"
	"fmt"
)

var (
	// ErrShareNotFound indicates the share does not exist locally or remotely.
	ErrShareNotFound = errors.New("share not found")
	// ErrItemNotFound indicates the item does not exist locally or remotely.
	ErrItemNotFound = errors.New("item not found")
	// ErrValidation is wrapped by every input validation failure.
	ErrValidation = errors.New("validation failed")
)

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// DecodeError reports one local record that could not be decoded. Batch
// reads collect these instead of failing.
type DecodeError struct {
	Collection string
	ID         string
	Err        error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding %s %s: %v", e.Collection, e.ID, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// FetchError reports a remote read that failed while nothing was cached
// locally to fall back on.
type FetchError struct {
	Resource string
	ID       string
	Err      error
}

func (e *FetchError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("fetching %s: %v", e.Resource, e.Err)
	}
	return fmt.Sprintf("fetching %s %s: %v", e.Resource, e.ID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
