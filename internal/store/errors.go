package store

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransport marks connection drops, dial failures and timeouts.
	ErrTransport = errors.New("transport error")

	// ErrInvalidAlertSpec is returned when an alert request fails validation.
	ErrInvalidAlertSpec = errors.New("invalid alert spec")

	// ErrNoPendingRequest is returned when a confirmation arrives but the
	// request being confirmed cannot be recovered.
	ErrNoPendingRequest = errors.New("no pending request to confirm")

	// ErrStaleTransition is returned when a transaction update would move
	// its state backwards.
	ErrStaleTransition = errors.New("stale transaction transition")

	// ErrInvalidInput is returned for empty chat input.
	ErrInvalidInput = errors.New("invalid input")
)

// RemoteRejection is a non-success answer from the backend. Reason is the
// human-readable body and is shown to the user verbatim.
type RemoteRejection struct {
	Status int
	Reason string
}

func (e *RemoteRejection) Error() string {
	if e.Status == 0 {
		return e.Reason
	}
	return fmt.Sprintf("%s (status %d)", e.Reason, e.Status)
}

// StaleDataError reports a failed poll while the previous value is kept.
type StaleDataError struct {
	Source string
	Since  time.Time
	Err    error
}

func (e *StaleDataError) Error() string {
	if e.Since.IsZero() {
		return fmt.Sprintf("%s: no data yet: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("%s: stale since %s: %v", e.Source, e.Since.Format(time.RFC3339), e.Err)
}

func (e *StaleDataError) Unwrap() error {
	return e.Err
}
