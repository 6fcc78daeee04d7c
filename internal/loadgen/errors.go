package loadgen

import "errors"

var (
	// ErrUnexpectedStatus is returned when the service answers with an unexpected status.
	ErrUnexpectedStatus = errors.New("unexpected status")
	// ErrSurface is returned when the published surface breaks its ordering rules.
	ErrSurface = errors.New("inconsistent surface")
)
