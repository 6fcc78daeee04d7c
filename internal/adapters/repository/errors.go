package repository

import (
	"context"
	"errors"
	"net"
)

// Sentinel kinds for store errors.
var (
	ErrNotFound = errors.New("record not found")
	// ErrUnavailable is the transient class: network, unavailable, timeout, exhausted.
	ErrUnavailable = errors.New("store unavailable")
	// ErrPermissionDenied means the backend refused the caller.
	ErrPermissionDenied = errors.New("store permission denied")
)

// ErrorClass groups errors by how readers react to them.
type ErrorClass int

// Error classes.
const (
	ClassNone ErrorClass = iota
	ClassTransient
	ClassPermission
	ClassOther
)

// String returns the metric label of the class.
func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassPermission:
		return "permission"
	default:
		return "other"
	}
}

// Classify maps err to its class.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, ErrPermissionDenied) {
		return ClassPermission
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassOther
}
