package model

import "errors"

// ErrValidation marks a write rejected before it reaches the store.
var ErrValidation = errors.New("validation failed")

// Specific validation causes, always wrapped together with ErrValidation.
var (
	ErrMissingField  = errors.New("missing field")
	ErrUnknownCell   = errors.New("unknown grid cell")
	ErrSourceClass   = errors.New("unknown source class")
	ErrCapacityRange = errors.New("capacity score out of range")
	ErrAvailability  = errors.New("unknown availability state")
	ErrWeightRange   = errors.New("weight must be positive")
)
