package trigger

import "errors"

// Sentinel errors.
var (
	ErrUnknownTrigger  = errors.New("unknown trigger")
	ErrRecomputeFailed = errors.New("recompute failed")
	ErrInvalidSchedule = errors.New("invalid schedule")
)
