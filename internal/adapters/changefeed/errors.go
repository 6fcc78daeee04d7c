package changefeed

import "errors"

// Sentinel errors.
var (
	ErrClosed = errors.New("change feed closed")
	ErrDecode = errors.New("malformed change")
)
