package aggregation

import "errors"

// ErrUnknownCell is returned when a recompute names a cell outside the catalog.
var ErrUnknownCell = errors.New("unknown cell")
