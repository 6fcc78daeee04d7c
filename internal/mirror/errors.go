package mirror

import (
	"errors"
	"fmt"

	"github.com/okian/outreachops/internal/adapters/repository"
)

// Sentinel errors.
var (
	ErrSeed       = errors.New("invalid seed")
	ErrStarted    = errors.New("mirror already started")
	ErrNotStarted = errors.New("mirror not started")
	ErrNoSession  = errors.New("mirror has no session")
	ErrDegraded   = fmt.Errorf("mirror still degraded: %w", repository.ErrUnavailable)
)
