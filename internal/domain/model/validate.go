package model

import (
	"fmt"
	"math"
)

// CellSet answers whether a grid cell identifier exists.
type CellSet interface {
	Contains(cellID string) bool
}

func invalid(cause error, format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrValidation, cause, fmt.Sprintf(format, args...))
}

// Validate checks a signal before it is written.
func (s Signal) Validate(cells CellSet) error {
	if s.GridID == "" {
		return invalid(ErrMissingField, "grid_id")
	}
	if cells != nil && !cells.Contains(s.GridID) {
		return invalid(ErrUnknownCell, "%q", s.GridID)
	}
	if s.Category == "" {
		return invalid(ErrMissingField, "category")
	}
	if _, ok := ParseSourceClass(string(s.SourceType)); !ok {
		return invalid(ErrSourceClass, "%q", s.SourceType)
	}
	if s.Weight != nil && (*s.Weight <= 0 || math.IsNaN(*s.Weight) || math.IsInf(*s.Weight, 0)) {
		return invalid(ErrWeightRange, "%v", *s.Weight)
	}
	return nil
}

// Validate checks a resource before it is upserted.
func (r Resource) Validate() error {
	if r.ID == "" {
		return invalid(ErrMissingField, "id")
	}
	if r.ResourceType == "" {
		return invalid(ErrMissingField, "resource_type")
	}
	if !r.Availability.Valid() {
		return invalid(ErrAvailability, "%q", r.Availability)
	}
	if math.IsNaN(r.CapacityScore) || r.CapacityScore < MinCapacityScore || r.CapacityScore > MaxCapacityScore {
		return invalid(ErrCapacityRange, "%v not in [%v,%v]", r.CapacityScore, MinCapacityScore, MaxCapacityScore)
	}
	return nil
}

// Validate checks an outreach log before it is appended.
func (l OutreachLog) Validate(cells CellSet) error {
	if l.GridID == "" {
		return invalid(ErrMissingField, "grid_id")
	}
	if cells != nil && !cells.Contains(l.GridID) {
		return invalid(ErrUnknownCell, "%q", l.GridID)
	}
	if l.Action == "" {
		return invalid(ErrMissingField, "action")
	}
	return nil
}
