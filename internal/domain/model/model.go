// Package model contains domain records passed between layers.
package model

import (
	"strings"
	"time"
)

// SourceClass is who reported a signal.
type SourceClass string

// Source classes as stored.
const (
	SourceOrg      SourceClass = "org"
	SourceProvider SourceClass = "provider"
	SourcePublic   SourceClass = "public"
)

// ParseSourceClass normalizes wire input. "organization" is accepted for org.
func ParseSourceClass(s string) (SourceClass, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "org", "organization":
		return SourceOrg, true
	case "provider":
		return SourceProvider, true
	case "public":
		return SourcePublic, true
	}
	return SourceClass(s), false
}

// Status is the signal lifecycle state.
type Status string

// Signal statuses. Anything other than open is closed for backlog purposes.
const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Availability is the state of a resource.
type Availability string

// Resource availability states.
const (
	Available Availability = "available"
	Limited   Availability = "limited"
	Closed    Availability = "closed"
)

// Valid reports whether a is a known availability state.
func (a Availability) Valid() bool {
	return a == Available || a == Limited || a == Closed
}

// Capacity score bounds of a resource.
const (
	MinCapacityScore = 0.0
	MaxCapacityScore = 5.0
)

// Band is the priority band of a grid cell.
type Band string

// Priority bands.
const (
	BandHigh             Band = "High"
	BandMid              Band = "Mid"
	BandLow              Band = "Low"
	BandDataInsufficient Band = "DataInsufficient"
)

// Signal is an anonymous need report bucketed to a grid cell.
type Signal struct {
	ID         string      `json:"id"`
	CreatedAt  time.Time   `json:"created_at"`
	SourceType SourceClass `json:"source_type"`
	Category   string      `json:"category"`
	GridID     string      `json:"grid_id"`
	Status     Status      `json:"status"`
	Weight     *float64    `json:"weight,omitempty"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

// IsOpen reports whether the signal counts toward backlog.
func (s Signal) IsOpen() bool { return s.Status == StatusOpen }

// ExpiryFor returns the only valid expiry of a signal created at createdAt.
func ExpiryFor(createdAt time.Time, window time.Duration) time.Time {
	return createdAt.Add(window)
}

// Resource is a capacity report of a facility or outreach team.
type Resource struct {
	ID            string       `json:"id"`
	ResourceType  string       `json:"resource_type"`
	Availability  Availability `json:"availability_state"`
	CapacityScore float64      `json:"capacity_score"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutreachLog is an append-only record of an outreach action.
type OutreachLog struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	GridID    string    `json:"grid_id"`
	Action    string    `json:"action"`
	Outcome   string    `json:"outcome"`
}

// Aggregate is the derived per-cell record (GridCellAggregate).
// It is rebuilt from signals and resources on every recompute.
type Aggregate struct {
	CellID           string    `json:"cell_id"`
	Demand           float64   `json:"demand"`
	DistinctCount    int       `json:"distinct_count"`
	Anomaly          bool      `json:"anomaly"`
	DataInsufficient bool      `json:"data_insufficient"`
	CapacityScore    float64   `json:"capacity_score"`
	Priority         float64   `json:"priority"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// MetricsSummary is the singleton response metrics record.
type MetricsSummary struct {
	Backlog            int       `json:"backlog"`
	AvgResponseMinutes int       `json:"avg_response_minutes"`
	UpdatedAt          time.Time `json:"updated_at"`
}
