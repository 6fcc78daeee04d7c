// Package loadgen drives a running outreachops service with synthetic
// signals and checks the priority surface it publishes.
package loadgen

import (
	"io"
	"time"
)

// Config holds configuration for a load run.
type Config struct {
	BaseURL  string        // Base URL of the service
	Signals  int           // Number of signals to submit
	Sessions int           // Distinct sessions; 0 gives every signal its own
	Hotspots int           // Cells that receive most of the load
	Workers  int           // Number of concurrent workers
	Timeout  time.Duration // HTTP request timeout
	Settle   time.Duration // Wait between submission and the snapshot read
	Top      int           // Number of cells to report
	Public   bool          // Read the masked public view
	Verbose  bool          // Log every failed request
	Out      io.Writer     // Report destination
}

// Signal is the body of POST /signals.
type Signal struct {
	SourceType string `json:"source_type"`
	Category   string `json:"category"`
	GridID     string `json:"grid_id"`
	Session    string `json:"session"`
}

// Stats holds run statistics.
type Stats struct {
	Generated   int
	Submitted   int
	Created     int
	RateLimited int
	Failed      int
	Publishable int
	Anomalous   int
	StartTime   time.Time
	EndTime     time.Time
	Duration    time.Duration
}
