package scoring

import (
	"math"
	"time"

	"github.com/okian/outreachops/internal/domain/model"
)

// ComputeMetrics derives backlog and average response time.
//
// An open signal is in the backlog when its cell has no log at or after the
// signal's creation. Average response uses the earliest log of each cell;
// signals created after that log are excluded, never negated.
func ComputeMetrics(signals []model.Signal, logs []model.OutreachLog, now time.Time) model.MetricsSummary {
	first := make(map[string]time.Time, len(logs))
	last := make(map[string]time.Time, len(logs))
	for _, l := range logs {
		if f, ok := first[l.GridID]; !ok || l.CreatedAt.Before(f) {
			first[l.GridID] = l.CreatedAt
		}
		if t, ok := last[l.GridID]; !ok || l.CreatedAt.After(t) {
			last[l.GridID] = l.CreatedAt
		}
	}

	backlog := 0
	totalMinutes := 0.0
	responded := 0
	for _, s := range signals {
		if !s.IsOpen() {
			continue
		}
		if t, ok := last[s.GridID]; !ok || t.Before(s.CreatedAt) {
			backlog++
		}
		if f, ok := first[s.GridID]; ok && !f.Before(s.CreatedAt) {
			totalMinutes += f.Sub(s.CreatedAt).Minutes()
			responded++
		}
	}

	avg := 0
	if responded > 0 {
		avg = int(math.Round(totalMinutes / float64(responded)))
	}
	return model.MetricsSummary{Backlog: backlog, AvgResponseMinutes: avg, UpdatedAt: now}
}
