// Package scoring holds the pure functions that turn signals and resources
// into per-cell demand, priority and bands. The server pipeline and the
// client mirror both call into this package so their output is identical.
package scoring

import (
	"time"

	"github.com/okian/outreachops/internal/domain/model"
)

// Default scoring configuration constants.
const (
	DefaultWindow           = 7 * 24 * time.Hour
	DefaultMinSignals       = 10
	DefaultEpsilon          = 0.1
	DefaultAnomalyThreshold = 9
	AnomalyLookback         = time.Hour

	// DecayFloor is the weight a signal keeps once its age reaches the window.
	DecayFloor = 0.2

	// AnomalyFactor scales the demand of a bursting cell.
	AnomalyFactor = 0.5

	// EmptyCapacityScore stands in for the mean when no resources exist.
	EmptyCapacityScore = 1.0
)

// DefaultSourceWeights weighs a signal by who reported it.
var DefaultSourceWeights = map[model.SourceClass]float64{
	model.SourceOrg:      1.0,
	model.SourceProvider: 0.7,
	model.SourcePublic:   0.2,
}

// Option applies a configuration option to the Scorer.
type Option func(*Scorer)

// WithWindow sets the active signal window.
func WithWindow(window time.Duration) Option {
	return func(s *Scorer) {
		if window > 0 {
			s.window = window
		}
	}
}

// WithMinSignals sets k, the confidence threshold on distinct signals.
func WithMinSignals(k int) Option {
	return func(s *Scorer) {
		if k >= 0 {
			s.minSignals = k
		}
	}
}

// WithEpsilon sets the priority denominator offset.
func WithEpsilon(eps float64) Option {
	return func(s *Scorer) {
		if eps > 0 {
			s.epsilon = eps
		}
	}
}

// WithAnomalyThreshold sets the trailing-hour count that flags a burst.
func WithAnomalyThreshold(n int) Option {
	return func(s *Scorer) {
		if n > 0 {
			s.anomalyThreshold = n
		}
	}
}

// WithSourceWeights overrides source class weights. Non-positive weights are ignored.
func WithSourceWeights(weights map[model.SourceClass]float64) Option {
	return func(s *Scorer) {
		// copy so callers cannot mutate the scorer
		s.weights = make(map[model.SourceClass]float64, len(DefaultSourceWeights))
		for class, w := range DefaultSourceWeights {
			s.weights[class] = w
		}
		for class, w := range weights {
			if w > 0 {
				s.weights[class] = w
			}
		}
	}
}

// Scorer carries the tunables of the scoring functions. It holds no mutable
// state and is safe for concurrent use.
type Scorer struct {
	window           time.Duration
	minSignals       int
	epsilon          float64
	anomalyThreshold int
	weights          map[model.SourceClass]float64
}

// New creates a Scorer with the documented defaults.
func New(opts ...Option) *Scorer {
	s := &Scorer{
		window:           DefaultWindow,
		minSignals:       DefaultMinSignals,
		epsilon:          DefaultEpsilon,
		anomalyThreshold: DefaultAnomalyThreshold,
		weights:          DefaultSourceWeights,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Window returns the active signal window.
func (s *Scorer) Window() time.Duration { return s.window }

// MinSignals returns k.
func (s *Scorer) MinSignals() int { return s.minSignals }

// WindowStart is the earliest creation time still inside the window at now.
func (s *Scorer) WindowStart(now time.Time) time.Time { return now.Add(-s.window) }

// SourceWeight looks up the weight of a source class. Unknown classes weigh as public.
func (s *Scorer) SourceWeight(class model.SourceClass) float64 {
	if c, ok := model.ParseSourceClass(string(class)); ok {
		class = c
	}
	if w, ok := s.weights[class]; ok {
		return w
	}
	return s.weights[model.SourcePublic]
}

// SignalWeight is the explicit override if present, else the source weight.
func (s *Scorer) SignalWeight(sig model.Signal) float64 {
	if sig.Weight != nil {
		return *sig.Weight
	}
	return s.SourceWeight(sig.SourceType)
}

// Demand sums the decayed weights of cellSignals and reports whether the
// cell is bursting. A bursting cell's demand is halved. The result is rounded.
func (s *Scorer) Demand(cellSignals []model.Signal, now time.Time) (float64, bool) {
	since := now.Add(-AnomalyLookback)
	sum := 0.0
	recent := 0
	for _, sig := range cellSignals {
		sum += s.SignalWeight(sig) * TimeDecay(sig.CreatedAt, now, s.window)
		if !sig.CreatedAt.Before(since) {
			recent++
		}
	}
	anomalous := Anomaly(recent, s.anomalyThreshold)
	if anomalous {
		sum *= AnomalyFactor
	}
	return Round2(sum), anomalous
}

// Priority applies the configured epsilon.
func (s *Scorer) Priority(demand, capacity float64) float64 {
	return Priority(demand, capacity, s.epsilon)
}

// ComputeCell derives the aggregate of one cell from the signals and
// resources visible at now. Signals of other cells and signals created
// before the window are ignored, so callers may pass a superset.
func (s *Scorer) ComputeCell(cellID string, signals []model.Signal, resources []model.Resource, now time.Time) model.Aggregate {
	start := s.WindowStart(now)
	inCell := make([]model.Signal, 0, len(signals))
	distinct := make(map[string]struct{}, len(signals))
	for _, sig := range signals {
		if sig.GridID != cellID || sig.CreatedAt.Before(start) {
			continue
		}
		inCell = append(inCell, sig)
		distinct[sig.ID] = struct{}{}
	}

	demand, anomalous := s.Demand(inCell, now)
	capacity := CapacityScore(resources)
	return model.Aggregate{
		CellID:           cellID,
		Demand:           demand,
		DistinctCount:    len(distinct),
		Anomaly:          anomalous,
		DataInsufficient: DataInsufficient(len(distinct), s.minSignals),
		CapacityScore:    capacity,
		Priority:         s.Priority(demand, capacity),
		UpdatedAt:        now,
	}
}

// ComputeAll derives the aggregate of every cell in cellIDs in one pass.
func (s *Scorer) ComputeAll(cellIDs []string, signals []model.Signal, resources []model.Resource, now time.Time) []model.Aggregate {
	byCell := make(map[string][]model.Signal, len(cellIDs))
	for _, sig := range signals {
		byCell[sig.GridID] = append(byCell[sig.GridID], sig)
	}
	out := make([]model.Aggregate, len(cellIDs))
	for i, id := range cellIDs {
		out[i] = s.ComputeCell(id, byCell[id], resources, now)
	}
	return out
}

// AnomalyThreshold returns the hourly burst threshold.
func (s *Scorer) AnomalyThreshold() int { return s.anomalyThreshold }

// Overlay adds not-yet-aggregated signals of one cell on top of a stored
// aggregate and re-derives every dependent field with capacity. Pending
// signals outside the window are ignored. A burst among the pending signals
// halves the whole cell's demand.
func (s *Scorer) Overlay(base model.Aggregate, pending []model.Signal, capacity float64, now time.Time) model.Aggregate {
	start := s.WindowStart(now)
	since := now.Add(-AnomalyLookback)
	demand := base.Demand
	distinct := base.DistinctCount
	recent := 0
	for _, sig := range pending {
		if sig.GridID != base.CellID || sig.CreatedAt.Before(start) {
			continue
		}
		demand += s.SignalWeight(sig) * TimeDecay(sig.CreatedAt, now, s.window)
		distinct++
		if !sig.CreatedAt.Before(since) {
			recent++
		}
	}
	burst := Anomaly(recent, s.anomalyThreshold)
	if burst {
		demand *= AnomalyFactor
	}
	demand = Round2(demand)
	out := model.Aggregate{
		CellID:           base.CellID,
		Demand:           demand,
		DistinctCount:    distinct,
		Anomaly:          base.Anomaly || burst,
		DataInsufficient: DataInsufficient(distinct, s.minSignals),
		CapacityScore:    capacity,
		Priority:         s.Priority(demand, capacity),
		UpdatedAt:        base.UpdatedAt,
	}
	if out.UpdatedAt.IsZero() {
		out.UpdatedAt = now
	}
	return out
}
