package mirror

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/okian/outreachops/internal/domain/model"
)

//go:embed seed.yaml
var seedYAML []byte

type seedResource struct {
	ID            string  `yaml:"id"`
	ResourceType  string  `yaml:"resource_type"`
	Availability  string  `yaml:"availability_state"`
	CapacityScore float64 `yaml:"capacity_score"`
}

type seedAggregate struct {
	CellID           string  `yaml:"cell_id"`
	Demand           float64 `yaml:"demand"`
	DistinctCount    int     `yaml:"distinct_count"`
	Anomaly          bool    `yaml:"anomaly"`
	DataInsufficient bool    `yaml:"data_insufficient"`
	CapacityScore    float64 `yaml:"capacity_score"`
	Priority         float64 `yaml:"priority"`
}

type seedMetrics struct {
	Backlog            int `yaml:"backlog"`
	AvgResponseMinutes int `yaml:"avg_response_minutes"`
}

type seedDocument struct {
	Resources  []seedResource  `yaml:"resources"`
	Aggregates []seedAggregate `yaml:"aggregates"`
	Metrics    seedMetrics     `yaml:"metrics"`
}

// Seed is the fixed dataset served in degraded mode.
type Seed struct {
	Resources  []model.Resource
	Aggregates []model.Aggregate
	Metrics    model.MetricsSummary
}

// ParseSeed decodes a seed document.
func ParseSeed(b []byte) (Seed, error) {
	var doc seedDocument
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return Seed{}, fmt.Errorf("%w: %w", ErrSeed, err)
	}
	s := Seed{
		Resources:  make([]model.Resource, 0, len(doc.Resources)),
		Aggregates: make([]model.Aggregate, 0, len(doc.Aggregates)),
		Metrics: model.MetricsSummary{
			Backlog:            doc.Metrics.Backlog,
			AvgResponseMinutes: doc.Metrics.AvgResponseMinutes,
		},
	}
	for _, r := range doc.Resources {
		res := model.Resource{
			ID:            r.ID,
			ResourceType:  r.ResourceType,
			Availability:  model.Availability(r.Availability),
			CapacityScore: r.CapacityScore,
		}
		if err := res.Validate(); err != nil {
			return Seed{}, fmt.Errorf("%w: resource %s: %w", ErrSeed, r.ID, err)
		}
		s.Resources = append(s.Resources, res)
	}
	for _, a := range doc.Aggregates {
		if a.CellID == "" {
			return Seed{}, fmt.Errorf("%w: aggregate without cell_id", ErrSeed)
		}
		s.Aggregates = append(s.Aggregates, model.Aggregate{
			CellID:           a.CellID,
			Demand:           a.Demand,
			DistinctCount:    a.DistinctCount,
			Anomaly:          a.Anomaly,
			DataInsufficient: a.DataInsufficient,
			CapacityScore:    a.CapacityScore,
			Priority:         a.Priority,
		})
	}
	return s, nil
}

// DefaultSeed returns a fresh copy of the embedded seed.
func DefaultSeed() Seed {
	s, err := ParseSeed(seedYAML)
	if err != nil {
		panic(err)
	}
	return s
}

// clone returns a copy that shares no slices with s.
func (s Seed) clone() Seed {
	return Seed{
		Resources:  append([]model.Resource(nil), s.Resources...),
		Aggregates: append([]model.Aggregate(nil), s.Aggregates...),
		Metrics:    s.Metrics,
	}
}
