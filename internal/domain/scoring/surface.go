package scoring

import (
	"sort"

	"github.com/okian/outreachops/internal/domain/model"
)

// Band quantiles.
const (
	MidQuantile  = 0.3
	HighQuantile = 0.7
)

// QuantileCut returns the nearest-rank cut of an ascending slice at q,
// index floor((n-1)*q). It is 0 for an empty slice.
func QuantileCut(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * q)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Cuts holds the band boundaries of one recompute pass.
type Cuts struct {
	Mid  float64 `json:"mid"`
	High float64 `json:"high"`
}

// BandCuts computes the cuts over the demand of every publishable aggregate.
func BandCuts(aggs []model.Aggregate) Cuts {
	demands := make([]float64, 0, len(aggs))
	for _, a := range aggs {
		if !a.DataInsufficient {
			demands = append(demands, a.Demand)
		}
	}
	sort.Float64s(demands)
	return Cuts{Mid: QuantileCut(demands, MidQuantile), High: QuantileCut(demands, HighQuantile)}
}

// BandOf places an aggregate. Data insufficiency wins over any demand value.
func BandOf(a model.Aggregate, cuts Cuts) model.Band {
	switch {
	case a.DataInsufficient:
		return model.BandDataInsufficient
	case a.Demand < cuts.Mid:
		return model.BandLow
	case a.Demand < cuts.High:
		return model.BandMid
	default:
		return model.BandHigh
	}
}

// CellView is an aggregate with its materialised band and rank.
type CellView struct {
	model.Aggregate
	Band model.Band `json:"band"`
	Rank int        `json:"rank"`
}

// Surface is the ranked priority surface of one recompute pass.
type Surface struct {
	Cells []CellView `json:"cells"`
	Cuts  Cuts       `json:"cuts"`
}

// BuildSurface bands and ranks aggregates. Publishable cells come first by
// priority descending; data insufficient cells follow. Ties break on cell id.
func BuildSurface(aggs []model.Aggregate) Surface {
	cuts := BandCuts(aggs)
	cells := make([]CellView, len(aggs))
	for i, a := range aggs {
		cells[i] = CellView{Aggregate: a, Band: BandOf(a, cuts)}
	}
	sort.SliceStable(cells, func(i, j int) bool {
		a, b := cells[i], cells[j]
		if a.DataInsufficient != b.DataInsufficient {
			return !a.DataInsufficient
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.CellID < b.CellID
	})
	for i := range cells {
		cells[i].Rank = i + 1
	}
	return Surface{Cells: cells, Cuts: cuts}
}

// Cell returns the view of one cell.
func (s Surface) Cell(id string) (CellView, bool) {
	for _, c := range s.Cells {
		if c.CellID == id {
			return c, true
		}
	}
	return CellView{}, false
}

// Counts returns how many cells are anomalous and how many are data insufficient.
func (s Surface) Counts() (anomalous, insufficient int) {
	for _, c := range s.Cells {
		if c.Anomaly {
			anomalous++
		}
		if c.DataInsufficient {
			insufficient++
		}
	}
	return anomalous, insufficient
}

// Masked returns a copy safe for untrusted consumers: data insufficient
// cells lose their demand, priority and anomaly flag.
func (s Surface) Masked() Surface {
	out := Surface{Cells: make([]CellView, len(s.Cells)), Cuts: s.Cuts}
	for i, c := range s.Cells {
		if c.DataInsufficient {
			c.Demand = 0
			c.Priority = 0
			c.Anomaly = false
		}
		out.Cells[i] = c
	}
	return out
}
