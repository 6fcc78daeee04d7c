package scoring

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/okian/outreachops/internal/domain/model"
)

// TimeDecay is 1.0 at creation and falls linearly to DecayFloor once the age
// reaches window. Records from the future weigh 1.0.
func TimeDecay(createdAt, now time.Time, window time.Duration) float64 {
	age := now.Sub(createdAt)
	if age <= 0 || window <= 0 {
		return 1
	}
	w := 1 - float64(age)/float64(window)
	return math.Min(1, math.Max(DecayFloor, w))
}

// Anomaly is true when recentCount reaches threshold.
func Anomaly(recentCount, threshold int) bool {
	return recentCount >= threshold
}

// CapacityScore is the rounded mean of every resource capacity score, or
// EmptyCapacityScore when there are none.
func CapacityScore(resources []model.Resource) float64 {
	if len(resources) == 0 {
		return EmptyCapacityScore
	}
	sum := 0.0
	for _, r := range resources {
		sum += r.CapacityScore
	}
	return Round2(sum / float64(len(resources)))
}

// Priority is demand / (capacity + epsilon), rounded.
func Priority(demand, capacity, epsilon float64) float64 {
	return Round2(demand / (capacity + epsilon))
}

// DataInsufficient is true when a cell has fewer than k distinct signals.
func DataInsufficient(distinctCount, k int) bool {
	return distinctCount < k
}

// Round2 rounds half away from zero to two decimal places.
func Round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}
