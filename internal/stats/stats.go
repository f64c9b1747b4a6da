// Package stats holds the small statistics kernel used by indicator scoring.
package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Z computes a trailing-window z-score over the last window values.
//
// Requires at least 3 values inside the window. The standard deviation uses
// the n-1 divisor. When sigma falls below max(1e-6, 1e-3*|mean|) the series is
// degenerate and the z-score is undefined; ok is false in that case.
func Z(values []float64, window int) (z float64, ok bool) {
	if len(values) == 0 {
		return 0, false
	}
	if window > 0 && len(values) > window {
		values = values[len(values)-window:]
	}
	if len(values) < 3 {
		return 0, false
	}

	mean := stat.Mean(values, nil)
	sigma := stat.StdDev(values, nil)
	if sigma < math.Max(1e-6, 1e-3*math.Abs(mean)) {
		return 0, false
	}

	last := values[len(values)-1]
	return (last - mean) / sigma, true
}

// PercentileNearestRank returns the nearest-rank percentile of values.
// pct is a fraction in (0, 1]. Returns NaN for an empty slice.
func PercentileNearestRank(values []float64, pct float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	k := int(math.Ceil(pct*float64(len(sorted)))) - 1
	if k < 0 {
		k = 0
	}
	if k > len(sorted)-1 {
		k = len(sorted) - 1
	}
	return sorted[k]
}
