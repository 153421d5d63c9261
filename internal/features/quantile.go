package features

import (
	"math"
	"sort"
)

// quantileLevels are the edges of five equal-frequency bins.
var quantileLevels = []float64{0, 0.2, 0.4, 0.6, 0.8, 1}

// quantile returns the linearly interpolated q-quantile of sorted
// (Hyndman-Fan type 7, the numpy and pandas default).
func quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 {
		return sorted[0]
	}
	h := q * float64(n-1)
	lo := int(math.Floor(h))
	if lo >= n-1 {
		return sorted[n-1]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[lo+1]-sorted[lo])
}

// Quantile returns the type-7 q-quantile of values without modifying them.
func Quantile(values []float64, q float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return quantile(sorted, q)
}

// binEdges returns the distinct quintile edges of values.
func binEdges(values []float64) []float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	edges := make([]float64, 0, len(quantileLevels))
	for _, q := range quantileLevels {
		e := quantile(sorted, q)
		if len(edges) > 0 && e == edges[len(edges)-1] {
			continue
		}
		edges = append(edges, e)
	}
	return edges
}

// qcut assigns each value a label from up to five quantile bins.
// Bins are right-closed and the first one includes its lower edge.
// When duplicate edges collapse bins, labels are taken from the front of
// the list; a single distinct value gets labels[0].
func qcut(values []float64, labels []int) []int {
	out := make([]int, len(values))
	if len(values) == 0 {
		return out
	}

	edges := binEdges(values)
	bins := len(edges) - 1
	if bins < 1 {
		for i := range out {
			out[i] = labels[0]
		}
		return out
	}
	if bins > len(labels) {
		bins = len(labels)
	}

	upper := edges[1:]
	for i, v := range values {
		b := sort.SearchFloat64s(upper, v)
		if b >= bins {
			b = bins - 1
		}
		out[i] = labels[b]
	}
	return out
}

// rankFirst ranks values 1..n ascending, breaking ties by position.
func rankFirst(values []float64) []float64 {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return values[idx[a]] < values[idx[b]]
	})

	ranks := make([]float64, len(values))
	for r, i := range idx {
		ranks[i] = float64(r + 1)
	}
	return ranks
}
