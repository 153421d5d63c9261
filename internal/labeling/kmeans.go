// Package labeling derives the binary proxy risk label for each customer.
package labeling

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/opensource-finance/credrisk/internal/domain"
)

// KMeans is Lloyd's algorithm with k-means++ seeding and multiple restarts.
type KMeans struct {
	K       int
	NInit   int
	MaxIter int
	Tol     float64
	Seed    int64
}

// KMeansResult is the best clustering found across restarts.
// Clusters that end up empty are removed and the rest renumbered 0..K-1.
type KMeansResult struct {
	K       int
	Labels  []int
	Centers [][]float64
	Inertia float64
}

// NewKMeans returns a KMeans with the usual defaults for the given k and seed.
func NewKMeans(k int, seed int64) *KMeans {
	return &KMeans{K: k, NInit: 10, MaxIter: 300, Tol: 1e-4, Seed: seed}
}

// Fit clusters the rows of X. If X has fewer distinct rows than K, K is
// reduced to the number of distinct rows.
func (km *KMeans) Fit(X [][]float64) (*KMeansResult, error) {
	if len(X) == 0 {
		return nil, fmt.Errorf("%w: no points to cluster", domain.ErrInsufficientData)
	}

	k := km.K
	if d := distinctRows(X); d < k {
		k = d
	}
	if k < 1 {
		return nil, fmt.Errorf("%w: k must be positive", domain.ErrValidation)
	}

	nInit := km.NInit
	if nInit < 1 {
		nInit = 1
	}
	maxIter := km.MaxIter
	if maxIter < 1 {
		maxIter = 300
	}
	tol := km.Tol * meanVariance(X)

	rng := rand.New(rand.NewSource(km.Seed))

	var best *KMeansResult
	for run := 0; run < nInit; run++ {
		centers := seedPlusPlus(X, k, rng)
		labels, inertia := lloyd(X, centers, maxIter, tol)
		if best == nil || inertia < best.Inertia {
			best = &KMeansResult{K: k, Labels: labels, Centers: centers, Inertia: inertia}
		}
	}

	return dropEmpty(best), nil
}

// seedPlusPlus picks k initial centers with greedy k-means++.
func seedPlusPlus(X [][]float64, k int, rng *rand.Rand) [][]float64 {
	n := len(X)
	trials := 2 + int(math.Log(float64(k)))

	centers := make([][]float64, 0, k)
	centers = append(centers, clone(X[rng.Intn(n)]))

	closest := make([]float64, n)
	for i, x := range X {
		closest[i] = sqDist(x, centers[0])
	}

	for len(centers) < k {
		pot := floats.Sum(closest)

		bestCand := -1
		bestPot := math.Inf(1)
		var bestClosest []float64
		for t := 0; t < trials; t++ {
			cand := sampleWeighted(closest, pot, rng)
			next := make([]float64, n)
			for i, x := range X {
				next[i] = math.Min(closest[i], sqDist(x, X[cand]))
			}
			if p := floats.Sum(next); p < bestPot {
				bestCand, bestPot, bestClosest = cand, p, next
			}
		}

		centers = append(centers, clone(X[bestCand]))
		closest = bestClosest
	}
	return centers
}

func sampleWeighted(weights []float64, total float64, rng *rand.Rand) int {
	if total <= 0 {
		return rng.Intn(len(weights))
	}
	r := rng.Float64() * total
	acc := 0.0
	for i, w := range weights {
		acc += w
		if r < acc {
			return i
		}
	}
	// rounding: fall back to the last point with weight
	for i := len(weights) - 1; i >= 0; i-- {
		if weights[i] > 0 {
			return i
		}
	}
	return len(weights) - 1
}

// lloyd refines centers in place and returns the final assignment and inertia.
func lloyd(X [][]float64, centers [][]float64, maxIter int, tol float64) ([]int, float64) {
	n, k, dim := len(X), len(centers), len(X[0])
	labels := make([]int, n)

	for iter := 0; iter < maxIter; iter++ {
		assign(X, centers, labels)

		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, x := range X {
			floats.Add(sums[labels[i]], x)
			counts[labels[i]]++
		}

		shift := 0.0
		for c := range centers {
			if counts[c] == 0 {
				continue
			}
			floats.Scale(1/float64(counts[c]), sums[c])
			shift += sqDist(centers[c], sums[c])
			centers[c] = sums[c]
		}
		if shift <= tol {
			break
		}
	}

	inertia := assign(X, centers, labels)
	return labels, inertia
}

// assign labels each point with its nearest center, lowest index on ties.
func assign(X [][]float64, centers [][]float64, labels []int) float64 {
	inertia := 0.0
	for i, x := range X {
		best, bestD := 0, math.Inf(1)
		for c, center := range centers {
			if d := sqDist(x, center); d < bestD {
				best, bestD = c, d
			}
		}
		labels[i] = best
		inertia += bestD
	}
	return inertia
}

func dropEmpty(r *KMeansResult) *KMeansResult {
	counts := make([]int, r.K)
	for _, l := range r.Labels {
		counts[l]++
	}

	remap := make([]int, r.K)
	centers := make([][]float64, 0, r.K)
	for c, n := range counts {
		remap[c] = len(centers)
		if n > 0 {
			centers = append(centers, r.Centers[c])
		}
	}
	if len(centers) == r.K {
		return r
	}

	labels := make([]int, len(r.Labels))
	for i, l := range r.Labels {
		labels[i] = remap[l]
	}
	return &KMeansResult{K: len(centers), Labels: labels, Centers: centers, Inertia: r.Inertia}
}

func meanVariance(X [][]float64) float64 {
	dim := len(X[0])
	col := make([]float64, len(X))
	total := 0.0
	for j := 0; j < dim; j++ {
		for i, x := range X {
			col[i] = x[j]
		}
		_, std := stat.PopMeanStdDev(col, nil)
		total += std * std
	}
	return total / float64(dim)
}

func distinctRows(X [][]float64) int {
	seen := make(map[string]struct{}, len(X))
	var b strings.Builder
	for _, x := range X {
		b.Reset()
		for _, v := range x {
			b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
			b.WriteByte(',')
		}
		seen[b.String()] = struct{}{}
	}
	return len(seen)
}

func sqDist(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return d * d
}

func clone(x []float64) []float64 {
	return append([]float64(nil), x...)
}
