package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// node is one node of a flattened decision tree. Leaves have Feature -1.
type node struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t,omitempty"`
	Left      int     `json:"l,omitempty"`
	Right     int     `json:"r,omitempty"`
	Value     float64 `json:"v"` // positive-class fraction at this node
}

// Tree is a CART classification tree grown with Gini impurity.
type Tree struct {
	Nodes []node `json:"nodes"`
}

// RandomForest averages bootstrapped trees that consider sqrt(d) random
// features per split.
type RandomForest struct {
	NEstimators     int     `json:"n_estimators"`
	MaxDepth        int     `json:"max_depth"` // 0 = unlimited
	MinSamplesSplit int     `json:"min_samples_split"`
	Seed            int64   `json:"seed"`
	Trees           []*Tree `json:"trees"`
}

// NewRandomForest creates an unfitted forest.
func NewRandomForest(nEstimators, maxDepth int, seed int64) *RandomForest {
	return &RandomForest{
		NEstimators:     nEstimators,
		MaxDepth:        maxDepth,
		MinSamplesSplit: 2,
		Seed:            seed,
	}
}

// Fit grows NEstimators trees on bootstrap samples of (X, y).
func (f *RandomForest) Fit(X [][]float64, y []int) error {
	if err := checkXY(X, y); err != nil {
		return err
	}
	if f.NEstimators < 1 {
		return fmt.Errorf("n_estimators must be positive, got %d", f.NEstimators)
	}
	minSplit := f.MinSamplesSplit
	if minSplit < 2 {
		minSplit = 2
	}

	n, d := len(X), len(X[0])
	mtry := int(math.Sqrt(float64(d)))
	if mtry < 1 {
		mtry = 1
	}

	rng := rand.New(rand.NewSource(f.Seed))
	trees := make([]*Tree, f.NEstimators)
	for t := range trees {
		sample := make([]int, n)
		for i := range sample {
			sample[i] = rng.Intn(n)
		}
		g := &grower{X: X, y: y, maxDepth: f.MaxDepth, minSplit: minSplit, mtry: mtry, rng: rng}
		g.grow(sample, 0)
		trees[t] = &Tree{Nodes: g.nodes}
	}

	f.Trees = trees
	return nil
}

// PredictProba averages the leaf positive fractions across trees.
func (f *RandomForest) PredictProba(X [][]float64) ([]float64, error) {
	if len(f.Trees) == 0 {
		return nil, errors.New("random forest is not fitted")
	}
	out := make([]float64, len(X))
	for i, row := range X {
		sum := 0.0
		for _, t := range f.Trees {
			v, err := t.predict(row)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
			sum += v
		}
		out[i] = sum / float64(len(f.Trees))
	}
	return out, nil
}

// validate checks a decoded forest. Children always follow their parent in
// a grown tree, so forward-only indices also rule out cycles.
func (f *RandomForest) validate() error {
	if len(f.Trees) == 0 {
		return errors.New("forest has no trees")
	}
	for ti, t := range f.Trees {
		if t == nil || len(t.Nodes) == 0 {
			return fmt.Errorf("tree %d is empty", ti)
		}
		for i, nd := range t.Nodes {
			if nd.Feature < 0 {
				continue
			}
			if nd.Left <= i || nd.Left >= len(t.Nodes) || nd.Right <= i || nd.Right >= len(t.Nodes) {
				return fmt.Errorf("tree %d node %d has children %d/%d outside (%d, %d)",
					ti, i, nd.Left, nd.Right, i, len(t.Nodes))
			}
		}
	}
	return nil
}

func (t *Tree) predict(row []float64) (float64, error) {
	i := 0
	for {
		nd := t.Nodes[i]
		if nd.Feature < 0 {
			return nd.Value, nil
		}
		if nd.Feature >= len(row) {
			return 0, fmt.Errorf("tree splits on feature %d but row has %d", nd.Feature, len(row))
		}
		if row[nd.Feature] <= nd.Threshold {
			i = nd.Left
		} else {
			i = nd.Right
		}
	}
}

type grower struct {
	X        [][]float64
	y        []int
	maxDepth int
	minSplit int
	mtry     int
	rng      *rand.Rand
	nodes    []node
}

// grow appends the subtree for idx and returns its node index.
func (g *grower) grow(idx []int, depth int) int {
	pos := 0
	for _, i := range idx {
		pos += g.y[i]
	}
	self := len(g.nodes)
	g.nodes = append(g.nodes, node{Feature: -1, Value: float64(pos) / float64(len(idx))})

	if pos == 0 || pos == len(idx) || len(idx) < g.minSplit || (g.maxDepth > 0 && depth >= g.maxDepth) {
		return self
	}

	feature, threshold, ok := g.bestSplit(idx, pos)
	if !ok {
		return self
	}

	var left, right []int
	for _, i := range idx {
		if g.X[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	if len(left) == 0 || len(right) == 0 {
		return self
	}

	l := g.grow(left, depth+1)
	r := g.grow(right, depth+1)
	g.nodes[self].Feature = feature
	g.nodes[self].Threshold = threshold
	g.nodes[self].Left = l
	g.nodes[self].Right = r
	return self
}

// bestSplit searches mtry random features, drawing more while none of them
// has two distinct values, and returns the split with the lowest weighted Gini.
func (g *grower) bestSplit(idx []int, pos int) (int, float64, bool) {
	d := len(g.X[0])
	n := float64(len(idx))

	bestFeature, bestThreshold := -1, 0.0
	bestImpurity := math.Inf(1)

	sorted := make([]int, len(idx))
	visited := 0
	for _, feature := range g.rng.Perm(d) {
		if visited >= g.mtry && bestFeature >= 0 {
			break
		}
		visited++

		copy(sorted, idx)
		sort.Slice(sorted, func(a, b int) bool {
			return g.X[sorted[a]][feature] < g.X[sorted[b]][feature]
		})

		leftPos := 0.0
		for k := 0; k < len(sorted)-1; k++ {
			leftPos += float64(g.y[sorted[k]])
			lo, hi := g.X[sorted[k]][feature], g.X[sorted[k+1]][feature]
			if lo == hi {
				continue
			}
			nl := float64(k + 1)
			nr := n - nl
			impurity := (nl*gini(leftPos, nl) + nr*gini(float64(pos)-leftPos, nr)) / n
			if impurity < bestImpurity {
				bestImpurity = impurity
				bestFeature = feature
				bestThreshold = lo + (hi-lo)/2
				if bestThreshold >= hi {
					bestThreshold = lo
				}
			}
		}
	}

	return bestFeature, bestThreshold, bestFeature >= 0
}

func gini(pos, n float64) float64 {
	if n == 0 {
		return 0
	}
	p := pos / n
	return 2 * p * (1 - p)
}
