// Package model provides the candidate classifier families and the artifact
// format used to log, register and serve them.
package model

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/opensource-finance/credrisk/internal/domain"
)

// Classifier is a binary classifier producing positive-class probabilities.
type Classifier interface {
	Fit(X [][]float64, y []int) error
	PredictProba(X [][]float64) ([]float64, error)
}

// Params is one hyperparameter combination.
type Params map[string]float64

// unbounded lists parameters where 0 means "no limit".
var unbounded = map[string]bool{"max_depth": true}

// Strings formats params for tracking.
func (p Params) Strings() map[string]string {
	out := make(map[string]string, len(p))
	for k, v := range p {
		if v == 0 && unbounded[k] {
			out[k] = "None"
			continue
		}
		out[k] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return out
}

// Int returns p[name] as an int.
func (p Params) Int(name string) int {
	return int(p[name])
}

// ParamSpace is a discrete set of values for one hyperparameter.
type ParamSpace struct {
	Name   string
	Values []float64
}

// Grid is a full-factorial hyperparameter grid.
type Grid []ParamSpace

// Combinations enumerates the grid with parameter names in sorted order and
// the last name varying fastest.
func (g Grid) Combinations() []Params {
	spaces := append(Grid(nil), g...)
	sort.SliceStable(spaces, func(i, j int) bool { return spaces[i].Name < spaces[j].Name })

	combos := []Params{{}}
	for _, s := range spaces {
		next := make([]Params, 0, len(combos)*len(s.Values))
		for _, c := range combos {
			for _, v := range s.Values {
				p := make(Params, len(c)+1)
				for k, cv := range c {
					p[k] = cv
				}
				p[s.Name] = v
				next = append(next, p)
			}
		}
		combos = next
	}
	return combos
}

// Family is a named model type with its search grid.
type Family struct {
	Name string
	Grid Grid
	New  func(p Params) Classifier
}

// Family names.
const (
	FamilyLogisticRegression = "LogisticRegression"
	FamilyRandomForest       = "RandomForest"
)

// DefaultFamilies returns the candidate families in declaration order.
func DefaultFamilies(seed int64) []Family {
	return []Family{
		{
			Name: FamilyLogisticRegression,
			Grid: Grid{{Name: "C", Values: []float64{0.1, 1, 10}}},
			New: func(p Params) Classifier {
				return NewLogisticRegression(p["C"], 1000)
			},
		},
		{
			Name: FamilyRandomForest,
			Grid: Grid{
				{Name: "n_estimators", Values: []float64{50, 100}},
				{Name: "max_depth", Values: []float64{3, 5, 0}},
			},
			New: func(p Params) Classifier {
				return NewRandomForest(p.Int("n_estimators"), p.Int("max_depth"), seed)
			},
		},
	}
}

// blank returns an empty estimator of the named family for decoding.
func blank(family string) (Classifier, error) {
	switch family {
	case FamilyLogisticRegression:
		return &LogisticRegression{}, nil
	case FamilyRandomForest:
		return &RandomForest{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown model family %q", domain.ErrValidation, family)
	}
}

func checkXY(X [][]float64, y []int) error {
	if len(X) == 0 {
		return fmt.Errorf("%w: empty training set", domain.ErrInsufficientData)
	}
	if len(X) != len(y) {
		return fmt.Errorf("%w: %d rows but %d labels", domain.ErrValidation, len(X), len(y))
	}
	width := len(X[0])
	for i, row := range X {
		if len(row) != width {
			return fmt.Errorf("%w: row %d has %d columns, expected %d", domain.ErrValidation, i, len(row), width)
		}
	}
	for i, v := range y {
		if v != 0 && v != 1 {
			return fmt.Errorf("%w: label %d at row %d is not binary", domain.ErrValidation, v, i)
		}
	}
	return nil
}
