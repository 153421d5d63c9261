package features

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/opensource-finance/credrisk/internal/domain"
)

// FeatureNames is the declared training feature order.
var FeatureNames = []string{
	"recency",
	"frequency",
	"monetary",
	"avg_amount",
	"std_amount",
	"high_recency",
	"low_frequency",
	"low_monetary",
	"risk_score",
}

// ErrNotFitted is returned when Transform is called before Fit.
var ErrNotFitted = errors.New("preprocessor is not fitted")

// smallScale mirrors the threshold below which a standard deviation is treated as zero.
const smallScale = 10 * 2.220446049250313e-16

// Row extracts the declared features of one behavioral score.
func Row(s domain.BehavioralScore) []float64 {
	return []float64{
		float64(s.Recency),
		float64(s.Frequency),
		s.Monetary,
		s.AvgAmount,
		s.StdAmount,
		float64(s.HighRecency),
		float64(s.LowFrequency),
		float64(s.LowMonetary),
		float64(s.RiskScore),
	}
}

// Matrix extracts the raw feature matrix, one row per score.
func Matrix(scores []domain.BehavioralScore) [][]float64 {
	X := make([][]float64, len(scores))
	for i, s := range scores {
		X[i] = Row(s)
	}
	return X
}

// Preprocessor imputes missing values with the column median and then
// standardizes each column. Its fitted state is JSON serializable.
type Preprocessor struct {
	Features []string  `json:"features"`
	Medians  []float64 `json:"medians,omitempty"`
	Means    []float64 `json:"means,omitempty"`
	Scales   []float64 `json:"scales,omitempty"`
}

// NewPreprocessor creates an unfitted preprocessor over the given features.
func NewPreprocessor(features []string) *Preprocessor {
	return &Preprocessor{Features: append([]string(nil), features...)}
}

// Fitted reports whether Fit has been called.
func (p *Preprocessor) Fitted() bool {
	return len(p.Means) == len(p.Features) && len(p.Features) > 0
}

// Fit learns column medians, means and scales from X.
func (p *Preprocessor) Fit(X [][]float64) error {
	if len(X) == 0 {
		return fmt.Errorf("%w: cannot fit preprocessor on an empty matrix", domain.ErrValidation)
	}
	width := len(p.Features)
	for i, row := range X {
		if len(row) != width {
			return fmt.Errorf("%w: row %d has %d columns, expected %d", domain.ErrValidation, i, len(row), width)
		}
	}

	medians := make([]float64, width)
	means := make([]float64, width)
	scales := make([]float64, width)

	col := make([]float64, 0, len(X))
	for j := 0; j < width; j++ {
		col = col[:0]
		for _, row := range X {
			if !math.IsNaN(row[j]) {
				col = append(col, row[j])
			}
		}
		if len(col) > 0 {
			sorted := append([]float64(nil), col...)
			sort.Float64s(sorted)
			medians[j] = quantile(sorted, 0.5)
		}

		col = col[:0]
		for _, row := range X {
			v := row[j]
			if math.IsNaN(v) {
				v = medians[j]
			}
			col = append(col, v)
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		if std < smallScale || math.IsNaN(std) {
			std = 1
		}
		means[j] = mean
		scales[j] = std
	}

	p.Medians, p.Means, p.Scales = medians, means, scales
	return nil
}

// TransformRow imputes and standardizes a single feature vector.
func (p *Preprocessor) TransformRow(row []float64) ([]float64, error) {
	if !p.Fitted() {
		return nil, ErrNotFitted
	}
	if len(row) != len(p.Features) {
		return nil, fmt.Errorf("%w: expected %d features, got %d", domain.ErrValidation, len(p.Features), len(row))
	}

	out := make([]float64, len(row))
	for j, v := range row {
		if math.IsNaN(v) {
			v = p.Medians[j]
		}
		out[j] = (v - p.Means[j]) / p.Scales[j]
	}
	return out, nil
}

// Transform applies TransformRow to every row of X.
func (p *Preprocessor) Transform(X [][]float64) ([][]float64, error) {
	out := make([][]float64, len(X))
	for i, row := range X {
		r, err := p.TransformRow(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = r
	}
	return out, nil
}

// FitTransform fits on X and returns the transformed matrix.
func (p *Preprocessor) FitTransform(X [][]float64) ([][]float64, error) {
	if err := p.Fit(X); err != nil {
		return nil, err
	}
	return p.Transform(X)
}
