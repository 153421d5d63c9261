package model

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// LogisticRegression is L2-regularized binary logistic regression fitted with
// L-BFGS. C is the inverse regularization strength; the intercept is not
// penalized.
type LogisticRegression struct {
	C         float64   `json:"C"`
	MaxIter   int       `json:"max_iter"`
	Weights   []float64 `json:"weights"`
	Intercept float64   `json:"intercept"`
}

// NewLogisticRegression creates an unfitted model.
func NewLogisticRegression(c float64, maxIter int) *LogisticRegression {
	return &LogisticRegression{C: c, MaxIter: maxIter}
}

// Fit minimizes 0.5*||w||^2 + C * sum(logloss).
func (m *LogisticRegression) Fit(X [][]float64, y []int) error {
	if err := checkXY(X, y); err != nil {
		return err
	}
	if m.C <= 0 {
		return fmt.Errorf("C must be positive, got %g", m.C)
	}
	d := len(X[0])

	// theta = [w..., b]
	objective := func(theta []float64) float64 {
		w, b := theta[:d], theta[d]
		loss := 0.0
		for i, row := range X {
			z := floats.Dot(w, row) + b
			loss += logLoss(z, y[i])
		}
		return 0.5*floats.Dot(w, w) + m.C*loss
	}
	gradient := func(grad, theta []float64) {
		w, b := theta[:d], theta[d]
		copy(grad[:d], w)
		grad[d] = 0
		for i, row := range X {
			r := m.C * (sigmoid(floats.Dot(w, row)+b) - float64(y[i]))
			floats.AddScaled(grad[:d], r, row)
			grad[d] += r
		}
	}

	maxIter := m.MaxIter
	if maxIter <= 0 {
		maxIter = 1000
	}
	settings := &optimize.Settings{
		GradientThreshold: 1e-6,
		MajorIterations:   maxIter,
	}
	problem := optimize.Problem{Func: objective, Grad: gradient}

	result, err := optimize.Minimize(problem, make([]float64, d+1), settings, &optimize.LBFGS{})
	if result == nil {
		return fmt.Errorf("lbfgs: %w", err)
	}
	theta := result.X
	for _, v := range theta {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("lbfgs diverged")
		}
	}
	if err != nil {
		// Line search can stall once the gradient is already tiny; accept
		// the point if it is stationary to a looser tolerance.
		grad := make([]float64, d+1)
		gradient(grad, theta)
		if floats.Norm(grad, math.Inf(1)) > 1e-3*math.Max(1, math.Abs(objective(theta))) {
			return fmt.Errorf("lbfgs did not converge: %w", err)
		}
	}

	m.Weights = append([]float64(nil), theta[:d]...)
	m.Intercept = theta[d]
	return nil
}

// PredictProba returns P(y=1|x) for each row.
func (m *LogisticRegression) PredictProba(X [][]float64) ([]float64, error) {
	if m.Weights == nil {
		return nil, errors.New("logistic regression is not fitted")
	}
	out := make([]float64, len(X))
	for i, row := range X {
		if len(row) != len(m.Weights) {
			return nil, fmt.Errorf("row %d has %d columns, expected %d", i, len(row), len(m.Weights))
		}
		out[i] = sigmoid(floats.Dot(m.Weights, row) + m.Intercept)
	}
	return out, nil
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// logLoss is the negative log-likelihood of label y under logit z, computed stably.
func logLoss(z float64, y int) float64 {
	if y == 0 {
		z = -z
	}
	// -log(sigmoid(z))
	if z > 0 {
		return math.Log1p(math.Exp(-z))
	}
	return -z + math.Log1p(math.Exp(z))
}
