package labeling

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/credrisk/internal/domain"
)

// ThresholdLabeler labels a customer high risk when a CEL expression over
// its behavioral score evaluates to true.
type ThresholdLabeler struct {
	expression string
	program    cel.Program
}

// NewThresholdLabeler compiles expr. Available variables: recency, frequency,
// monetary, avg_amount, std_amount, recency_score, frequency_score,
// monetary_score, rfm_score, high_recency, low_frequency, low_monetary and
// risk_score.
func NewThresholdLabeler(expr string) (*ThresholdLabeler, error) {
	env, err := cel.NewEnv(
		cel.Variable("recency", cel.IntType),
		cel.Variable("frequency", cel.IntType),
		cel.Variable("monetary", cel.DoubleType),
		cel.Variable("avg_amount", cel.DoubleType),
		cel.Variable("std_amount", cel.DoubleType),
		cel.Variable("recency_score", cel.IntType),
		cel.Variable("frequency_score", cel.IntType),
		cel.Variable("monetary_score", cel.IntType),
		cel.Variable("rfm_score", cel.StringType),
		cel.Variable("high_recency", cel.IntType),
		cel.Variable("low_frequency", cel.IntType),
		cel.Variable("low_monetary", cel.IntType),
		cel.Variable("risk_score", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile labeling expression: %v", domain.ErrValidation, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: labeling expression must return bool, got %s", domain.ErrValidation, ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create program: %v", domain.ErrValidation, err)
	}

	return &ThresholdLabeler{expression: expr, program: program}, nil
}

// Expression returns the source expression.
func (l *ThresholdLabeler) Expression() string {
	return l.expression
}

// Label implements Labeler.
func (l *ThresholdLabeler) Label(ctx context.Context, scores []domain.BehavioralScore) ([]domain.ProxyLabel, error) {
	labels := make([]domain.ProxyLabel, len(scores))
	for i, s := range scores {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		out, _, err := l.program.Eval(activation(s))
		if err != nil {
			return nil, fmt.Errorf("%w: evaluating customer %s: %v", domain.ErrValidation, s.CustomerID, err)
		}

		labels[i] = domain.ProxyLabel{CustomerID: s.CustomerID}
		if v, ok := out.(types.Bool); ok && bool(v) {
			labels[i].IsHighRisk = 1
		}
	}
	return labels, nil
}

func activation(s domain.BehavioralScore) map[string]any {
	return map[string]any{
		"recency":         int64(s.Recency),
		"frequency":       int64(s.Frequency),
		"monetary":        s.Monetary,
		"avg_amount":      s.AvgAmount,
		"std_amount":      s.StdAmount,
		"recency_score":   int64(s.RecencyScore),
		"frequency_score": int64(s.FrequencyScore),
		"monetary_score":  int64(s.MonetaryScore),
		"rfm_score":       s.RFMScore,
		"high_recency":    int64(s.HighRecency),
		"low_frequency":   int64(s.LowFrequency),
		"low_monetary":    int64(s.LowMonetary),
		"risk_score":      int64(s.RiskScore),
	}
}
