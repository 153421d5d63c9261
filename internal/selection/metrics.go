package selection

import (
	"fmt"
	"math"
	"sort"

	"github.com/opensource-finance/credrisk/internal/domain"
)

// decisionThreshold: a sample is predicted positive when its probability exceeds it.
const decisionThreshold = 0.5

// ROCAUC returns the area under the ROC curve of scores for binary labels y.
// Tied scores contribute half, as with the trapezoidal curve. It is undefined
// (NaN with an error) when y contains a single class.
func ROCAUC(y []int, scores []float64) (float64, error) {
	if len(y) != len(scores) {
		return math.NaN(), fmt.Errorf("%w: %d labels but %d scores", domain.ErrValidation, len(y), len(scores))
	}

	idx := make([]int, len(y))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] < scores[idx[b]] })

	// Mann-Whitney U with average ranks for ties
	var nPos, nNeg, rankSum float64
	for start := 0; start < len(idx); {
		end := start + 1
		for end < len(idx) && scores[idx[end]] == scores[idx[start]] {
			end++
		}
		avgRank := float64(start+end+1) / 2
		for _, i := range idx[start:end] {
			if y[i] == 1 {
				nPos++
				rankSum += avgRank
			} else {
				nNeg++
			}
		}
		start = end
	}

	if nPos == 0 || nNeg == 0 {
		return math.NaN(), fmt.Errorf("%w: roc_auc is undefined with a single class", domain.ErrInsufficientData)
	}
	return (rankSum - nPos*(nPos+1)/2) / (nPos * nNeg), nil
}

// Evaluate computes held-out classification metrics for positive-class
// probabilities. Precision, recall and F1 are 0 when undefined.
func Evaluate(y []int, proba []float64) (domain.Metrics, error) {
	auc, err := ROCAUC(y, proba)
	if err != nil {
		return domain.Metrics{}, err
	}

	var tp, fp, tn, fn float64
	for i, p := range proba {
		pred := 0
		if p > decisionThreshold {
			pred = 1
		}
		switch {
		case pred == 1 && y[i] == 1:
			tp++
		case pred == 1 && y[i] == 0:
			fp++
		case pred == 0 && y[i] == 0:
			tn++
		default:
			fn++
		}
	}

	m := domain.Metrics{
		Accuracy:  (tp + tn) / float64(len(y)),
		Precision: ratio(tp, tp+fp),
		Recall:    ratio(tp, tp+fn),
		ROCAUC:    auc,
	}
	m.F1 = ratio(2*m.Precision*m.Recall, m.Precision+m.Recall)
	return m, nil
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}
