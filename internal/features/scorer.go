package features

import (
	"fmt"
	"strconv"

	"github.com/opensource-finance/credrisk/internal/domain"
)

var (
	recencyLabels   = []int{5, 4, 3, 2, 1}
	ascendingLabels = []int{1, 2, 3, 4, 5}
)

// Scorer derives quintile scores and rule-based risk flags from profiles.
type Scorer struct{}

// NewScorer creates a Scorer.
func NewScorer() *Scorer {
	return &Scorer{}
}

// Score returns one BehavioralScore per profile, in input order.
func (s *Scorer) Score(profiles []domain.CustomerProfile) ([]domain.BehavioralScore, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("%w: no customer profiles to score", domain.ErrValidation)
	}

	n := len(profiles)
	recency := make([]float64, n)
	frequency := make([]float64, n)
	monetary := make([]float64, n)
	for i, p := range profiles {
		recency[i] = float64(p.Recency)
		frequency[i] = float64(p.Frequency)
		monetary[i] = p.Monetary
	}

	rScores := qcut(recency, recencyLabels)
	fScores := qcut(rankFirst(frequency), ascendingLabels)
	mScores := qcut(monetary, ascendingLabels)

	recencyQ75 := Quantile(recency, 0.75)
	frequencyQ25 := Quantile(frequency, 0.25)
	monetaryQ25 := Quantile(monetary, 0.25)

	scores := make([]domain.BehavioralScore, n)
	for i, p := range profiles {
		bs := domain.BehavioralScore{
			CustomerProfile: p,
			RecencyScore:    rScores[i],
			FrequencyScore:  fScores[i],
			MonetaryScore:   mScores[i],
			HighRecency:     flag(recency[i] > recencyQ75),
			LowFrequency:    flag(frequency[i] < frequencyQ25),
			LowMonetary:     flag(monetary[i] < monetaryQ25),
		}
		bs.RFMScore = strconv.Itoa(bs.RecencyScore) + strconv.Itoa(bs.FrequencyScore) + strconv.Itoa(bs.MonetaryScore)
		bs.RiskScore = bs.HighRecency + bs.LowFrequency + bs.LowMonetary
		scores[i] = bs
	}

	return scores, nil
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}
