package selection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/credrisk/internal/domain"
	"github.com/opensource-finance/credrisk/internal/model"
)

// Search is a cross-validated hyperparameter search scored by mean ROC-AUC.
type Search struct {
	Mode    string // domain.SearchGrid or domain.SearchRandom
	NIter   int    // candidates sampled in random mode
	Folds   int
	Seed    int64
	Workers int // concurrent fold fits
}

// Candidate is the cross-validation outcome of one parameter combination.
type Candidate struct {
	Params     model.Params
	FoldScores []float64 // NaN where a fold was skipped or failed
	MeanScore  float64   // NaN if no fold produced a score
	Err        error
}

// SearchResult holds every candidate and the refitted winner.
type SearchResult struct {
	Candidates []Candidate
	Best       int
	BestParams model.Params
	BestScore  float64
	Estimator  model.Classifier
}

// candidates returns the parameter combinations to evaluate.
func (s *Search) candidates(g model.Grid) []model.Params {
	all := g.Combinations()
	if s.Mode != domain.SearchRandom || s.NIter <= 0 || s.NIter >= len(all) {
		return all
	}
	rng := rand.New(rand.NewSource(s.Seed))
	picked := rng.Perm(len(all))[:s.NIter]
	out := make([]model.Params, len(picked))
	for i, p := range picked {
		out[i] = all[p]
	}
	return out
}

// Run evaluates the family's candidates on stratified folds of (X, y), picks
// the highest mean ROC-AUC (first on ties) and refits it on all of X.
func (s *Search) Run(ctx context.Context, family model.Family, X [][]float64, y []int) (*SearchResult, error) {
	folds, err := StratifiedKFold(y, s.Folds)
	if err != nil {
		return nil, err
	}

	params := s.candidates(family.Grid)
	cands := make([]Candidate, len(params))
	for i, p := range params {
		cands[i] = Candidate{Params: p, FoldScores: make([]float64, len(folds))}
	}

	workers := s.Workers
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	fitErrs := make([][]error, len(params))
	for ci := range cands {
		fitErrs[ci] = make([]error, len(folds))
		for fi, fold := range folds {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				score, err := scoreFold(family, cands[ci].Params, X, y, fold)
				cands[ci].FoldScores[fi] = score
				fitErrs[ci][fi] = err
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	best := -1
	for ci := range cands {
		c := &cands[ci]
		c.Err = errors.Join(fitErrs[ci]...)
		// a failed fold disqualifies the candidate; single-class folds are skipped
		if c.Err != nil {
			c.MeanScore = math.NaN()
		} else {
			c.MeanScore = nanMean(c.FoldScores)
		}
		if math.IsNaN(c.MeanScore) {
			continue
		}
		if best < 0 || c.MeanScore > cands[best].MeanScore {
			best = ci
		}
	}
	if best < 0 {
		var errs []error
		for _, c := range cands {
			errs = append(errs, c.Err)
		}
		return nil, fmt.Errorf("no candidate produced a finite roc_auc: %w", errors.Join(errs...))
	}

	slog.Debug("search complete",
		"family", family.Name,
		"candidates", len(cands),
		"best_params", cands[best].Params.Strings(),
		"best_cv_roc_auc", cands[best].MeanScore,
	)

	est := family.New(cands[best].Params)
	if err := est.Fit(X, y); err != nil {
		return nil, fmt.Errorf("refit with %v: %w", cands[best].Params.Strings(), err)
	}

	return &SearchResult{
		Candidates: cands,
		Best:       best,
		BestParams: cands[best].Params,
		BestScore:  cands[best].MeanScore,
		Estimator:  est,
	}, nil
}

// scoreFold fits on the fold's training part and scores its validation part.
// A validation part with a single class yields NaN and no error.
func scoreFold(family model.Family, p model.Params, X [][]float64, y []int, fold Fold) (float64, error) {
	Xt, yt := subset(X, y, fold.Train)
	Xv, yv := subset(X, y, fold.Valid)

	if !hasBothClasses(yv) {
		return math.NaN(), nil
	}

	est := family.New(p)
	if err := est.Fit(Xt, yt); err != nil {
		return math.NaN(), err
	}
	proba, err := est.PredictProba(Xv)
	if err != nil {
		return math.NaN(), err
	}
	auc, err := ROCAUC(yv, proba)
	if err != nil {
		return math.NaN(), nil
	}
	return auc, nil
}

func subset(X [][]float64, y []int, idx []int) ([][]float64, []int) {
	Xs := make([][]float64, len(idx))
	ys := make([]int, len(idx))
	for k, i := range idx {
		Xs[k] = X[i]
		ys[k] = y[i]
	}
	return Xs, ys
}

func hasBothClasses(y []int) bool {
	var pos, neg bool
	for _, v := range y {
		if v == 1 {
			pos = true
		} else {
			neg = true
		}
	}
	return pos && neg
}

func nanMean(v []float64) float64 {
	sum, n := 0.0, 0
	for _, x := range v {
		if !math.IsNaN(x) {
			sum += x
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}
