package selection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/credrisk/internal/domain"
	"github.com/opensource-finance/credrisk/internal/model"
	"github.com/opensource-finance/credrisk/internal/retry"
)

// memTracker is an in-memory domain.Tracker.
type memTracker struct {
	mu        sync.Mutex
	runs      map[string]*domain.TrainingRun
	artifacts map[string][]byte
	versions  []*domain.RegisteredModel
	nextRun   int
	failStart error
}

func newMemTracker() *memTracker {
	return &memTracker{runs: map[string]*domain.TrainingRun{}, artifacts: map[string][]byte{}}
}

func (m *memTracker) CreateExperiment(ctx context.Context, name string) (*domain.Experiment, error) {
	return &domain.Experiment{ID: "exp-" + name, Name: name}, nil
}

func (m *memTracker) StartRun(ctx context.Context, experimentID, name string) (*domain.TrainingRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failStart != nil {
		return nil, m.failStart
	}
	m.nextRun++
	run := &domain.TrainingRun{RunID: fmt.Sprintf("run-%d", m.nextRun), ExperimentID: experimentID, Name: name, Status: domain.RunRunning}
	m.runs[run.RunID] = run
	return run, nil
}

func (m *memTracker) LogParams(ctx context.Context, runID string, params map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[runID].Params = params
	return nil
}

func (m *memTracker) LogMetrics(ctx context.Context, runID string, metrics map[string]float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[runID].Metrics = metrics
	return nil
}

func (m *memTracker) LogModel(ctx context.Context, runID, name string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uri := domain.RunArtifactURI(runID, name)
	m.artifacts[uri] = payload
	return uri, nil
}

func (m *memTracker) EndRun(ctx context.Context, runID string, status domain.RunStatus, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[runID].Status = status
	m.runs[runID].Error = errText
	return nil
}

func (m *memTracker) GetRun(ctx context.Context, runID string) (*domain.TrainingRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return run, nil
}

func (m *memTracker) RegisterModel(ctx context.Context, sourceURI, name string) (*domain.RegisteredModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rm := &domain.RegisteredModel{Name: name, Version: len(m.versions) + 1, SourceURI: sourceURI, Stage: domain.StageNone}
	m.versions = append(m.versions, rm)
	return rm, nil
}

func (m *memTracker) TransitionStage(ctx context.Context, name string, version int, stage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions {
		if v.Stage == stage {
			v.Stage = domain.StageArchived
		}
	}
	m.versions[version-1].Stage = stage
	return nil
}

func (m *memTracker) LoadModel(ctx context.Context, name, stageOrVersion string) (*domain.RegisteredModel, []byte, error) {
	return nil, nil, domain.ErrNotFound
}

// dataset builds a labeled matrix where the label depends on the first two columns.
func dataset(n int, seed int64) ([][]float64, []int) {
	rng := rand.New(rand.NewSource(seed))
	X := make([][]float64, n)
	y := make([]int, n)
	for i := range X {
		row := make([]float64, 4)
		for j := range row {
			row[j] = rng.NormFloat64()
		}
		if row[0]+row[1] > 0.5 {
			y[i] = 1
		}
		X[i] = row
	}
	return X, y
}

type failing struct{}

func (failing) Fit(X [][]float64, y []int) error              { return errors.New("singular matrix") }
func (failing) PredictProba(X [][]float64) ([]float64, error) { return nil, errors.New("not fitted") }

var failingFamily = model.Family{
	Name: "Broken",
	Grid: model.Grid{{Name: "alpha", Values: []float64{1}}},
	New:  func(model.Params) model.Classifier { return failing{} },
}

// marked fits only when no training row carries the marker in its last
// column and then ranks rows by the true decision value.
type marked struct{}

func (marked) Fit(X [][]float64, y []int) error {
	for _, row := range X {
		if row[len(row)-1] == 1 {
			return errors.New("does not converge")
		}
	}
	return nil
}

func (marked) PredictProba(X [][]float64) ([]float64, error) {
	out := make([]float64, len(X))
	for i, row := range X {
		out[i] = 1 / (1 + math.Exp(-(row[0] + row[1] - 0.5)))
	}
	return out, nil
}

// firstColumn always fits and ranks rows by the first feature only.
type firstColumn struct{}

func (firstColumn) Fit(X [][]float64, y []int) error { return nil }

func (firstColumn) PredictProba(X [][]float64) ([]float64, error) {
	out := make([]float64, len(X))
	for i, row := range X {
		out[i] = 1 / (1 + math.Exp(-row[0]))
	}
	return out, nil
}

func testConfig() Config {
	return Config{
		Experiment: "credit-risk-model",
		ModelName:  "CreditRiskBestModel",
		Stage:      domain.StageProduction,
		TestSize:   0.2,
		Seed:       42,
		Search:     Search{Mode: domain.SearchGrid, Folds: 3, Seed: 42, Workers: 4},
		Retry:      retry.Policy{Attempts: 2, BaseDelay: time.Millisecond},
	}
}

func TestStratifiedSplit(t *testing.T) {
	y := make([]int, 50)
	for i := 0; i < 10; i++ {
		y[i*5] = 1
	}

	train, test, err := StratifiedSplit(y, 0.2, 42)
	require.NoError(t, err)
	assert.Len(t, test, 10)
	assert.Len(t, train, 40)

	all := append(append([]int(nil), train...), test...)
	sort.Ints(all)
	for i, v := range all {
		require.Equal(t, i, v)
	}

	positives := 0
	for _, i := range test {
		positives += y[i]
	}
	assert.Equal(t, 2, positives)

	train2, test2, err := StratifiedSplit(y, 0.2, 42)
	require.NoError(t, err)
	assert.Equal(t, train, train2)
	assert.Equal(t, test, test2)
}

func TestStratifiedSplitRareClassReachesBothSides(t *testing.T) {
	y := make([]int, 40)
	y[3], y[17] = 1, 1

	train, test, err := StratifiedSplit(y, 0.2, 7)
	require.NoError(t, err)

	count := func(idx []int) int {
		c := 0
		for _, i := range idx {
			c += y[i]
		}
		return c
	}
	assert.Equal(t, 1, count(train))
	assert.Equal(t, 1, count(test))
}

func TestStratifiedSplitErrors(t *testing.T) {
	_, _, err := StratifiedSplit([]int{0, 0, 0, 0}, 0.2, 42)
	assert.ErrorIs(t, err, domain.ErrInsufficientData)

	_, _, err = StratifiedSplit([]int{0, 0, 0, 1}, 0.2, 42)
	assert.ErrorIs(t, err, domain.ErrInsufficientData)

	_, _, err = StratifiedSplit([]int{0, 1, 0, 1}, 1.5, 42)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestStratifiedKFold(t *testing.T) {
	y := []int{0, 0, 0, 0, 0, 0, 1, 1, 1}

	folds, err := StratifiedKFold(y, 3)
	require.NoError(t, err)
	require.Len(t, folds, 3)

	assert.Equal(t, []int{0, 1, 6}, folds[0].Valid)
	assert.Equal(t, []int{2, 3, 7}, folds[1].Valid)
	assert.Equal(t, []int{4, 5, 8}, folds[2].Valid)

	seen := make([]int, len(y))
	for _, f := range folds {
		assert.Len(t, f.Train, len(y)-len(f.Valid))
		for _, i := range f.Valid {
			seen[i]++
		}
	}
	for i, c := range seen {
		assert.Equal(t, 1, c, "sample %d", i)
	}

	_, err = StratifiedKFold([]int{0, 1}, 3)
	assert.ErrorIs(t, err, domain.ErrInsufficientData)
}

func TestROCAUC(t *testing.T) {
	auc, err := ROCAUC([]int{0, 0, 1, 1}, []float64{0.1, 0.4, 0.35, 0.8})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, auc, 1e-12)

	auc, err = ROCAUC([]int{0, 1, 0, 1}, []float64{0.1, 0.9, 0.2, 0.8})
	require.NoError(t, err)
	assert.Equal(t, 1.0, auc)

	auc, err = ROCAUC([]int{0, 1, 0, 1}, []float64{0.9, 0.1, 0.8, 0.2})
	require.NoError(t, err)
	assert.Equal(t, 0.0, auc)

	auc, err = ROCAUC([]int{0, 1, 0, 1}, []float64{0.5, 0.5, 0.5, 0.5})
	require.NoError(t, err)
	assert.Equal(t, 0.5, auc)

	auc, err = ROCAUC([]int{1, 1}, []float64{0.2, 0.3})
	assert.ErrorIs(t, err, domain.ErrInsufficientData)
	assert.True(t, math.IsNaN(auc))
}

func TestEvaluate(t *testing.T) {
	m, err := Evaluate([]int{0, 0, 1, 1}, []float64{0.2, 0.7, 0.6, 0.9})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, m.Accuracy, 1e-12)
	assert.InDelta(t, 2.0/3.0, m.Precision, 1e-12)
	assert.InDelta(t, 1.0, m.Recall, 1e-12)
	assert.InDelta(t, 0.8, m.F1, 1e-12)
	assert.InDelta(t, 0.75, m.ROCAUC, 1e-12)

	// nothing predicted positive: precision and f1 fall back to 0
	m, err = Evaluate([]int{0, 1}, []float64{0.1, 0.4})
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.Precision)
	assert.Equal(t, 0.0, m.Recall)
	assert.Equal(t, 0.0, m.F1)
	assert.Equal(t, 0.5, m.Accuracy)
}

func TestSelectWinner(t *testing.T) {
	ok := func(name string, auc float64) FamilyResult {
		return FamilyResult{Family: name, Metrics: domain.Metrics{ROCAUC: auc}}
	}

	idx, found := SelectWinner([]FamilyResult{ok("a", 0.8), ok("b", 0.9)})
	assert.True(t, found)
	assert.Equal(t, 1, idx)

	idx, _ = SelectWinner([]FamilyResult{ok("a", 0.9), ok("b", 0.9)})
	assert.Equal(t, 0, idx, "ties keep the first family")

	failed := ok("a", 0.99)
	failed.Err = domain.ErrTraining
	idx, _ = SelectWinner([]FamilyResult{failed, ok("b", 0.6)})
	assert.Equal(t, 1, idx)

	_, found = SelectWinner([]FamilyResult{failed})
	assert.False(t, found)
}

func TestSearch(t *testing.T) {
	X, y := dataset(90, 5)
	fam := model.DefaultFamilies(42)[1]

	t.Run("Grid", func(t *testing.T) {
		s := &Search{Mode: domain.SearchGrid, Folds: 3, Seed: 42, Workers: 3}
		res, err := s.Run(context.Background(), fam, X, y)
		require.NoError(t, err)
		assert.Len(t, res.Candidates, 6)
		assert.NotNil(t, res.Estimator)
		assert.Equal(t, res.Candidates[res.Best].MeanScore, res.BestScore)
		for _, c := range res.Candidates {
			assert.LessOrEqual(t, c.MeanScore, res.BestScore)
		}
	})

	t.Run("RandomDeterministic", func(t *testing.T) {
		s := &Search{Mode: domain.SearchRandom, NIter: 2, Folds: 3, Seed: 42, Workers: 2}
		first, err := s.Run(context.Background(), fam, X, y)
		require.NoError(t, err)
		second, err := s.Run(context.Background(), fam, X, y)
		require.NoError(t, err)

		assert.Len(t, first.Candidates, 2)
		assert.Equal(t, first.BestParams, second.BestParams)
		assert.Equal(t, first.BestScore, second.BestScore)
	})

	t.Run("PartiallyFailingCandidateCannotWin", func(t *testing.T) {
		Xm := make([][]float64, len(X))
		for i, row := range X {
			Xm[i] = append(append([]float64(nil), row...), 0)
		}
		Xm[0][len(Xm[0])-1] = 1

		fam := model.Family{
			Name: "Flaky",
			Grid: model.Grid{{Name: "p", Values: []float64{1, 0}}},
			New: func(p model.Params) model.Classifier {
				if p["p"] == 1 {
					return marked{}
				}
				return firstColumn{}
			},
		}

		s := &Search{Mode: domain.SearchGrid, Folds: 3, Seed: 42, Workers: 2}
		res, err := s.Run(context.Background(), fam, Xm, y)
		require.NoError(t, err)

		flaky := res.Candidates[0]
		assert.Equal(t, 1.0, flaky.Params["p"])
		assert.Error(t, flaky.Err)
		assert.True(t, math.IsNaN(flaky.MeanScore))
		assert.Equal(t, 0.0, res.BestParams["p"])
		assert.False(t, math.IsNaN(res.BestScore))
	})

	t.Run("AllCandidatesFail", func(t *testing.T) {
		s := &Search{Mode: domain.SearchGrid, Folds: 3, Seed: 42}
		_, err := s.Run(context.Background(), failingFamily, X, y)
		assert.Error(t, err)
	})
}

func TestEngineRun(t *testing.T) {
	X, y := dataset(120, 11)
	tracker := newMemTracker()
	engine := NewEngine(tracker, testConfig())

	out, err := engine.Run(context.Background(), Dataset{X: X, Y: y})
	require.NoError(t, err)
	require.Len(t, out.Results, 2)
	require.NotNil(t, out.Winner)
	require.NotNil(t, out.Registered)

	for _, r := range out.Results {
		require.NoError(t, r.Err)
		run := tracker.runs[r.Run.RunID]
		assert.Equal(t, domain.RunFinished, run.Status)
		assert.Contains(t, run.Metrics, "roc_auc")
		assert.Contains(t, tracker.artifacts, domain.RunArtifactURI(r.Run.RunID, r.Family))
	}
	assert.Contains(t, tracker.runs[out.Results[1].Run.RunID].Params, "max_depth")

	idx, _ := SelectWinner(out.Results)
	assert.Equal(t, out.Results[idx].Family, out.Winner.Family)

	assert.Equal(t, "CreditRiskBestModel", out.Registered.Name)
	assert.Equal(t, 1, out.Registered.Version)
	assert.Equal(t, domain.StageProduction, out.Registered.Stage)
	assert.Equal(t, domain.RunArtifactURI(out.Winner.Run.RunID, BestModelArtifact), out.Registered.SourceURI)

	art, err := model.Decode(tracker.artifacts[out.Registered.SourceURI])
	require.NoError(t, err)
	assert.Equal(t, out.Winner.Family, art.Family)

	t.Run("SecondRunArchivesPrevious", func(t *testing.T) {
		out2, err := engine.Run(context.Background(), Dataset{X: X, Y: y})
		require.NoError(t, err)
		assert.Equal(t, 2, out2.Registered.Version)
		assert.Equal(t, domain.StageArchived, tracker.versions[0].Stage)
		assert.Equal(t, domain.StageProduction, tracker.versions[1].Stage)
	})
}

func TestEngineFailureIsolation(t *testing.T) {
	X, y := dataset(120, 11)
	tracker := newMemTracker()
	lr := model.DefaultFamilies(42)[0]
	engine := NewEngine(tracker, testConfig(), failingFamily, lr)

	out, err := engine.Run(context.Background(), Dataset{X: X, Y: y})
	require.NoError(t, err)
	require.Len(t, out.Results, 2)

	broken := out.Results[0]
	assert.ErrorIs(t, broken.Err, domain.ErrTraining)
	assert.Equal(t, domain.RunFailed, tracker.runs[broken.Run.RunID].Status)
	assert.NotEmpty(t, tracker.runs[broken.Run.RunID].Error)

	assert.Equal(t, model.FamilyLogisticRegression, out.Winner.Family)
}

func TestEngineAllFamiliesFail(t *testing.T) {
	X, y := dataset(60, 3)
	engine := NewEngine(newMemTracker(), testConfig(), failingFamily)

	out, err := engine.Run(context.Background(), Dataset{X: X, Y: y})
	assert.ErrorIs(t, err, domain.ErrTraining)
	require.NotNil(t, out)
	assert.Nil(t, out.Registered)
}

func TestEngineRegistryFailure(t *testing.T) {
	X, y := dataset(60, 3)
	tracker := newMemTracker()
	tracker.failStart = errors.New("connection refused")
	engine := NewEngine(tracker, testConfig())

	_, err := engine.Run(context.Background(), Dataset{X: X, Y: y})
	assert.ErrorIs(t, err, domain.ErrRegistry)
}

func TestEngineInsufficientLabels(t *testing.T) {
	X, _ := dataset(20, 3)
	y := make([]int, 20)
	engine := NewEngine(newMemTracker(), testConfig())

	_, err := engine.Run(context.Background(), Dataset{X: X, Y: y})
	assert.ErrorIs(t, err, domain.ErrInsufficientData)
}
