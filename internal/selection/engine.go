package selection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/credrisk/internal/domain"
	"github.com/opensource-finance/credrisk/internal/features"
	"github.com/opensource-finance/credrisk/internal/metrics"
	"github.com/opensource-finance/credrisk/internal/model"
	"github.com/opensource-finance/credrisk/internal/retry"
)

// BestModelArtifact is the artifact name the winner is re-logged under.
const BestModelArtifact = "best_model"

var tracer = otel.Tracer("credrisk/selection")

// Config controls the selection engine.
type Config struct {
	Experiment string
	ModelName  string
	Stage      string // stage the new version is moved to; empty keeps "None"
	TestSize   float64
	Seed       int64
	Search     Search
	Retry      retry.Policy
}

// ConfigFrom maps the training section of the service configuration.
func ConfigFrom(c domain.TrainingConfig) Config {
	return Config{
		Experiment: c.Experiment,
		ModelName:  c.ModelName,
		Stage:      c.Stage,
		TestSize:   c.TestSize,
		Seed:       c.Seed,
		Search: Search{
			Mode:    c.SearchMode,
			NIter:   c.NIter,
			Folds:   c.Folds,
			Seed:    c.Seed,
			Workers: c.Workers,
		},
		Retry: retry.Policy{Attempts: c.RetryAttempts, BaseDelay: c.RetryDelay},
	}
}

// Dataset is the labeled training matrix handed to the engine. X holds
// preprocessed rows; Preprocessor is bundled with every artifact so the
// served model accepts raw feature vectors.
type Dataset struct {
	X            [][]float64
	Y            []int
	Preprocessor *features.Preprocessor
}

// FamilyResult is the outcome of training one model family.
type FamilyResult struct {
	Family   string
	Run      *domain.TrainingRun
	Search   *SearchResult
	Metrics  domain.Metrics
	Artifact []byte
	Err      error
}

// Outcome summarizes a selection run.
type Outcome struct {
	Experiment *domain.Experiment
	Results    []FamilyResult
	Winner     *FamilyResult
	Registered *domain.RegisteredModel
}

// Engine trains each family, records runs through the tracker and promotes
// the family with the best held-out ROC-AUC.
type Engine struct {
	tracker  domain.Tracker
	families []model.Family
	cfg      Config
}

// NewEngine creates an engine over the given families, in priority order.
func NewEngine(tracker domain.Tracker, cfg Config, families ...model.Family) *Engine {
	if len(families) == 0 {
		families = model.DefaultFamilies(cfg.Seed)
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = retry.Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond}
	}
	return &Engine{tracker: tracker, families: families, cfg: cfg}
}

// Run splits the data, trains every family and promotes the winner.
// Individual family failures are reported in Outcome.Results; Run fails with
// ErrTraining only if every family failed, and with ErrRegistry if the
// tracker cannot be reached.
func (e *Engine) Run(ctx context.Context, ds Dataset) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "selection.Run")
	defer span.End()

	if len(ds.X) != len(ds.Y) {
		return nil, fmt.Errorf("%w: %d rows but %d labels", domain.ErrValidation, len(ds.X), len(ds.Y))
	}

	trainIdx, testIdx, err := StratifiedSplit(ds.Y, e.cfg.TestSize, e.cfg.Seed)
	if err != nil {
		return nil, err
	}
	Xtrain, ytrain := subset(ds.X, ds.Y, trainIdx)
	Xtest, ytest := subset(ds.X, ds.Y, testIdx)

	slog.Info("training split prepared",
		"train", len(trainIdx),
		"test", len(testIdx),
		"families", len(e.families),
	)

	var exp *domain.Experiment
	if err := e.call(ctx, "create experiment", func() (err error) {
		exp, err = e.tracker.CreateExperiment(ctx, e.cfg.Experiment)
		return err
	}); err != nil {
		return nil, err
	}

	out := &Outcome{Experiment: exp}
	for _, fam := range e.families {
		res, err := e.trainFamily(ctx, exp, fam, ds.Preprocessor, Xtrain, ytrain, Xtest, ytest)
		if err != nil {
			return nil, err
		}
		out.Results = append(out.Results, res)
	}

	idx, ok := SelectWinner(out.Results)
	if !ok {
		var errs []error
		for _, r := range out.Results {
			errs = append(errs, r.Err)
		}
		span.SetStatus(codes.Error, "all families failed")
		return out, fmt.Errorf("%w: every model family failed: %w", domain.ErrTraining, errors.Join(errs...))
	}
	out.Winner = &out.Results[idx]

	registered, err := e.promote(ctx, out.Winner)
	if err != nil {
		return out, err
	}
	out.Registered = registered
	span.SetAttributes(
		attribute.String("winner", out.Winner.Family),
		attribute.Int("version", registered.Version),
	)
	return out, nil
}

// trainFamily runs search, evaluation and tracking for one family. Training
// problems are recorded on the result; only tracker errors are returned.
func (e *Engine) trainFamily(ctx context.Context, exp *domain.Experiment, fam model.Family,
	prep *features.Preprocessor, Xtrain [][]float64, ytrain []int, Xtest [][]float64, ytest []int) (FamilyResult, error) {

	ctx, span := tracer.Start(ctx, "selection.trainFamily")
	defer span.End()
	span.SetAttributes(attribute.String("family", fam.Name))

	res := FamilyResult{Family: fam.Name}

	var run *domain.TrainingRun
	if err := e.call(ctx, "start run", func() (err error) {
		run, err = e.tracker.StartRun(ctx, exp.ID, fam.Name)
		return err
	}); err != nil {
		return res, err
	}
	run.Family = fam.Name
	res.Run = run

	start := time.Now()
	search := e.cfg.Search
	sr, err := search.Run(ctx, fam, Xtrain, ytrain)
	metrics.SearchDuration.WithLabelValues(fam.Name).Observe(time.Since(start).Seconds())
	if err == nil {
		res.Search = sr
		err = e.evaluate(&res, prep, Xtest, ytest)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		res.Err = fmt.Errorf("%w: %s: %w", domain.ErrTraining, fam.Name, err)
		span.RecordError(res.Err)
		slog.Warn("model family failed", "family", fam.Name, "run_id", run.RunID, "error", err)
		metrics.TrainingRunsTotal.WithLabelValues(fam.Name, string(domain.RunFailed)).Inc()
		run.Status = domain.RunFailed
		run.Error = res.Err.Error()
		return res, e.call(ctx, "end run", func() error {
			return e.tracker.EndRun(ctx, run.RunID, domain.RunFailed, res.Err.Error())
		})
	}

	params := sr.BestParams.Strings()
	scores := res.Metrics.Map()
	var uri string
	if err := e.call(ctx, "log run", func() (err error) {
		if err = e.tracker.LogParams(ctx, run.RunID, params); err != nil {
			return err
		}
		if err = e.tracker.LogMetrics(ctx, run.RunID, scores); err != nil {
			return err
		}
		uri, err = e.tracker.LogModel(ctx, run.RunID, fam.Name, res.Artifact)
		return err
	}); err != nil {
		return res, err
	}
	if err := e.call(ctx, "end run", func() error {
		return e.tracker.EndRun(ctx, run.RunID, domain.RunFinished, "")
	}); err != nil {
		return res, err
	}

	run.Params = params
	run.Metrics = scores
	run.ArtifactURI = uri
	run.Status = domain.RunFinished

	metrics.TrainingRunsTotal.WithLabelValues(fam.Name, string(domain.RunFinished)).Inc()
	metrics.HeldOutROCAUC.WithLabelValues(fam.Name).Set(res.Metrics.ROCAUC)
	slog.Info("model family trained",
		"family", fam.Name,
		"run_id", run.RunID,
		"params", params,
		"cv_roc_auc", sr.BestScore,
		"roc_auc", res.Metrics.ROCAUC,
		"f1", res.Metrics.F1,
	)
	return res, nil
}

// evaluate scores the refitted estimator on the held-out split and encodes its artifact.
func (e *Engine) evaluate(res *FamilyResult, prep *features.Preprocessor, Xtest [][]float64, ytest []int) error {
	proba, err := res.Search.Estimator.PredictProba(Xtest)
	if err != nil {
		return err
	}
	m, err := Evaluate(ytest, proba)
	if err != nil {
		return err
	}
	res.Metrics = m

	data, err := model.NewArtifact(res.Family, res.Search.BestParams, prep, res.Search.Estimator).Encode()
	if err != nil {
		return err
	}
	res.Artifact = data
	return nil
}

// promote re-logs the winner as best_model, registers it and moves the new
// version to the configured stage.
func (e *Engine) promote(ctx context.Context, w *FamilyResult) (*domain.RegisteredModel, error) {
	ctx, span := tracer.Start(ctx, "selection.promote")
	defer span.End()

	var uri string
	if err := e.call(ctx, "log best model", func() (err error) {
		uri, err = e.tracker.LogModel(ctx, w.Run.RunID, BestModelArtifact, w.Artifact)
		return err
	}); err != nil {
		return nil, err
	}

	var rm *domain.RegisteredModel
	if err := e.call(ctx, "register model", func() (err error) {
		rm, err = e.tracker.RegisterModel(ctx, uri, e.cfg.ModelName)
		return err
	}); err != nil {
		return nil, err
	}

	if e.cfg.Stage != "" && e.cfg.Stage != domain.StageNone {
		if err := e.call(ctx, "transition stage", func() error {
			return e.tracker.TransitionStage(ctx, rm.Name, rm.Version, e.cfg.Stage)
		}); err != nil {
			return nil, err
		}
		rm.Stage = e.cfg.Stage
	}

	metrics.PromotionsTotal.Inc()
	slog.Info("model promoted",
		"name", rm.Name,
		"version", rm.Version,
		"stage", rm.Stage,
		"family", w.Family,
		"roc_auc", w.Metrics.ROCAUC,
		"source", rm.SourceURI,
	)
	return rm, nil
}

// call runs a tracker operation under the retry policy. Validation and
// not-found errors are not retried. Failures are wrapped with ErrRegistry.
func (e *Engine) call(ctx context.Context, op string, fn func() error) error {
	err := e.cfg.Retry.Do(ctx, func() error {
		err := fn()
		if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrRegistry, op, err)
	}
	return nil
}

// SelectWinner returns the index of the successful result with the strictly
// highest held-out ROC-AUC; ties keep the earlier family.
func SelectWinner(results []FamilyResult) (int, bool) {
	best := -1
	for i, r := range results {
		if r.Err != nil {
			continue
		}
		if best < 0 || r.Metrics.ROCAUC > results[best].Metrics.ROCAUC {
			best = i
		}
	}
	return best, best >= 0
}
