// Package pipeline composes the training stages: transaction log, RFM
// profiles, behavioral scores, proxy labels and model selection.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/credrisk/internal/domain"
	"github.com/opensource-finance/credrisk/internal/features"
	"github.com/opensource-finance/credrisk/internal/labeling"
	"github.com/opensource-finance/credrisk/internal/model"
	"github.com/opensource-finance/credrisk/internal/selection"
)

const snapshotLayout = "2006-01-02"

var tracer = otel.Tracer("credrisk/pipeline")

// Config holds the stage settings.
type Config struct {
	Snapshot time.Time // zero: one day after the latest transaction
	Labeling domain.LabelingConfig
	Training selection.Config
}

// ConfigFrom maps the service configuration.
func ConfigFrom(cfg *domain.Config) (Config, error) {
	out := Config{
		Labeling: cfg.Labeling,
		Training: selection.ConfigFrom(cfg.Training),
	}
	if cfg.Data.Snapshot != "" {
		t, err := time.Parse(snapshotLayout, cfg.Data.Snapshot)
		if err != nil {
			return Config{}, fmt.Errorf("%w: snapshot %q is not YYYY-MM-DD", domain.ErrValidation, cfg.Data.Snapshot)
		}
		out.Snapshot = t
	}
	return out, nil
}

// Pipeline runs the fixed stage sequence.
type Pipeline struct {
	cfg     Config
	labeler labeling.Labeler
	engine  *selection.Engine
}

// New builds a pipeline recording runs through tracker. Families default to
// model.DefaultFamilies.
func New(tracker domain.Tracker, cfg Config, families ...model.Family) (*Pipeline, error) {
	labeler, err := labeling.New(cfg.Labeling)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:     cfg,
		labeler: labeler,
		engine:  selection.NewEngine(tracker, cfg.Training, families...),
	}, nil
}

// Prepared is the labeled feature table.
type Prepared struct {
	Profiles []domain.CustomerProfile
	Scores   []domain.BehavioralScore
	Labels   []domain.ProxyLabel
	Dataset  selection.Dataset
}

// Positives counts high-risk labels.
func (p *Prepared) Positives() int {
	n := 0
	for _, l := range p.Labels {
		n += l.IsHighRisk
	}
	return n
}

// Prepare turns records into the standardized training matrix and labels.
// Labels and the matrix are both derived from the scored table; the matrix
// does not depend on the labels.
func (p *Pipeline) Prepare(ctx context.Context, records []domain.TransactionRecord) (*Prepared, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Prepare")
	defer span.End()

	profiles, err := features.NewAggregator(p.cfg.Snapshot).Aggregate(records)
	if err != nil {
		return nil, err
	}
	scores, err := features.NewScorer().Score(profiles)
	if err != nil {
		return nil, err
	}
	labels, err := p.labeler.Label(ctx, scores)
	if err != nil {
		return nil, err
	}

	y := make([]int, len(labels))
	for i, l := range labels {
		if l.CustomerID != scores[i].CustomerID {
			return nil, fmt.Errorf("%w: label %d is for %s, expected %s", domain.ErrValidation, i, l.CustomerID, scores[i].CustomerID)
		}
		y[i] = l.IsHighRisk
	}

	prep := features.NewPreprocessor(features.FeatureNames)
	X, err := prep.FitTransform(features.Matrix(scores))
	if err != nil {
		return nil, err
	}

	out := &Prepared{
		Profiles: profiles,
		Scores:   scores,
		Labels:   labels,
		Dataset:  selection.Dataset{X: X, Y: y, Preprocessor: prep},
	}

	positives := out.Positives()
	if positives == 0 || positives == len(y) {
		return out, fmt.Errorf("%w: proxy labels contain a single class (%d of %d high risk)",
			domain.ErrInsufficientData, positives, len(y))
	}

	span.SetAttributes(
		attribute.Int("customers", len(profiles)),
		attribute.Int("high_risk", positives),
	)
	slog.Info("training data prepared",
		"transactions", len(records),
		"customers", len(profiles),
		"high_risk", positives,
		"labeling", p.cfg.Labeling.Method,
	)
	return out, nil
}

// Result is the outcome of a full training pass.
type Result struct {
	Prepared *Prepared
	Outcome  *selection.Outcome
}

// Train prepares the data and runs model selection.
func (p *Pipeline) Train(ctx context.Context, records []domain.TransactionRecord) (*Result, error) {
	prepared, err := p.Prepare(ctx, records)
	if err != nil {
		return nil, err
	}
	outcome, err := p.engine.Run(ctx, prepared.Dataset)
	return &Result{Prepared: prepared, Outcome: outcome}, err
}
