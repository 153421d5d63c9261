// Package serving holds the model the HTTP layer predicts with.
package serving

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/credrisk/internal/domain"
	"github.com/opensource-finance/credrisk/internal/metrics"
	"github.com/opensource-finance/credrisk/internal/model"
)

// Handle is a lazily loaded, reloadable model shared by request handlers.
// A failed load leaves the handle in the "not loaded" state and is retried
// at most once per retry interval.
type Handle struct {
	loader        Loader
	retryInterval time.Duration

	mu          sync.RWMutex
	artifact    *model.Artifact
	registered  *domain.RegisteredModel
	lastAttempt time.Time
	lastErr     error
}

// NewHandle creates an empty handle over loader.
func NewHandle(loader Loader, retryInterval time.Duration) *Handle {
	if retryInterval <= 0 {
		retryInterval = 30 * time.Second
	}
	return &Handle{loader: loader, retryInterval: retryInterval}
}

// Loaded reports whether a model is available.
func (h *Handle) Loaded() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.artifact != nil
}

// Current returns the served model and its registry entry.
func (h *Handle) Current() (*model.Artifact, *domain.RegisteredModel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.artifact, h.registered, h.artifact != nil
}

// LastError returns the error of the most recent failed load.
func (h *Handle) LastError() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastErr
}

// Reload fetches the model from the registry, bypassing caches. The
// currently served model is kept when the reload fails.
func (h *Handle) Reload(ctx context.Context) error {
	return h.load(ctx, true)
}

func (h *Handle) load(ctx context.Context, fresh bool) error {
	art, rm, err := h.loader.Load(ctx, fresh)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastAttempt = time.Now()
	if err != nil {
		h.lastErr = err
		return err
	}

	h.artifact, h.registered, h.lastErr = art, rm, nil
	metrics.ServedModelVersion.Set(float64(rm.Version))
	slog.Info("model loaded",
		"name", rm.Name,
		"version", rm.Version,
		"stage", rm.Stage,
		"family", art.Family,
	)
	return nil
}

// ensure lazily loads the model on first use.
func (h *Handle) ensure(ctx context.Context) {
	h.mu.RLock()
	ready := h.artifact != nil
	recent := !h.lastAttempt.IsZero() && time.Since(h.lastAttempt) < h.retryInterval
	h.mu.RUnlock()
	if ready || recent {
		return
	}

	if err := h.load(ctx, false); err != nil {
		slog.Warn("model not available", "error", err)
	}
}

// Score is one prediction together with the model version that produced it.
// Outcome is set on failures too: ok, invalid, unavailable or error.
type Score struct {
	Probability float64
	Version     int
	Outcome     string
}

// Predict returns the positive-class probability for one raw feature vector.
func (h *Handle) Predict(ctx context.Context, features []float64) (float64, error) {
	s, err := h.Score(ctx, features)
	return s.Probability, err
}

// Score predicts with the served model, reporting its version and outcome.
func (h *Handle) Score(ctx context.Context, features []float64) (Score, error) {
	h.ensure(ctx)

	h.mu.RLock()
	art, rm := h.artifact, h.registered
	h.mu.RUnlock()

	s := Score{Outcome: "unavailable"}
	if art == nil {
		metrics.PredictionsTotal.WithLabelValues(s.Outcome).Inc()
		return s, domain.ErrModelNotLoaded
	}
	if rm != nil {
		s.Version = rm.Version
	}

	p, err := art.Predict(features)
	switch {
	case errors.Is(err, domain.ErrValidation):
		s.Outcome = "invalid"
	case err != nil:
		s.Outcome = "error"
	default:
		s.Outcome = "ok"
		s.Probability = p
	}
	metrics.PredictionsTotal.WithLabelValues(s.Outcome).Inc()
	return s, err
}

// Subscribe reloads the handle whenever a version of name is promoted.
func (h *Handle) Subscribe(ctx context.Context, bus domain.EventBus, name string) (domain.Subscription, error) {
	return bus.Subscribe(ctx, domain.TopicModelPromoted, func(ctx context.Context, msg *domain.Message) error {
		var ev domain.ModelPromoted
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return fmt.Errorf("%w: malformed promotion event: %v", domain.ErrValidation, err)
		}
		if ev.Model.Name != name {
			return nil
		}
		slog.Info("promotion received, reloading model", "name", ev.Model.Name, "version", ev.Model.Version)
		return h.Reload(ctx)
	})
}
