package serving

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/credrisk/internal/domain"
	"github.com/opensource-finance/credrisk/internal/model"
)

// Loader fetches the model the server should serve. fresh bypasses any cache.
type Loader interface {
	Load(ctx context.Context, fresh bool) (*model.Artifact, *domain.RegisteredModel, error)
}

// RegistryLoader loads name@stage from the tracker's registry and keeps the
// raw artifact in a cache so replicas avoid hitting the database.
type RegistryLoader struct {
	tracker domain.Tracker
	cache   domain.Cache
	name    string
	stage   string
	ttl     time.Duration
}

// envelope is the cached form of a registry lookup.
type envelope struct {
	Model   domain.RegisteredModel `json:"model"`
	Payload []byte                 `json:"payload"`
}

// NewRegistryLoader creates a loader for name at stage ("latest", a stage
// name or a version number). cache may be nil.
func NewRegistryLoader(tracker domain.Tracker, cache domain.Cache, name, stage string, ttl time.Duration) *RegistryLoader {
	return &RegistryLoader{tracker: tracker, cache: cache, name: name, stage: stage, ttl: ttl}
}

// Name returns the registered model name this loader serves.
func (l *RegistryLoader) Name() string {
	return l.name
}

func (l *RegistryLoader) cacheKey() string {
	return "model:" + l.name + ":" + l.stage
}

// Load resolves and decodes the model.
func (l *RegistryLoader) Load(ctx context.Context, fresh bool) (*model.Artifact, *domain.RegisteredModel, error) {
	if !fresh && l.cache != nil {
		if art, rm, ok := l.fromCache(ctx); ok {
			return art, rm, nil
		}
	}

	rm, payload, err := l.tracker.LoadModel(ctx, l.name, l.stage)
	if err != nil {
		return nil, nil, err
	}
	art, err := model.Decode(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("decode %s v%d: %w", rm.Name, rm.Version, err)
	}

	if l.cache != nil {
		if data, err := json.Marshal(envelope{Model: *rm, Payload: payload}); err == nil {
			if err := l.cache.Set(ctx, l.cacheKey(), data, l.ttl); err != nil {
				slog.Warn("failed to cache model artifact", "name", rm.Name, "version", rm.Version, "error", err)
			}
		}
	}
	return art, rm, nil
}

func (l *RegistryLoader) fromCache(ctx context.Context) (*model.Artifact, *domain.RegisteredModel, bool) {
	data, err := l.cache.Get(ctx, l.cacheKey())
	if err != nil {
		slog.Warn("model cache read failed", "key", l.cacheKey(), "error", err)
		return nil, nil, false
	}
	if data == nil {
		return nil, nil, false
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		_ = l.cache.Delete(ctx, l.cacheKey())
		return nil, nil, false
	}
	art, err := model.Decode(env.Payload)
	if err != nil {
		_ = l.cache.Delete(ctx, l.cacheKey())
		return nil, nil, false
	}
	return art, &env.Model, true
}
