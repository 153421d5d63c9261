package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/opensource-finance/credrisk/internal/domain"
	"github.com/opensource-finance/credrisk/internal/serving"
	"github.com/opensource-finance/credrisk/internal/worker"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	model   *serving.Handle
	version string
}

// NewHandler creates a new API handler. repo, cache and bus may be nil.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, model *serving.Handle, version string) *Handler {
	return &Handler{
		repo:    repo,
		cache:   cache,
		bus:     bus,
		model:   model,
		version: version,
	}
}

// PredictRequest is the request body for POST /predict.
type PredictRequest struct {
	Features []float64 `json:"features"`
}

// PredictResponse is the response for POST /predict.
type PredictResponse struct {
	RiskProbability float64 `json:"risk_probability"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	Version     string `json:"version"`
}

// ModelResponse describes the model being served.
type ModelResponse struct {
	Name     string   `json:"name"`
	Version  int      `json:"version"`
	Stage    string   `json:"stage"`
	Source   string   `json:"source"`
	Family   string   `json:"family"`
	Features []string `json:"features"`
}

// Predict handles POST /predict requests.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	var req PredictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.Features == nil {
		writeError(w, http.StatusBadRequest, "features is required")
		return
	}

	score, err := h.model.Score(r.Context(), req.Features)
	noteScore(w, r, score)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, PredictResponse{RiskProbability: score.Probability})
}

// CurrentModel handles GET /models/current.
func (h *Handler) CurrentModel(w http.ResponseWriter, r *http.Request) {
	art, rm, ok := h.model.Current()
	if !ok {
		h.writeDomainError(w, r, domain.ErrModelNotLoaded)
		return
	}
	writeJSON(w, http.StatusOK, ModelResponse{
		Name:     rm.Name,
		Version:  rm.Version,
		Stage:    rm.Stage,
		Source:   rm.SourceURI,
		Family:   art.Family,
		Features: art.Features,
	})
}

// ReloadModel handles POST /models/reload.
func (h *Handler) ReloadModel(w http.ResponseWriter, r *http.Request) {
	if err := h.model.Reload(r.Context()); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			err = domain.ErrModelNotLoaded
		}
		h.writeDomainError(w, r, err)
		return
	}
	h.CurrentModel(w, r)
}

// Train handles POST /train by publishing a training request.
func (h *Handler) Train(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	id, err := worker.Request(r.Context(), h.bus)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"requestId": id,
		"status":    "accepted",
	})
}

// Health handles GET /health requests.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:      status,
		ModelLoaded: h.model.Loaded(),
		Version:     h.version,
	})
}

// Ready reports whether a model is being served.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.model.Loaded() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

// writeDomainError maps the error taxonomy onto status codes. Internal
// causes are logged, not returned.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrModelNotLoaded):
		writeError(w, http.StatusServiceUnavailable, "model not loaded")
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("request failed",
			"path", r.URL.Path,
			"trace_id", traceID(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
