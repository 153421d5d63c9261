package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/credrisk/internal/bus"
	"github.com/opensource-finance/credrisk/internal/domain"
	"github.com/opensource-finance/credrisk/internal/features"
	"github.com/opensource-finance/credrisk/internal/model"
	"github.com/opensource-finance/credrisk/internal/serving"
)

var scenario = []float64{30.0, 5.0, 1500.0, 300.0, 150.0, 0.0, 0.0, 1.0, 2.0}

// stubLoader serves a fixed artifact or a fixed error.
type stubLoader struct {
	mu  sync.Mutex
	art *model.Artifact
	err error
}

func (s *stubLoader) Load(context.Context, bool) (*model.Artifact, *domain.RegisteredModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, nil, s.err
	}
	return s.art, &domain.RegisteredModel{
		Name:      "CreditRiskBestModel",
		Version:   3,
		Stage:     domain.StageProduction,
		SourceURI: "runs:/abc/best_model",
	}, nil
}

func testArtifact(t *testing.T) *model.Artifact {
	t.Helper()
	rng := rand.New(rand.NewSource(1))

	X := make([][]float64, 40)
	y := make([]int, 40)
	for i := range X {
		y[i] = i % 2
		recency := 2 + rng.Float64()*10
		if y[i] == 1 {
			recency = 50 + rng.Float64()*20
		}
		X[i] = []float64{recency, 2 + rng.Float64()*8, 200 + rng.Float64()*1500, 80 + rng.Float64()*200,
			rng.Float64() * 100, float64(y[i]), 0, 0, float64(y[i])}
	}

	prep := features.NewPreprocessor(features.FeatureNames)
	Xs, err := prep.FitTransform(X)
	if err != nil {
		t.Fatalf("FitTransform failed: %v", err)
	}
	clf := model.NewLogisticRegression(1, 1000)
	if err := clf.Fit(Xs, y); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	return model.NewArtifact(model.FamilyLogisticRegression, model.Params{"C": 1}, prep, clf)
}

func createTestServer(t *testing.T, loader serving.Loader, eventBus domain.EventBus) *Server {
	t.Helper()
	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}
	handle := serving.NewHandle(loader, time.Hour)
	return NewServer(cfg, nil, nil, eventBus, handle, "test-v1")
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func TestPredictEndpoint(t *testing.T) {
	server := createTestServer(t, &stubLoader{art: testArtifact(t)}, nil)

	t.Run("ScenarioVector", func(t *testing.T) {
		body, _ := json.Marshal(PredictRequest{Features: scenario})
		rr := do(server, http.MethodPost, "/predict", string(body))

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp PredictResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.RiskProbability < 0 || resp.RiskProbability > 1 {
			t.Errorf("probability out of range: %f", resp.RiskProbability)
		}
		if got := rr.Header().Get(ModelVersionHeader); got != "3" {
			t.Errorf("expected model version 3 in header, got %q", got)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/predict", "{not json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingFeatures", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/predict", `{}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("WrongWidth", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/predict", `{"features":[1,2,3]}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})
}

func TestPredictWithoutModel(t *testing.T) {
	server := createTestServer(t, &stubLoader{err: domain.ErrNotFound}, nil)

	body, _ := json.Marshal(PredictRequest{Features: scenario})
	rr := do(server, http.MethodPost, "/predict", string(body))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}

	rr = do(server, http.MethodGet, "/models/current", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}

	rr = do(server, http.MethodGet, "/ready", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}
}

func TestPredictInternalError(t *testing.T) {
	server := createTestServer(t, &stubLoader{err: errors.New("disk on fire")}, nil)

	rr := do(server, http.MethodPost, "/models/reload", "")
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "disk on fire") {
		t.Error("internal cause leaked into response body")
	}
}

func TestHealthEndpoint(t *testing.T) {
	loader := &stubLoader{err: domain.ErrNotFound}
	server := createTestServer(t, loader, nil)

	rr := do(server, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Status != "healthy" || resp.ModelLoaded || resp.Version != "test-v1" {
		t.Errorf("unexpected health response %+v", resp)
	}

	loader.mu.Lock()
	loader.art, loader.err = testArtifact(t), nil
	loader.mu.Unlock()

	if rr := do(server, http.MethodPost, "/models/reload", ""); rr.Code != http.StatusOK {
		t.Fatalf("reload: expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = do(server, http.MethodGet, "/health", "")
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !resp.ModelLoaded {
		t.Error("expected model_loaded after reload")
	}
}

func TestCurrentModel(t *testing.T) {
	server := createTestServer(t, &stubLoader{art: testArtifact(t)}, nil)

	if rr := do(server, http.MethodPost, "/models/reload", ""); rr.Code != http.StatusOK {
		t.Fatalf("reload: expected status 200, got %d", rr.Code)
	}

	rr := do(server, http.MethodGet, "/models/current", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp ModelResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Version != 3 || resp.Stage != domain.StageProduction || resp.Family != model.FamilyLogisticRegression {
		t.Errorf("unexpected model response %+v", resp)
	}
	if len(resp.Features) != len(features.FeatureNames) {
		t.Errorf("expected %d features, got %d", len(features.FeatureNames), len(resp.Features))
	}
}

func TestTrainEndpoint(t *testing.T) {
	eventBus := bus.NewChannelBus(8)
	defer eventBus.Close()

	received := make(chan domain.TrainingRequest, 1)
	if _, err := eventBus.Subscribe(context.Background(), domain.TopicTrainingRequested, func(_ context.Context, msg *domain.Message) error {
		var req domain.TrainingRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		received <- req
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	server := createTestServer(t, &stubLoader{err: domain.ErrNotFound}, eventBus)
	rr := do(server, http.MethodPost, "/train", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rr.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	select {
	case req := <-received:
		if req.RequestID != resp["requestId"] {
			t.Errorf("expected request id %s, got %s", resp["requestId"], req.RequestID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("training request not published")
	}
}

func TestTrainWithoutBus(t *testing.T) {
	server := createTestServer(t, &stubLoader{err: domain.ErrNotFound}, nil)
	if rr := do(server, http.MethodPost, "/train", ""); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}
}

func TestMiddlewareHeaders(t *testing.T) {
	server := createTestServer(t, &stubLoader{err: domain.ErrNotFound}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-123")
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if got := rr.Header().Get(middleware.RequestIDHeader); got != "req-123" {
		t.Errorf("expected request id to be echoed, got %q", got)
	}
	if rr.Header().Get(TraceIDHeader) == "" {
		t.Error("expected trace id header")
	}
	if rr.Header().Get(ModelVersionHeader) != "" {
		t.Error("model version header set outside /predict")
	}
}

func TestAccessLogRecordsScoring(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	server := createTestServer(t, &stubLoader{art: testArtifact(t)}, nil)

	lastLine := func() map[string]any {
		t.Helper()
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		var entry map[string]any
		if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
			t.Fatalf("access log is not JSON: %v", err)
		}
		return entry
	}

	body, _ := json.Marshal(PredictRequest{Features: scenario})
	if rr := do(server, http.MethodPost, "/predict", string(body)); rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	entry := lastLine()
	if entry["msg"] != "http request" || entry["outcome"] != "ok" {
		t.Errorf("unexpected access log entry: %v", entry)
	}
	if entry["model_version"] != float64(3) {
		t.Errorf("expected model_version 3, got %v", entry["model_version"])
	}
	if _, ok := entry["risk_probability"]; !ok {
		t.Error("expected risk_probability in access log")
	}

	body, _ = json.Marshal(PredictRequest{Features: scenario[:4]})
	if rr := do(server, http.MethodPost, "/predict", string(body)); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	entry = lastLine()
	if entry["outcome"] != "invalid" || entry["status"] != float64(400) {
		t.Errorf("unexpected access log entry: %v", entry)
	}
	if _, ok := entry["risk_probability"]; ok {
		t.Error("rejected request logged a probability")
	}

	do(server, http.MethodGet, "/health", "")
	if _, ok := lastLine()["outcome"]; ok {
		t.Error("non-scoring request logged an outcome")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server := createTestServer(t, &stubLoader{err: domain.ErrNotFound}, nil)
	do(server, http.MethodGet, "/health", "")

	rr := do(server, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "credrisk_http_requests_total") {
		t.Error("expected http request counter in metrics output")
	}
}
