package repository

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/credrisk/internal/domain"
)

func newSQLite(t *testing.T) *SQLRepository {
	t.Helper()

	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "credrisk-test.db"),
	}

	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	exerciseRepository(t, newSQLite(t))
}

// exerciseRepository runs the shared behavior checks against any driver.
func exerciseRepository(t *testing.T, repo *SQLRepository) {
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndListTransactions", func(t *testing.T) {
		base := time.Date(2023, 1, 1, 10, 0, 0, 0, time.UTC)
		records := []domain.TransactionRecord{
			{CustomerID: "C2", Amount: decimal.RequireFromString("-250.75"), Timestamp: base.Add(48 * time.Hour)},
			{CustomerID: "C1", Amount: decimal.RequireFromString("1000.10"), Timestamp: base},
		}

		n, err := repo.SaveTransactions(ctx, records)
		if err != nil {
			t.Fatalf("SaveTransactions failed: %v", err)
		}
		if n != 2 {
			t.Errorf("expected 2 saved, got %d", n)
		}

		got, err := repo.ListTransactions(ctx)
		if err != nil {
			t.Fatalf("ListTransactions failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 transactions, got %d", len(got))
		}
		if got[0].CustomerID != "C1" || !got[0].Timestamp.Equal(base) {
			t.Errorf("expected C1 first at %v, got %s at %v", base, got[0].CustomerID, got[0].Timestamp)
		}
		if !got[1].Amount.Equal(decimal.RequireFromString("-250.75")) {
			t.Errorf("expected amount -250.75, got %s", got[1].Amount)
		}
	})

	t.Run("RejectsInvalidTransactions", func(t *testing.T) {
		_, err := repo.SaveTransactions(ctx, []domain.TransactionRecord{{Amount: decimal.NewFromInt(1), Timestamp: time.Now()}})
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ErrValidation, got: %v", err)
		}
	})

	t.Run("CreateExperimentIsIdempotent", func(t *testing.T) {
		first, err := repo.CreateExperiment(ctx, "credit-risk-model")
		if err != nil {
			t.Fatalf("CreateExperiment failed: %v", err)
		}
		second, err := repo.CreateExperiment(ctx, "credit-risk-model")
		if err != nil {
			t.Fatalf("CreateExperiment failed: %v", err)
		}
		if first.ID != second.ID {
			t.Errorf("expected same experiment id, got %s and %s", first.ID, second.ID)
		}
	})

	exp, err := repo.CreateExperiment(ctx, "registry")
	if err != nil {
		t.Fatalf("CreateExperiment failed: %v", err)
	}

	newRun := func(t *testing.T, name string) string {
		t.Helper()
		run, err := repo.StartRun(ctx, exp.ID, name)
		if err != nil {
			t.Fatalf("StartRun failed: %v", err)
		}
		if _, err := repo.LogModel(ctx, run.RunID, "best_model", []byte(`{"family":"`+name+`"}`)); err != nil {
			t.Fatalf("LogModel failed: %v", err)
		}
		if err := repo.EndRun(ctx, run.RunID, domain.RunFinished, ""); err != nil {
			t.Fatalf("EndRun failed: %v", err)
		}
		return run.RunID
	}

	t.Run("RunLifecycle", func(t *testing.T) {
		run, err := repo.StartRun(ctx, exp.ID, "RandomForest")
		if err != nil {
			t.Fatalf("StartRun failed: %v", err)
		}
		if run.Status != domain.RunRunning {
			t.Errorf("expected RUNNING, got %s", run.Status)
		}

		if err := repo.LogParams(ctx, run.RunID, map[string]string{"max_depth": "None", "n_estimators": "100"}); err != nil {
			t.Fatalf("LogParams failed: %v", err)
		}
		if err := repo.LogMetrics(ctx, run.RunID, map[string]float64{"roc_auc": 0.5}); err != nil {
			t.Fatalf("LogMetrics failed: %v", err)
		}
		if err := repo.LogMetrics(ctx, run.RunID, map[string]float64{"roc_auc": 0.91}); err != nil {
			t.Fatalf("LogMetrics failed: %v", err)
		}
		uri, err := repo.LogModel(ctx, run.RunID, "RandomForest", []byte("{}"))
		if err != nil {
			t.Fatalf("LogModel failed: %v", err)
		}
		if uri != "runs:/"+run.RunID+"/RandomForest" {
			t.Errorf("unexpected uri %s", uri)
		}
		if err := repo.EndRun(ctx, run.RunID, domain.RunFailed, "boom"); err != nil {
			t.Fatalf("EndRun failed: %v", err)
		}

		got, err := repo.GetRun(ctx, run.RunID)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if got.Status != domain.RunFailed || got.Error != "boom" {
			t.Errorf("expected FAILED with error, got %s %q", got.Status, got.Error)
		}
		if got.EndedAt == nil {
			t.Error("expected EndedAt to be set")
		}
		if got.Params["max_depth"] != "None" {
			t.Errorf("expected max_depth None, got %q", got.Params["max_depth"])
		}
		if got.Metrics["roc_auc"] != 0.91 {
			t.Errorf("expected roc_auc 0.91, got %v", got.Metrics["roc_auc"])
		}
		if got.ArtifactURI != uri {
			t.Errorf("expected artifact uri %s, got %s", uri, got.ArtifactURI)
		}
	})

	t.Run("RunNotFound", func(t *testing.T) {
		if _, err := repo.GetRun(ctx, "nonexistent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
		if err := repo.LogParams(ctx, "nonexistent", map[string]string{"a": "b"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
		if err := repo.EndRun(ctx, "nonexistent", domain.RunFinished, ""); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
		if _, err := repo.StartRun(ctx, "missing-experiment", "x"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})

	t.Run("RegistryVersionsAndStages", func(t *testing.T) {
		const name = "CreditRiskBestModel"

		run1 := newRun(t, "LogisticRegression")
		v1, err := repo.RegisterModel(ctx, domain.RunArtifactURI(run1, "best_model"), name)
		if err != nil {
			t.Fatalf("RegisterModel failed: %v", err)
		}
		if v1.Version != 1 || v1.Stage != domain.StageNone || v1.SourceRunID != run1 {
			t.Errorf("unexpected first version: %+v", v1)
		}
		if err := repo.TransitionStage(ctx, name, 1, domain.StageProduction); err != nil {
			t.Fatalf("TransitionStage failed: %v", err)
		}

		run2 := newRun(t, "RandomForest")
		v2, err := repo.RegisterModel(ctx, domain.RunArtifactURI(run2, "best_model"), name)
		if err != nil {
			t.Fatalf("RegisterModel failed: %v", err)
		}
		if v2.Version != 2 {
			t.Errorf("expected version 2, got %d", v2.Version)
		}
		if err := repo.TransitionStage(ctx, name, 2, domain.StageProduction); err != nil {
			t.Fatalf("TransitionStage failed: %v", err)
		}

		prod, payload, err := repo.LoadModel(ctx, name, domain.StageProduction)
		if err != nil {
			t.Fatalf("LoadModel failed: %v", err)
		}
		if prod.Version != 2 || !strings.Contains(string(payload), "RandomForest") {
			t.Errorf("expected version 2 RandomForest payload, got v%d %s", prod.Version, payload)
		}

		old, payload, err := repo.LoadModel(ctx, name, "1")
		if err != nil {
			t.Fatalf("LoadModel by version failed: %v", err)
		}
		if old.Stage != domain.StageArchived {
			t.Errorf("expected version 1 archived, got %s", old.Stage)
		}
		if !strings.Contains(string(payload), "LogisticRegression") {
			t.Errorf("unexpected payload %s", payload)
		}

		latest, _, err := repo.LoadModel(ctx, name, "latest")
		if err != nil {
			t.Fatalf("LoadModel latest failed: %v", err)
		}
		if latest.Version != 2 {
			t.Errorf("expected latest version 2, got %d", latest.Version)
		}

		if _, _, err := repo.LoadModel(ctx, name, domain.StageStaging); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for empty stage, got: %v", err)
		}
		if _, _, err := repo.LoadModel(ctx, "unknown", "latest"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown model, got: %v", err)
		}
	})

	t.Run("RegistryValidation", func(t *testing.T) {
		if _, err := repo.RegisterModel(ctx, "s3://bucket/model", "m"); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ErrValidation for bad uri, got: %v", err)
		}
		if _, err := repo.RegisterModel(ctx, "runs:/nope/best_model", "m"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing artifact, got: %v", err)
		}
		if err := repo.TransitionStage(ctx, "CreditRiskBestModel", 1, "Canary"); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ErrValidation for unknown stage, got: %v", err)
		}
		if err := repo.TransitionStage(ctx, "CreditRiskBestModel", 99, domain.StageStaging); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown version, got: %v", err)
		}
	})
}

func TestParseRunURI(t *testing.T) {
	runID, name, err := ParseRunURI("runs:/abc-123/best_model")
	if err != nil {
		t.Fatalf("ParseRunURI failed: %v", err)
	}
	if runID != "abc-123" || name != "best_model" {
		t.Errorf("got %q %q", runID, name)
	}

	for _, bad := range []string{"", "runs:/", "runs:/abc", "runs://best_model", "file:///tmp/x"} {
		if _, _, err := ParseRunURI(bad); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("ParseRunURI(%q): expected ErrValidation, got %v", bad, err)
		}
	}
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestPostgresSchemaTypes(t *testing.T) {
	for _, s := range AllSchemas("postgres") {
		if strings.Contains(s, "BLOB") {
			t.Errorf("postgres schema still uses BLOB:\n%s", s)
		}
	}
	joined := strings.Join(AllSchemas("sqlite"), "\n")
	if !strings.Contains(joined, "payload BLOB") {
		t.Error("sqlite schema should store payloads as BLOB")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
