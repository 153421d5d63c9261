package domain

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Training.ModelName != "CreditRiskBestModel" {
		t.Errorf("expected model name CreditRiskBestModel, got %s", cfg.Training.ModelName)
	}
	if cfg.Training.Experiment != "credit-risk-model" {
		t.Errorf("expected experiment credit-risk-model, got %s", cfg.Training.Experiment)
	}
	if cfg.Training.Stage != StageProduction {
		t.Errorf("expected stage Production, got %s", cfg.Training.Stage)
	}
	if cfg.Data.Columns.Timestamp != "TransactionStartTime" {
		t.Errorf("unexpected timestamp column %s", cfg.Data.Columns.Timestamp)
	}
	if cfg.Labeling.Seed != 42 || cfg.Training.Seed != 42 {
		t.Error("expected seed 42 for labeling and training")
	}
}

func TestLoadConfig(t *testing.T) {
	t.Run("YAMLOverlay", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "credrisk.yaml")
		content := `
server:
  port: 9090
labeling:
  method: threshold
  expression: "risk_score >= 3"
training:
  search_mode: random
  n_iter: 4
  retry_delay: 50ms
`
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}

		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Server.Port != 9090 {
			t.Errorf("expected port 9090, got %d", cfg.Server.Port)
		}
		if cfg.Labeling.Method != LabelByThreshold {
			t.Errorf("expected threshold method, got %s", cfg.Labeling.Method)
		}
		if cfg.Training.NIter != 4 {
			t.Errorf("expected n_iter 4, got %d", cfg.Training.NIter)
		}
		if cfg.Training.RetryDelay != 50*time.Millisecond {
			t.Errorf("expected retry delay 50ms, got %s", cfg.Training.RetryDelay)
		}
		// untouched values keep their defaults
		if cfg.Training.Folds != 3 {
			t.Errorf("expected default folds 3, got %d", cfg.Training.Folds)
		}
	})

	t.Run("EnvOverride", func(t *testing.T) {
		t.Setenv("CREDRISK_PORT", "7070")
		t.Setenv("CREDRISK_MODEL_STAGE", "Staging")
		t.Setenv("CREDRISK_KAFKA_BROKERS", "k1:9092,k2:9092")

		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Server.Port != 7070 {
			t.Errorf("expected port 7070, got %d", cfg.Server.Port)
		}
		if cfg.Serving.Stage != "Staging" {
			t.Errorf("expected stage Staging, got %s", cfg.Serving.Stage)
		}
		if len(cfg.EventBus.KafkaBrokers) != 2 {
			t.Errorf("expected 2 brokers, got %v", cfg.EventBus.KafkaBrokers)
		}
	})

	t.Run("BadEnvInt", func(t *testing.T) {
		t.Setenv("CREDRISK_PORT", "eighty")

		_, err := LoadConfig("")
		if !errors.Is(err, ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		if err == nil {
			t.Error("expected error for missing file")
		}
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"UnknownDriver", func(c *Config) { c.Repository.Driver = "mysql" }},
		{"UnknownLabelMethod", func(c *Config) { c.Labeling.Method = "manual" }},
		{"SingleCluster", func(c *Config) { c.Labeling.Clusters = 1 }},
		{"EmptyExpression", func(c *Config) {
			c.Labeling.Method = LabelByThreshold
			c.Labeling.Expression = " "
		}},
		{"UnknownSearch", func(c *Config) { c.Training.SearchMode = "bayes" }},
		{"OneFold", func(c *Config) { c.Training.Folds = 1 }},
		{"TestSizeOutOfRange", func(c *Config) { c.Training.TestSize = 1 }},
		{"BadSnapshot", func(c *Config) { c.Data.Snapshot = "01/02/2023" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestProductionConfig(t *testing.T) {
	cfg := ProductionConfig()

	if cfg.Repository.Driver != "postgres" {
		t.Errorf("expected postgres, got %s", cfg.Repository.Driver)
	}
	if cfg.EventBus.Type != "nats" {
		t.Errorf("expected nats, got %s", cfg.EventBus.Type)
	}
	if !cfg.Cache.EnableTwoPhase {
		t.Error("expected two-phase cache")
	}
}
