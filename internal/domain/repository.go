// Package domain defines the core interfaces and types for credrisk.
package domain

import (
	"context"
	"time"
)

// Tracker records experiments, runs and artifacts and manages the model registry.
type Tracker interface {
	// CreateExperiment returns the experiment with the given name, creating it if needed.
	CreateExperiment(ctx context.Context, name string) (*Experiment, error)

	// Run lifecycle
	StartRun(ctx context.Context, experimentID, name string) (*TrainingRun, error)
	LogParams(ctx context.Context, runID string, params map[string]string) error
	LogMetrics(ctx context.Context, runID string, metrics map[string]float64) error
	LogModel(ctx context.Context, runID, name string, payload []byte) (string, error)
	EndRun(ctx context.Context, runID string, status RunStatus, errText string) error
	GetRun(ctx context.Context, runID string) (*TrainingRun, error)

	// Registry
	RegisterModel(ctx context.Context, sourceURI, name string) (*RegisteredModel, error)
	TransitionStage(ctx context.Context, name string, version int, stage string) error

	// LoadModel resolves stageOrVersion ("latest", a stage name or a version
	// number) and returns the registry entry with its artifact payload.
	LoadModel(ctx context.Context, name, stageOrVersion string) (*RegisteredModel, []byte, error)
}

// TransactionStore persists the raw transaction log.
type TransactionStore interface {
	SaveTransactions(ctx context.Context, records []TransactionRecord) (int, error)
	ListTransactions(ctx context.Context) ([]TransactionRecord, error)
}

// Repository is the SQL-backed tracker plus transaction store.
type Repository interface {
	Tracker
	TransactionStore

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     int    `yaml:"postgres_port"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db"`
	PostgresSSLMode  string `yaml:"postgres_sslmode"`

	// PostgresDSN, when set, is used as-is instead of the fields above.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}
