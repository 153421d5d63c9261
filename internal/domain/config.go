package domain

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the complete credrisk configuration.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository"`
	Cache      CacheConfig      `yaml:"cache"`
	EventBus   EventBusConfig   `yaml:"event_bus"`

	// Pipeline
	Data     DataConfig     `yaml:"data"`
	Labeling LabelingConfig `yaml:"labeling"`
	Training TrainingConfig `yaml:"training"`
	Serving  ServingConfig  `yaml:"serving"`

	// Observability
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
	// AsyncWorker runs the training worker inside the server process.
	AsyncWorker bool `yaml:"async_worker"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	// Endpoint is the OTLP gRPC collector address (host:port).
	Endpoint string `yaml:"endpoint"`
}

// DataConfig describes the transaction log input.
type DataConfig struct {
	Columns ColumnBindings `yaml:"columns"`
	// Snapshot overrides the reference date for recency (YYYY-MM-DD).
	Snapshot string `yaml:"snapshot"`
}

// Labeling methods.
const (
	LabelByCluster   = "cluster"
	LabelByThreshold = "threshold"
)

// LabelingConfig selects and tunes the proxy labeler.
type LabelingConfig struct {
	Method     string `yaml:"method"` // cluster, threshold
	Clusters   int    `yaml:"clusters"`
	NInit      int    `yaml:"n_init"`
	Seed       int64  `yaml:"seed"`
	Expression string `yaml:"expression"` // CEL, threshold method only
}

// Search modes.
const (
	SearchGrid   = "grid"
	SearchRandom = "random"
)

// TrainingConfig tunes the model selection engine.
type TrainingConfig struct {
	Experiment string  `yaml:"experiment"`
	ModelName  string  `yaml:"model_name"`
	Stage      string  `yaml:"stage"`
	SearchMode string  `yaml:"search_mode"` // grid, random
	NIter      int     `yaml:"n_iter"`
	Folds      int     `yaml:"folds"`
	TestSize   float64 `yaml:"test_size"`
	Seed       int64   `yaml:"seed"`
	Workers    int     `yaml:"workers"`

	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// ServingConfig selects which registered model the server loads.
type ServingConfig struct {
	ModelName string        `yaml:"model_name"`
	Stage     string        `yaml:"stage"` // stage name, version number or "latest"
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// DefaultConfig returns a default single-node configuration:
// SQLite, in-memory cache and channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
			AsyncWorker:  true,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./credrisk.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 64,
			LocalTTL:     10 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 100,
		},
		Data: DataConfig{
			Columns: DefaultColumnBindings(),
		},
		Labeling: LabelingConfig{
			Method:     LabelByCluster,
			Clusters:   3,
			NInit:      10,
			Seed:       42,
			Expression: "risk_score >= 2",
		},
		Training: TrainingConfig{
			Experiment:    "credit-risk-model",
			ModelName:     "CreditRiskBestModel",
			Stage:         StageProduction,
			SearchMode:    SearchGrid,
			NIter:         10,
			Folds:         3,
			TestSize:      0.2,
			Seed:          42,
			Workers:       1,
			RetryAttempts: 3,
			RetryDelay:    200 * time.Millisecond,
		},
		Serving: ServingConfig{
			ModelName: "CreditRiskBestModel",
			Stage:     StageProduction,
			CacheTTL:  10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "credrisk",
		},
	}
}

// ProductionConfig returns a configuration for a distributed deployment:
// PostgreSQL, Redis-backed two-phase cache and NATS.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "credrisk",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   16,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Server.AsyncWorker = false
	cfg.Tracing.Enabled = true
	return cfg
}

// LoadConfig builds the configuration from defaults, an optional YAML file
// and CREDRISK_* environment variables, in that order of precedence.
// A .env file in the working directory is loaded first if present.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if os.Getenv("CREDRISK_PROFILE") == "production" {
		cfg = ProductionConfig()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: config file %s: %v", ErrValidation, path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks option values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	var errs []error

	switch c.Repository.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported repository driver %q", c.Repository.Driver))
	}
	switch c.Labeling.Method {
	case LabelByCluster, LabelByThreshold:
	default:
		errs = append(errs, fmt.Errorf("unknown labeling method %q", c.Labeling.Method))
	}
	if c.Labeling.Method == LabelByCluster && c.Labeling.Clusters < 2 {
		errs = append(errs, fmt.Errorf("labeling.clusters must be at least 2"))
	}
	if c.Labeling.Method == LabelByThreshold && strings.TrimSpace(c.Labeling.Expression) == "" {
		errs = append(errs, fmt.Errorf("labeling.expression is required for the threshold method"))
	}
	switch c.Training.SearchMode {
	case SearchGrid, SearchRandom:
	default:
		errs = append(errs, fmt.Errorf("unknown search mode %q", c.Training.SearchMode))
	}
	if c.Training.Folds < 2 {
		errs = append(errs, fmt.Errorf("training.folds must be at least 2"))
	}
	if c.Training.TestSize <= 0 || c.Training.TestSize >= 1 {
		errs = append(errs, fmt.Errorf("training.test_size must be in (0, 1)"))
	}
	if c.Training.ModelName == "" || c.Serving.ModelName == "" {
		errs = append(errs, fmt.Errorf("model name is required"))
	}
	if c.Data.Snapshot != "" {
		if _, err := time.Parse(time.DateOnly, c.Data.Snapshot); err != nil {
			errs = append(errs, fmt.Errorf("data.snapshot must be YYYY-MM-DD: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrValidation, errors.Join(errs...))
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Server.Host = getEnv("CREDRISK_HOST", cfg.Server.Host)
	cfg.Repository.Driver = getEnv("CREDRISK_DB_DRIVER", cfg.Repository.Driver)
	cfg.Repository.SQLitePath = getEnv("CREDRISK_SQLITE_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = getEnv("CREDRISK_POSTGRES_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresUser = getEnv("CREDRISK_POSTGRES_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = getEnv("CREDRISK_POSTGRES_PASSWORD", cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresDB = getEnv("CREDRISK_POSTGRES_DB", cfg.Repository.PostgresDB)
	cfg.Repository.PostgresDSN = getEnv("CREDRISK_POSTGRES_DSN", cfg.Repository.PostgresDSN)
	cfg.Cache.Type = getEnv("CREDRISK_CACHE", cfg.Cache.Type)
	cfg.Cache.RedisAddr = getEnv("CREDRISK_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.EventBus.Type = getEnv("CREDRISK_BUS", cfg.EventBus.Type)
	cfg.EventBus.NATSUrl = getEnv("CREDRISK_NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.InstanceID = getEnv("CREDRISK_INSTANCE_ID", cfg.EventBus.InstanceID)
	if brokers := os.Getenv("CREDRISK_KAFKA_BROKERS"); brokers != "" {
		cfg.EventBus.KafkaBrokers = strings.Split(brokers, ",")
	}
	cfg.Labeling.Method = getEnv("CREDRISK_LABEL_METHOD", cfg.Labeling.Method)
	cfg.Labeling.Expression = getEnv("CREDRISK_LABEL_EXPRESSION", cfg.Labeling.Expression)
	cfg.Training.Experiment = getEnv("CREDRISK_EXPERIMENT", cfg.Training.Experiment)
	cfg.Training.ModelName = getEnv("CREDRISK_MODEL_NAME", cfg.Training.ModelName)
	cfg.Training.SearchMode = getEnv("CREDRISK_SEARCH_MODE", cfg.Training.SearchMode)
	cfg.Serving.ModelName = getEnv("CREDRISK_MODEL_NAME", cfg.Serving.ModelName)
	cfg.Serving.Stage = getEnv("CREDRISK_MODEL_STAGE", cfg.Serving.Stage)
	cfg.Data.Snapshot = getEnv("CREDRISK_SNAPSHOT", cfg.Data.Snapshot)
	cfg.Logging.Level = getEnv("CREDRISK_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("CREDRISK_LOG_FORMAT", cfg.Logging.Format)

	var err error
	if cfg.Server.Port, err = getEnvInt("CREDRISK_PORT", cfg.Server.Port); err != nil {
		return err
	}
	if cfg.Training.Workers, err = getEnvInt("CREDRISK_WORKERS", cfg.Training.Workers); err != nil {
		return err
	}
	if cfg.Training.NIter, err = getEnvInt("CREDRISK_N_ITER", cfg.Training.NIter); err != nil {
		return err
	}
	if v := os.Getenv("CREDRISK_DEBUG"); v == "true" {
		cfg.Logging.Level = "debug"
	}
	cfg.Tracing.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.Endpoint)
	if v := os.Getenv("CREDRISK_TRACING"); v != "" {
		cfg.Tracing.Enabled = v == "true"
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrValidation, key, err)
	}
	return i, nil
}
