package repository

import "strings"

// Schema definitions for credrisk.
// Written for SQLite; postgresTypes adapts the column types for PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    customer_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_customer ON transactions(customer_id);
CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(timestamp);
`

const schemaExperiments = `
CREATE TABLE IF NOT EXISTS experiments (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    created_at TIMESTAMP NOT NULL
);
`

const schemaRuns = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    experiment_id TEXT NOT NULL REFERENCES experiments(id),
    name TEXT NOT NULL,
    status TEXT NOT NULL,
    artifact_uri TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_experiment ON runs(experiment_id);

CREATE TABLE IF NOT EXISTS run_params (
    run_id TEXT NOT NULL REFERENCES runs(id),
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (run_id, key)
);

CREATE TABLE IF NOT EXISTS run_metrics (
    run_id TEXT NOT NULL REFERENCES runs(id),
    key TEXT NOT NULL,
    value REAL NOT NULL,
    PRIMARY KEY (run_id, key)
);
`

const schemaArtifacts = `
CREATE TABLE IF NOT EXISTS artifacts (
    run_id TEXT NOT NULL REFERENCES runs(id),
    name TEXT NOT NULL,
    payload BLOB NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (run_id, name)
);
`

// schemaRegisteredModels holds one row per model version.
// At most one version of a name is expected in each non-archived stage.
const schemaRegisteredModels = `
CREATE TABLE IF NOT EXISTS registered_models (
    name TEXT NOT NULL,
    version INTEGER NOT NULL,
    source_run_id TEXT NOT NULL,
    source_uri TEXT NOT NULL,
    stage TEXT NOT NULL DEFAULT 'None',
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (name, version)
);

CREATE INDEX IF NOT EXISTS idx_registered_models_stage ON registered_models(name, stage);
`

var postgresTypes = strings.NewReplacer(
	"BLOB", "BYTEA",
	"REAL", "DOUBLE PRECISION",
)

// AllSchemas returns all schema statements in order for the given driver.
func AllSchemas(driver string) []string {
	schemas := []string{
		schemaTransactions,
		schemaExperiments,
		schemaRuns,
		schemaArtifacts,
		schemaRegisteredModels,
	}
	if driver == "postgres" {
		for i, s := range schemas {
			schemas[i] = postgresTypes.Replace(s)
		}
	}
	return schemas
}
