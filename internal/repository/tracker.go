package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/credrisk/internal/domain"
)

// CreateExperiment returns the experiment with the given name, creating it if needed.
func (r *SQLRepository) CreateExperiment(ctx context.Context, name string) (*domain.Experiment, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: experiment name is required", domain.ErrValidation)
	}

	insert := `
		INSERT INTO experiments (id, name, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, r.rebind(insert), uuid.NewString(), name, time.Now().UTC()); err != nil {
		return nil, err
	}

	var exp domain.Experiment
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT id, name, created_at FROM experiments WHERE name = ?`), name).
		Scan(&exp.ID, &exp.Name, &exp.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &exp, nil
}

// StartRun opens a RUNNING run under an experiment.
func (r *SQLRepository) StartRun(ctx context.Context, experimentID, name string) (*domain.TrainingRun, error) {
	var exists int
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT 1 FROM experiments WHERE id = ?`), experimentID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: experiment %s", ErrNotFound, experimentID)
	}
	if err != nil {
		return nil, err
	}

	run := &domain.TrainingRun{
		RunID:        uuid.NewString(),
		ExperimentID: experimentID,
		Name:         name,
		Family:       name,
		Status:       domain.RunRunning,
		StartedAt:    time.Now().UTC(),
	}

	query := `
		INSERT INTO runs (id, experiment_id, name, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := r.db.ExecContext(ctx, r.rebind(query),
		run.RunID, run.ExperimentID, run.Name, string(run.Status), run.StartedAt,
	); err != nil {
		return nil, err
	}
	return run, nil
}

// LogParams upserts run parameters.
func (r *SQLRepository) LogParams(ctx context.Context, runID string, params map[string]string) error {
	query := `
		INSERT INTO run_params (run_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(run_id, key) DO UPDATE SET value = excluded.value
	`
	return r.inRun(ctx, runID, func(tx *sql.Tx) error {
		for k, v := range params {
			if _, err := tx.ExecContext(ctx, r.rebind(query), runID, k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// LogMetrics upserts run metrics.
func (r *SQLRepository) LogMetrics(ctx context.Context, runID string, metrics map[string]float64) error {
	query := `
		INSERT INTO run_metrics (run_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(run_id, key) DO UPDATE SET value = excluded.value
	`
	return r.inRun(ctx, runID, func(tx *sql.Tx) error {
		for k, v := range metrics {
			if _, err := tx.ExecContext(ctx, r.rebind(query), runID, k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// LogModel stores an artifact payload under the run and returns its
// "runs:/<run_id>/<name>" URI.
func (r *SQLRepository) LogModel(ctx context.Context, runID, name string, payload []byte) (string, error) {
	if name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("%w: invalid artifact name %q", domain.ErrValidation, name)
	}
	if len(payload) == 0 {
		return "", fmt.Errorf("%w: empty artifact payload", domain.ErrValidation)
	}

	uri := domain.RunArtifactURI(runID, name)
	err := r.inRun(ctx, runID, func(tx *sql.Tx) error {
		query := `
			INSERT INTO artifacts (run_id, name, payload, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(run_id, name) DO UPDATE SET
				payload = excluded.payload,
				created_at = excluded.created_at
		`
		if _, err := tx.ExecContext(ctx, r.rebind(query), runID, name, payload, time.Now().UTC()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, r.rebind(`UPDATE runs SET artifact_uri = ? WHERE id = ?`), uri, runID)
		return err
	})
	if err != nil {
		return "", err
	}
	return uri, nil
}

// EndRun closes a run as FINISHED or FAILED.
func (r *SQLRepository) EndRun(ctx context.Context, runID string, status domain.RunStatus, errText string) error {
	if status != domain.RunFinished && status != domain.RunFailed {
		return fmt.Errorf("%w: cannot end run with status %s", domain.ErrValidation, status)
	}

	query := `UPDATE runs SET status = ?, error = ?, ended_at = ? WHERE id = ?`
	result, err := r.db.ExecContext(ctx, r.rebind(query), string(status), errText, time.Now().UTC(), runID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return nil
}

// GetRun retrieves a run with its params and metrics.
func (r *SQLRepository) GetRun(ctx context.Context, runID string) (*domain.TrainingRun, error) {
	query := `
		SELECT id, experiment_id, name, status, artifact_uri, error, started_at, ended_at
		FROM runs
		WHERE id = ?
	`

	var run domain.TrainingRun
	var status string
	var ended sql.NullTime

	err := r.db.QueryRowContext(ctx, r.rebind(query), runID).Scan(
		&run.RunID, &run.ExperimentID, &run.Name, &status,
		&run.ArtifactURI, &run.Error, &run.StartedAt, &ended,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, err
	}

	run.Family = run.Name
	run.Status = domain.RunStatus(status)
	if ended.Valid {
		t := ended.Time
		run.EndedAt = &t
	}

	run.Params = make(map[string]string)
	if err := r.scanPairs(ctx, `SELECT key, value FROM run_params WHERE run_id = ?`, runID, func(rows *sql.Rows) error {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		run.Params[k] = v
		return nil
	}); err != nil {
		return nil, err
	}

	run.Metrics = make(map[string]float64)
	if err := r.scanPairs(ctx, `SELECT key, value FROM run_metrics WHERE run_id = ?`, runID, func(rows *sql.Rows) error {
		var k string
		var v float64
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		run.Metrics[k] = v
		return nil
	}); err != nil {
		return nil, err
	}

	return &run, nil
}

// RegisterModel creates the next version of name from a logged artifact.
// New versions start in stage "None".
func (r *SQLRepository) RegisterModel(ctx context.Context, sourceURI, name string) (*domain.RegisteredModel, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: model name is required", domain.ErrValidation)
	}
	runID, artifact, err := ParseRunURI(sourceURI)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, r.rebind(`SELECT 1 FROM artifacts WHERE run_id = ? AND name = ?`), runID, artifact).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: artifact %s", ErrNotFound, sourceURI)
	}
	if err != nil {
		return nil, err
	}

	var latest int
	if err := tx.QueryRowContext(ctx,
		r.rebind(`SELECT COALESCE(MAX(version), 0) FROM registered_models WHERE name = ?`), name,
	).Scan(&latest); err != nil {
		return nil, err
	}

	rm := &domain.RegisteredModel{
		Name:        name,
		Version:     latest + 1,
		SourceRunID: runID,
		SourceURI:   sourceURI,
		Stage:       domain.StageNone,
		CreatedAt:   time.Now().UTC(),
	}

	query := `
		INSERT INTO registered_models (name, version, source_run_id, source_uri, stage, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, r.rebind(query),
		rm.Name, rm.Version, rm.SourceRunID, rm.SourceURI, rm.Stage, rm.CreatedAt,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rm, nil
}

// TransitionStage moves a version to stage. Whichever version previously
// held a Staging or Production stage is archived.
func (r *SQLRepository) TransitionStage(ctx context.Context, name string, version int, stage string) error {
	switch stage {
	case domain.StageNone, domain.StageStaging, domain.StageProduction, domain.StageArchived:
	default:
		return fmt.Errorf("%w: unknown stage %q", domain.ErrValidation, stage)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if stage == domain.StageStaging || stage == domain.StageProduction {
		archive := `UPDATE registered_models SET stage = ? WHERE name = ? AND stage = ? AND version <> ?`
		if _, err := tx.ExecContext(ctx, r.rebind(archive), domain.StageArchived, name, stage, version); err != nil {
			return err
		}
	}

	result, err := tx.ExecContext(ctx,
		r.rebind(`UPDATE registered_models SET stage = ? WHERE name = ? AND version = ?`), stage, name, version)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: model %s version %d", ErrNotFound, name, version)
	}

	return tx.Commit()
}

// LoadModel resolves stageOrVersion and returns the registry entry and its
// artifact payload. "latest" (or empty) picks the highest version, a stage
// name picks the highest version in that stage and a number picks that version.
func (r *SQLRepository) LoadModel(ctx context.Context, name, stageOrVersion string) (*domain.RegisteredModel, []byte, error) {
	base := `
		SELECT name, version, source_run_id, source_uri, stage, created_at
		FROM registered_models
		WHERE name = ?`

	var query string
	args := []any{name}
	switch {
	case stageOrVersion == "" || strings.EqualFold(stageOrVersion, "latest"):
		query = base + ` ORDER BY version DESC LIMIT 1`
	default:
		if v, err := strconv.Atoi(stageOrVersion); err == nil {
			query = base + ` AND version = ?`
			args = append(args, v)
		} else {
			query = base + ` AND stage = ? ORDER BY version DESC LIMIT 1`
			args = append(args, stageOrVersion)
		}
	}

	var rm domain.RegisteredModel
	err := r.db.QueryRowContext(ctx, r.rebind(query), args...).Scan(
		&rm.Name, &rm.Version, &rm.SourceRunID, &rm.SourceURI, &rm.Stage, &rm.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: model %s@%s", ErrNotFound, name, stageOrVersion)
	}
	if err != nil {
		return nil, nil, err
	}

	runID, artifact, err := ParseRunURI(rm.SourceURI)
	if err != nil {
		return nil, nil, err
	}

	var payload []byte
	err = r.db.QueryRowContext(ctx,
		r.rebind(`SELECT payload FROM artifacts WHERE run_id = ? AND name = ?`), runID, artifact,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: artifact %s", ErrNotFound, rm.SourceURI)
	}
	if err != nil {
		return nil, nil, err
	}

	return &rm, payload, nil
}

// ParseRunURI splits "runs:/<run_id>/<name>".
func ParseRunURI(uri string) (runID, name string, err error) {
	rest, ok := strings.CutPrefix(uri, "runs:/")
	if !ok {
		return "", "", fmt.Errorf("%w: unsupported artifact uri %q", domain.ErrValidation, uri)
	}
	runID, name, ok = strings.Cut(rest, "/")
	if !ok || runID == "" || name == "" {
		return "", "", fmt.Errorf("%w: malformed artifact uri %q", domain.ErrValidation, uri)
	}
	return runID, name, nil
}

// inRun runs fn in a transaction after checking the run exists.
func (r *SQLRepository) inRun(ctx context.Context, runID string, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, r.rebind(`SELECT 1 FROM runs WHERE id = ?`), runID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SQLRepository) scanPairs(ctx context.Context, query, runID string, scan func(*sql.Rows) error) error {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), runID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
