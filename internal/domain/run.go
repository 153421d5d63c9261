package domain

import (
	"time"
)

// RunStatus is the lifecycle state of a training run.
type RunStatus string

const (
	RunRunning  RunStatus = "RUNNING"
	RunFinished RunStatus = "FINISHED"
	RunFailed   RunStatus = "FAILED"
)

// Registry stages.
const (
	StageNone       = "None"
	StageStaging    = "Staging"
	StageProduction = "Production"
	StageArchived   = "Archived"
)

// Metrics holds the held-out evaluation of a fitted model.
type Metrics struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	ROCAUC    float64 `json:"roc_auc"`
}

// Map returns the metrics keyed by their tracked names.
func (m Metrics) Map() map[string]float64 {
	return map[string]float64{
		"accuracy":  m.Accuracy,
		"precision": m.Precision,
		"recall":    m.Recall,
		"f1":        m.F1,
		"roc_auc":   m.ROCAUC,
	}
}

// Experiment groups training runs under a name.
type Experiment struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// TrainingRun is one tracked training of one model family.
type TrainingRun struct {
	RunID        string             `json:"runId"`
	ExperimentID string             `json:"experimentId"`
	Name         string             `json:"name"`
	Family       string             `json:"family"`
	Params       map[string]string  `json:"params,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Status       RunStatus          `json:"status"`
	ArtifactURI  string             `json:"artifactUri,omitempty"`
	Error        string             `json:"error,omitempty"`
	StartedAt    time.Time          `json:"startedAt"`
	EndedAt      *time.Time         `json:"endedAt,omitempty"`
}

// RegisteredModel is one version of a named model in the registry.
type RegisteredModel struct {
	Name        string    `json:"name"`
	Version     int       `json:"version"`
	SourceRunID string    `json:"sourceRunId"`
	SourceURI   string    `json:"sourceUri"`
	Stage       string    `json:"stage"`
	CreatedAt   time.Time `json:"createdAt"`
}

// RunArtifactURI builds the "runs:/<run_id>/<name>" reference of a logged artifact.
func RunArtifactURI(runID, name string) string {
	return "runs:/" + runID + "/" + name
}
