package model

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/credrisk/internal/domain"
	"github.com/opensource-finance/credrisk/internal/features"
)

// Artifact is a fitted estimator together with the preprocessing it expects,
// so that it scores raw feature vectors.
type Artifact struct {
	Family       string
	Params       map[string]string
	Features     []string
	Preprocessor *features.Preprocessor
	Classifier   Classifier
	CreatedAt    time.Time
}

// bundle is the serialized form of an Artifact.
type bundle struct {
	Family       string                 `json:"family"`
	Params       map[string]string      `json:"params"`
	Features     []string               `json:"features"`
	Preprocessor *features.Preprocessor `json:"preprocessor,omitempty"`
	Estimator    json.RawMessage        `json:"estimator"`
	CreatedAt    time.Time              `json:"createdAt"`
}

// NewArtifact packages a fitted classifier.
func NewArtifact(family string, params Params, prep *features.Preprocessor, clf Classifier) *Artifact {
	names := features.FeatureNames
	if prep != nil {
		names = prep.Features
	}
	return &Artifact{
		Family:       family,
		Params:       params.Strings(),
		Features:     append([]string(nil), names...),
		Preprocessor: prep,
		Classifier:   clf,
		CreatedAt:    time.Now().UTC(),
	}
}

// Encode serializes the artifact to JSON.
func (a *Artifact) Encode() ([]byte, error) {
	est, err := json.Marshal(a.Classifier)
	if err != nil {
		return nil, fmt.Errorf("failed to encode estimator: %w", err)
	}
	return json.Marshal(bundle{
		Family:       a.Family,
		Params:       a.Params,
		Features:     a.Features,
		Preprocessor: a.Preprocessor,
		Estimator:    est,
		CreatedAt:    a.CreatedAt,
	})
}

// Decode restores an artifact produced by Encode.
func Decode(data []byte) (*Artifact, error) {
	var b bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: malformed model artifact: %v", domain.ErrValidation, err)
	}

	clf, err := blank(b.Family)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b.Estimator, clf); err != nil {
		return nil, fmt.Errorf("%w: malformed %s estimator: %v", domain.ErrValidation, b.Family, err)
	}
	if v, ok := clf.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("%w: invalid %s estimator: %v", domain.ErrValidation, b.Family, err)
		}
	}

	return &Artifact{
		Family:       b.Family,
		Params:       b.Params,
		Features:     b.Features,
		Preprocessor: b.Preprocessor,
		Classifier:   clf,
		CreatedAt:    b.CreatedAt,
	}, nil
}

// Predict returns the positive-class probability for one raw feature vector.
func (a *Artifact) Predict(row []float64) (float64, error) {
	if len(row) != len(a.Features) {
		return 0, fmt.Errorf("%w: expected %d features, got %d", domain.ErrValidation, len(a.Features), len(row))
	}

	x := row
	if a.Preprocessor != nil {
		var err error
		if x, err = a.Preprocessor.TransformRow(row); err != nil {
			return 0, err
		}
	}

	proba, err := a.Classifier.PredictProba([][]float64{x})
	if err != nil {
		return 0, err
	}
	p := proba[0]
	if math.IsNaN(p) {
		return 0, fmt.Errorf("%s produced NaN probability", a.Family)
	}
	return math.Min(1, math.Max(0, p)), nil
}
