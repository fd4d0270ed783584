package store

import (
	"time"

	"github.com/paulmach/orb/geojson"
)

// EvaluationSource identifies which reference material the reviewer used.
type EvaluationSource string

const (
	SourceAerialImagery EvaluationSource = "aerial_imagery"
	SourceMapillary     EvaluationSource = "mapillary"
	SourceOther         EvaluationSource = "other"
)

func ValidSource(s EvaluationSource) bool {
	switch s {
	case SourceAerialImagery, SourceMapillary, SourceOther:
		return true
	}
	return false
}

// Property evaluation statuses.
const (
	StatusOK    = "ok"
	StatusWrong = "wrong"
)

func ValidStatus(s string) bool {
	return s == StatusOK || s == StatusWrong
}

// FeatureRecord is one reviewable line feature. The payload is opaque to the
// store; sort order is assigned once at import and never recomputed.
type FeatureRecord struct {
	ID        string
	Feature   *geojson.Feature
	SortOrder int
}

// PropertyEvaluation is the reviewer's judgement for one _OLD/_NEW property pair.
type PropertyEvaluation struct {
	Status  string `json:"status"`
	Comment string `json:"comment,omitempty"`
}

// EvaluationRecord holds the reviewer's judgement for a feature. At most one
// record exists per feature id.
type EvaluationRecord struct {
	FeatureID           string
	Source              EvaluationSource
	MapillaryID         string
	PropertyEvaluations map[string]PropertyEvaluation
	Timestamp           time.Time
}

// HasWrong reports whether at least one property judgement is "wrong".
func (e *EvaluationRecord) HasWrong() bool {
	for _, pe := range e.PropertyEvaluations {
		if pe.Status == StatusWrong {
			return true
		}
	}
	return false
}

// Metadata keys.
const MetaRegion = "region"
