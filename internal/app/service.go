package app

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/paulmach/orb/geojson"

	"linereview/api/internal/config"
	"linereview/api/internal/export"
	"linereview/api/internal/geo"
	"linereview/api/internal/ingest"
	"linereview/api/internal/metrics"
	"linereview/api/internal/store"
)

type dataStore interface {
	Ping(ctx context.Context) error
	ReplaceFeatures(ctx context.Context, records []store.FeatureRecord) error
	GetAllFeatures(ctx context.Context) ([]store.FeatureRecord, error)
	GetFeature(ctx context.Context, id string) (*store.FeatureRecord, error)
	PutEvaluation(ctx context.Context, record store.EvaluationRecord) error
	GetEvaluation(ctx context.Context, featureID string) (*store.EvaluationRecord, error)
	ListEvaluations(ctx context.Context) ([]store.EvaluationRecord, error)
	CountEvaluations(ctx context.Context) (int, error)
	PutMetadata(ctx context.Context, key, value string) error
	GetMetadata(ctx context.Context, key string) (string, error)
	ClearAll(ctx context.Context) error
}

// Service is the only component that translates between raw GeoJSON features
// and stored records. Everything the HTTP layer and the navigator see goes
// through here.
type Service struct {
	cfg   config.Config
	store dataStore
	now   func() time.Time
}

func New(cfg config.Config, dataStore dataStore) *Service {
	return &Service{cfg: cfg, store: dataStore, now: time.Now}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

type ImportSummary struct {
	Imported int    `json:"imported"`
	Dropped  int    `json:"dropped"`
	Region   string `json:"region,omitempty"`
}

// LoadFeatures validates, sorts and persists an uploaded FeatureCollection,
// replacing the prior dataset wholesale: the store holds one dataset at a
// time. Features without an id property are dropped with a warning; the
// import fails only when nothing survives. Sort order is assigned here,
// exactly once, and never recomputed afterwards.
func (s *Service) LoadFeatures(ctx context.Context, payload []byte, region string, profile ingest.Profile) (ImportSummary, error) {
	collection, failures := ingest.Validate(payload, profile)
	if len(failures) > 0 {
		return ImportSummary{}, domainError(http.StatusBadRequest, "VALIDATION_FAILED", "GeoJSON validation failed", failures)
	}

	valid := make([]*geojson.Feature, 0, len(collection.Features))
	dropped := 0
	for _, feature := range collection.Features {
		if geo.FeatureID(feature) == "" {
			log.Printf("import: feature missing id in properties, skipping")
			dropped++
			continue
		}
		valid = append(valid, feature)
	}
	if len(valid) == 0 {
		return ImportSummary{}, domainError(http.StatusUnprocessableEntity, "NO_VALID_FEATURES",
			"No features with valid id property found in GeoJSON", nil)
	}

	log.Printf("import: sorting %d features by spatial connectivity", len(valid))
	sorted := geo.SortByConnectivity(valid)

	records := make([]store.FeatureRecord, len(sorted))
	for i, feature := range sorted {
		records[i] = store.FeatureRecord{
			ID:        geo.FeatureID(feature),
			Feature:   feature,
			SortOrder: i,
		}
	}

	if region == "" {
		region = s.cfg.DefaultRegion
	}
	if region != "" {
		if err := s.store.PutMetadata(ctx, store.MetaRegion, region); err != nil {
			return ImportSummary{}, err
		}
	}

	if err := s.store.ReplaceFeatures(ctx, records); err != nil {
		return ImportSummary{}, err
	}

	metrics.FeaturesImportedTotal.Add(float64(len(records)))
	metrics.FeaturesDroppedTotal.Add(float64(dropped))
	log.Printf("import: stored %d features (%d dropped)", len(records), dropped)

	return ImportSummary{Imported: len(records), Dropped: dropped, Region: region}, nil
}

// AllFeatures returns features in canonical order. This ordering is the
// document order used by navigation and export alike.
func (s *Service) AllFeatures(ctx context.Context) ([]*geojson.Feature, error) {
	records, err := s.store.GetAllFeatures(ctx)
	if err != nil {
		return nil, err
	}
	features := make([]*geojson.Feature, len(records))
	for i, record := range records {
		features[i] = record.Feature
	}
	return features, nil
}

// UnevaluatedFeatures recomputes against the latest evaluation state on every
// call; nothing is cached here.
func (s *Service) UnevaluatedFeatures(ctx context.Context) ([]*geojson.Feature, error) {
	features, err := s.AllFeatures(ctx)
	if err != nil {
		return nil, err
	}
	evaluated, err := s.evaluatedIDs(ctx)
	if err != nil {
		return nil, err
	}
	remaining := make([]*geojson.Feature, 0, len(features))
	for _, feature := range features {
		if !evaluated[geo.FeatureID(feature)] {
			remaining = append(remaining, feature)
		}
	}
	return remaining, nil
}

func (s *Service) evaluatedIDs(ctx context.Context) (map[string]bool, error) {
	evaluations, err := s.store.ListEvaluations(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(evaluations))
	for _, evaluation := range evaluations {
		ids[evaluation.FeatureID] = true
	}
	return ids, nil
}

type Progress struct {
	Evaluated int `json:"evaluated"`
	Total     int `json:"total"`
}

func (s *Service) Progress(ctx context.Context) (Progress, error) {
	evaluated, err := s.store.CountEvaluations(ctx)
	if err != nil {
		return Progress{}, err
	}
	records, err := s.store.GetAllFeatures(ctx)
	if err != nil {
		return Progress{}, err
	}
	return Progress{Evaluated: evaluated, Total: len(records)}, nil
}

// FeatureByID returns nil for an unknown id; absence is not an error.
func (s *Service) FeatureByID(ctx context.Context, featureID string) (*geojson.Feature, error) {
	record, err := s.store.GetFeature(ctx, featureID)
	if err != nil || record == nil {
		return nil, err
	}
	return record.Feature, nil
}

// Evaluation returns nil for a feature that has not been evaluated yet.
func (s *Service) Evaluation(ctx context.Context, featureID string) (*store.EvaluationRecord, error) {
	return s.store.GetEvaluation(ctx, featureID)
}

// PropertyEvaluations returns an empty map when no evaluation exists.
func (s *Service) PropertyEvaluations(ctx context.Context, featureID string) (map[string]store.PropertyEvaluation, error) {
	evaluation, err := s.store.GetEvaluation(ctx, featureID)
	if err != nil {
		return nil, err
	}
	if evaluation == nil {
		return map[string]store.PropertyEvaluation{}, nil
	}
	return evaluation.PropertyEvaluations, nil
}

// EvaluateFeature upserts the full evaluation for a feature, replacing the
// property judgements wholesale. Callers merging single properties use
// UpdatePropertyEvaluation instead.
func (s *Service) EvaluateFeature(ctx context.Context, featureID string, source store.EvaluationSource, propertyEvaluations map[string]store.PropertyEvaluation, mapillaryID string) error {
	record, err := s.store.GetFeature(ctx, featureID)
	if err != nil {
		return err
	}
	if record == nil {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Unknown feature id", nil)
	}

	if source == "" {
		source = store.SourceAerialImagery
	}
	if !store.ValidSource(source) {
		return domainError(http.StatusBadRequest, "VALIDATION_FAILED", "Unknown evaluation source", string(source))
	}
	if propertyEvaluations == nil {
		propertyEvaluations = map[string]store.PropertyEvaluation{}
	}
	for baseName, pe := range propertyEvaluations {
		if !store.ValidStatus(pe.Status) {
			return domainError(http.StatusBadRequest, "VALIDATION_FAILED", "Property status must be ok or wrong", baseName)
		}
	}

	err = s.store.PutEvaluation(ctx, store.EvaluationRecord{
		FeatureID:           featureID,
		Source:              source,
		MapillaryID:         mapillaryID,
		PropertyEvaluations: propertyEvaluations,
		Timestamp:           s.now(),
	})
	if err != nil {
		return err
	}
	metrics.EvaluationsSavedTotal.Inc()
	return nil
}

// UpdatePropertyEvaluation merges a single property judgement into the
// feature's evaluation without disturbing the source, the chosen image, or
// any other property's judgement.
func (s *Service) UpdatePropertyEvaluation(ctx context.Context, featureID, baseName, status, comment string) error {
	record, err := s.store.GetFeature(ctx, featureID)
	if err != nil {
		return err
	}
	if record == nil {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Unknown feature id", nil)
	}
	if !store.ValidStatus(status) {
		return domainError(http.StatusBadRequest, "VALIDATION_FAILED", "Property status must be ok or wrong", baseName)
	}

	evaluation, err := s.store.GetEvaluation(ctx, featureID)
	if err != nil {
		return err
	}
	if evaluation == nil {
		evaluation = &store.EvaluationRecord{
			FeatureID:           featureID,
			Source:              defaultSource(record.Feature),
			PropertyEvaluations: map[string]store.PropertyEvaluation{},
		}
	}
	evaluation.PropertyEvaluations[baseName] = store.PropertyEvaluation{Status: status, Comment: comment}
	evaluation.Timestamp = s.now()

	if err := s.store.PutEvaluation(ctx, *evaluation); err != nil {
		return err
	}
	metrics.EvaluationsSavedTotal.Inc()
	return nil
}

// defaultSource mirrors the selection rule: a feature that references a
// street-level image defaults to mapillary, everything else to aerial.
func defaultSource(feature *geojson.Feature) store.EvaluationSource {
	if feature != nil && feature.Properties != nil {
		if imageID, _ := feature.Properties["mapillary_id"].(string); imageID != "" {
			return store.SourceMapillary
		}
	}
	return store.SourceAerialImagery
}

// ExportAll returns the evaluated subset of the dataset, each feature
// augmented with its judgements. Unevaluated features are excluded: the
// export is what has been reviewed so far.
func (s *Service) ExportAll(ctx context.Context) (*geojson.FeatureCollection, error) {
	collection, _, err := s.exportEvaluated(ctx, false)
	if err == nil {
		metrics.ExportsTotal.WithLabelValues("all").Inc()
	}
	return collection, err
}

// ExportFlagged narrows the export to features with at least one property
// judged wrong and attaches the task description for the QA ticketing system.
func (s *Service) ExportFlagged(ctx context.Context) (*geojson.FeatureCollection, error) {
	collection, _, err := s.exportEvaluated(ctx, true)
	if err == nil {
		metrics.ExportsTotal.WithLabelValues("flagged").Inc()
	}
	return collection, err
}

func (s *Service) exportEvaluated(ctx context.Context, flaggedOnly bool) (*geojson.FeatureCollection, int, error) {
	records, err := s.store.GetAllFeatures(ctx)
	if err != nil {
		return nil, 0, err
	}
	evaluations, err := s.store.ListEvaluations(ctx)
	if err != nil {
		return nil, 0, err
	}
	byID := make(map[string]store.EvaluationRecord, len(evaluations))
	for _, evaluation := range evaluations {
		byID[evaluation.FeatureID] = evaluation
	}

	region := ""
	if flaggedOnly {
		if region, err = s.Region(ctx); err != nil {
			return nil, 0, err
		}
	}

	collection := geojson.NewFeatureCollection()
	for _, record := range records {
		evaluation, evaluated := byID[record.ID]
		if !evaluated {
			continue
		}
		if flaggedOnly && !evaluation.HasWrong() {
			continue
		}
		collection.Append(augmentFeature(record.Feature, evaluation, flaggedOnly, region))
	}
	return collection, len(collection.Features), nil
}

func augmentFeature(feature *geojson.Feature, evaluation store.EvaluationRecord, withTask bool, region string) *geojson.Feature {
	augmented := geojson.NewFeature(feature.Geometry)
	augmented.ID = feature.ID
	augmented.Properties = make(geojson.Properties, len(feature.Properties)+2*len(evaluation.PropertyEvaluations)+3)
	for key, value := range feature.Properties {
		augmented.Properties[key] = value
	}

	for baseName, pe := range evaluation.PropertyEvaluations {
		augmented.Properties[baseName+"_STATUS"] = pe.Status
		if pe.Comment != "" {
			augmented.Properties[baseName+"_STATUS_DESC"] = pe.Comment
		}
	}
	augmented.Properties["STATUS_SOURCE"] = string(evaluation.Source)
	if evaluation.MapillaryID != "" {
		augmented.Properties["STATUS_MAPILLARY_ID"] = evaluation.MapillaryID
	}
	if withTask {
		augmented.Properties["maproulette_task_description"] = export.BuildTaskDescription(feature, evaluation, region)
	}
	return augmented
}

// ClearAllData wipes features, evaluations and metadata. Irreversible; the UI
// confirms with the user before calling.
func (s *Service) ClearAllData(ctx context.Context) error {
	return s.store.ClearAll(ctx)
}

func (s *Service) Region(ctx context.Context) (string, error) {
	return s.store.GetMetadata(ctx, store.MetaRegion)
}
