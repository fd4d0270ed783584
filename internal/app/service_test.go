package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"linereview/api/internal/config"
	"linereview/api/internal/ingest"
	"linereview/api/internal/store"
)

type fakeStore struct {
	pingFn             func(context.Context) error
	replaceFeaturesFn  func(context.Context, []store.FeatureRecord) error
	getAllFeaturesFn   func(context.Context) ([]store.FeatureRecord, error)
	getFeatureFn       func(context.Context, string) (*store.FeatureRecord, error)
	putEvaluationFn    func(context.Context, store.EvaluationRecord) error
	getEvaluationFn    func(context.Context, string) (*store.EvaluationRecord, error)
	listEvaluationsFn  func(context.Context) ([]store.EvaluationRecord, error)
	countEvaluationsFn func(context.Context) (int, error)
	putMetadataFn      func(context.Context, string, string) error
	getMetadataFn      func(context.Context, string) (string, error)
	clearAllFn         func(context.Context) error
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}
func (f *fakeStore) ReplaceFeatures(ctx context.Context, records []store.FeatureRecord) error {
	if f.replaceFeaturesFn != nil {
		return f.replaceFeaturesFn(ctx, records)
	}
	return nil
}
func (f *fakeStore) GetAllFeatures(ctx context.Context) ([]store.FeatureRecord, error) {
	if f.getAllFeaturesFn != nil {
		return f.getAllFeaturesFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) GetFeature(ctx context.Context, id string) (*store.FeatureRecord, error) {
	if f.getFeatureFn != nil {
		return f.getFeatureFn(ctx, id)
	}
	return nil, nil
}
func (f *fakeStore) PutEvaluation(ctx context.Context, record store.EvaluationRecord) error {
	if f.putEvaluationFn != nil {
		return f.putEvaluationFn(ctx, record)
	}
	return nil
}
func (f *fakeStore) GetEvaluation(ctx context.Context, featureID string) (*store.EvaluationRecord, error) {
	if f.getEvaluationFn != nil {
		return f.getEvaluationFn(ctx, featureID)
	}
	return nil, nil
}
func (f *fakeStore) ListEvaluations(ctx context.Context) ([]store.EvaluationRecord, error) {
	if f.listEvaluationsFn != nil {
		return f.listEvaluationsFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) CountEvaluations(ctx context.Context) (int, error) {
	if f.countEvaluationsFn != nil {
		return f.countEvaluationsFn(ctx)
	}
	return 0, nil
}
func (f *fakeStore) PutMetadata(ctx context.Context, key, value string) error {
	if f.putMetadataFn != nil {
		return f.putMetadataFn(ctx, key, value)
	}
	return nil
}
func (f *fakeStore) GetMetadata(ctx context.Context, key string) (string, error) {
	if f.getMetadataFn != nil {
		return f.getMetadataFn(ctx, key)
	}
	return "", nil
}
func (f *fakeStore) ClearAll(ctx context.Context) error {
	if f.clearAllFn != nil {
		return f.clearAllFn(ctx)
	}
	return nil
}

func newTestService(fs *fakeStore) *Service {
	svc := New(config.Config{}, fs)
	svc.now = func() time.Time { return time.UnixMilli(1756000000000) }
	return svc
}

func storedFeature(id string, props geojson.Properties) store.FeatureRecord {
	feature := geojson.NewFeature(orb.LineString{{13.0, 52.0}, {13.001, 52.0}})
	feature.Properties = geojson.Properties{"id": id}
	for key, value := range props {
		feature.Properties[key] = value
	}
	return store.FeatureRecord{ID: id, Feature: feature}
}

const importPayload = `{
	"type": "FeatureCollection",
	"features": [
		{
			"type": "Feature",
			"properties": {"id": "b"},
			"geometry": {"type": "LineString", "coordinates": [[13.001, 52.0], [13.002, 52.0]]}
		},
		{
			"type": "Feature",
			"properties": {"id": "a"},
			"geometry": {"type": "LineString", "coordinates": [[13.0, 52.0], [13.001, 52.0]]}
		},
		{
			"type": "Feature",
			"properties": {"name": "no id here"},
			"geometry": {"type": "LineString", "coordinates": [[14.0, 53.0], [14.001, 53.0]]}
		}
	]
}`

func TestLoadFeaturesSortsAndAssignsSortOrder(t *testing.T) {
	var stored []store.FeatureRecord
	var region string
	fs := &fakeStore{
		replaceFeaturesFn: func(_ context.Context, records []store.FeatureRecord) error {
			stored = records
			return nil
		},
		putMetadataFn: func(_ context.Context, key, value string) error {
			if key == store.MetaRegion {
				region = value
			}
			return nil
		},
	}
	svc := newTestService(fs)

	summary, err := svc.LoadFeatures(context.Background(), []byte(importPayload), "berlin", ingest.ProfileLine)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if summary.Imported != 2 || summary.Dropped != 1 || summary.Region != "berlin" {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if region != "berlin" {
		t.Fatalf("region metadata not stored, got %q", region)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 stored records, got %d", len(stored))
	}
	// a and b connect, so they form one component sorted by id.
	if stored[0].ID != "a" || stored[1].ID != "b" {
		t.Fatalf("unexpected canonical order: %s, %s", stored[0].ID, stored[1].ID)
	}
	if stored[0].SortOrder != 0 || stored[1].SortOrder != 1 {
		t.Fatalf("sort order not assigned sequentially: %d, %d", stored[0].SortOrder, stored[1].SortOrder)
	}
}

func TestLoadFeaturesRejectsInvalidGeoJSON(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.LoadFeatures(context.Background(), []byte(`{"type":"FeatureCollection","features":[]}`), "", ingest.ProfileLine)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "VALIDATION_FAILED" || domainErr.Status != 400 {
		t.Fatalf("unexpected error: %+v", domainErr)
	}
}

func TestLoadFeaturesFailsWhenNothingSurvives(t *testing.T) {
	payload := `{
		"type": "FeatureCollection",
		"features": [{
			"type": "Feature",
			"properties": {"name": "anonymous"},
			"geometry": {"type": "LineString", "coordinates": [[13.0, 52.0], [13.001, 52.0]]}
		}]
	}`
	svc := newTestService(&fakeStore{})
	_, err := svc.LoadFeatures(context.Background(), []byte(payload), "", ingest.ProfileLine)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "NO_VALID_FEATURES" || domainErr.Status != 422 {
		t.Fatalf("unexpected error: %+v", domainErr)
	}
}

func TestLoadFeaturesFallsBackToDefaultRegion(t *testing.T) {
	var region string
	fs := &fakeStore{
		putMetadataFn: func(_ context.Context, _, value string) error {
			region = value
			return nil
		},
	}
	svc := New(config.Config{DefaultRegion: "brandenburg"}, fs)

	summary, err := svc.LoadFeatures(context.Background(), []byte(importPayload), "", ingest.ProfileLine)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if summary.Region != "brandenburg" || region != "brandenburg" {
		t.Fatalf("default region not applied: summary=%+v stored=%q", summary, region)
	}
}

func TestUnevaluatedFeaturesExcludesEvaluated(t *testing.T) {
	fs := &fakeStore{
		getAllFeaturesFn: func(context.Context) ([]store.FeatureRecord, error) {
			return []store.FeatureRecord{storedFeature("a", nil), storedFeature("b", nil), storedFeature("c", nil)}, nil
		},
		listEvaluationsFn: func(context.Context) ([]store.EvaluationRecord, error) {
			return []store.EvaluationRecord{{FeatureID: "b"}}, nil
		},
	}
	svc := newTestService(fs)

	remaining, err := svc.UnevaluatedFeatures(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 unevaluated features, got %d", len(remaining))
	}
	for _, feature := range remaining {
		if id, _ := feature.Properties["id"].(string); id == "b" {
			t.Fatal("evaluated feature leaked into the unevaluated list")
		}
	}
}

func TestEvaluateFeatureUnknownID(t *testing.T) {
	svc := newTestService(&fakeStore{})
	err := svc.EvaluateFeature(context.Background(), "missing", store.SourceAerialImagery, nil, "")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "NOT_FOUND" || domainErr.Status != 404 {
		t.Fatalf("unexpected error: %+v", domainErr)
	}
}

func TestEvaluateFeatureDefaultsAndValidates(t *testing.T) {
	var saved store.EvaluationRecord
	record := storedFeature("a", nil)
	fs := &fakeStore{
		getFeatureFn: func(context.Context, string) (*store.FeatureRecord, error) {
			return &record, nil
		},
		putEvaluationFn: func(_ context.Context, r store.EvaluationRecord) error {
			saved = r
			return nil
		},
	}
	svc := newTestService(fs)

	err := svc.EvaluateFeature(context.Background(), "a", "", map[string]store.PropertyEvaluation{
		"surface": {Status: store.StatusWrong, Comment: "gravel"},
	}, "")
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if saved.Source != store.SourceAerialImagery {
		t.Fatalf("empty source should default to aerial, got %s", saved.Source)
	}
	if saved.Timestamp.UnixMilli() != 1756000000000 {
		t.Fatalf("timestamp not taken from clock: %v", saved.Timestamp)
	}

	err = svc.EvaluateFeature(context.Background(), "a", "satellite", nil, "")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_FAILED" {
		t.Fatalf("unknown source should be rejected, got %v", err)
	}

	err = svc.EvaluateFeature(context.Background(), "a", store.SourceMapillary, map[string]store.PropertyEvaluation{
		"surface": {Status: "maybe"},
	}, "")
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_FAILED" {
		t.Fatalf("unknown status should be rejected, got %v", err)
	}
}

func TestUpdatePropertyEvaluationMergesWithoutDisturbing(t *testing.T) {
	var saved store.EvaluationRecord
	record := storedFeature("a", nil)
	existing := store.EvaluationRecord{
		FeatureID:   "a",
		Source:      store.SourceMapillary,
		MapillaryID: "img-1",
		PropertyEvaluations: map[string]store.PropertyEvaluation{
			"surface": {Status: store.StatusOK},
		},
		Timestamp: time.UnixMilli(1000),
	}
	fs := &fakeStore{
		getFeatureFn: func(context.Context, string) (*store.FeatureRecord, error) {
			return &record, nil
		},
		getEvaluationFn: func(context.Context, string) (*store.EvaluationRecord, error) {
			copied := existing
			return &copied, nil
		},
		putEvaluationFn: func(_ context.Context, r store.EvaluationRecord) error {
			saved = r
			return nil
		},
	}
	svc := newTestService(fs)

	if err := svc.UpdatePropertyEvaluation(context.Background(), "a", "width", store.StatusWrong, "too narrow"); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if saved.Source != store.SourceMapillary || saved.MapillaryID != "img-1" {
		t.Fatalf("merge disturbed source or image: %+v", saved)
	}
	if saved.PropertyEvaluations["surface"].Status != store.StatusOK {
		t.Fatalf("merge disturbed other judgements: %+v", saved.PropertyEvaluations)
	}
	if pe := saved.PropertyEvaluations["width"]; pe.Status != store.StatusWrong || pe.Comment != "too narrow" {
		t.Fatalf("new judgement not merged: %+v", pe)
	}
	if saved.Timestamp.UnixMilli() != 1756000000000 {
		t.Fatalf("timestamp not bumped: %v", saved.Timestamp)
	}
}

func TestUpdatePropertyEvaluationCreatesFreshRecord(t *testing.T) {
	var saved store.EvaluationRecord
	record := storedFeature("a", geojson.Properties{"mapillary_id": "prop-img"})
	fs := &fakeStore{
		getFeatureFn: func(context.Context, string) (*store.FeatureRecord, error) {
			return &record, nil
		},
		putEvaluationFn: func(_ context.Context, r store.EvaluationRecord) error {
			saved = r
			return nil
		},
	}
	svc := newTestService(fs)

	if err := svc.UpdatePropertyEvaluation(context.Background(), "a", "surface", store.StatusOK, ""); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if saved.Source != store.SourceMapillary {
		t.Fatalf("fresh record should derive source from the feature, got %s", saved.Source)
	}
	if saved.MapillaryID != "" {
		t.Fatalf("feature property must not become the evaluation image, got %q", saved.MapillaryID)
	}
}

func exportFixtureStore() *fakeStore {
	return &fakeStore{
		getAllFeaturesFn: func(context.Context) ([]store.FeatureRecord, error) {
			return []store.FeatureRecord{
				storedFeature("a", geojson.Properties{"surface_OLD": "asphalt", "surface_NEW": "gravel"}),
				storedFeature("b", nil),
				storedFeature("c", nil),
			}, nil
		},
		listEvaluationsFn: func(context.Context) ([]store.EvaluationRecord, error) {
			return []store.EvaluationRecord{
				{
					FeatureID: "a",
					Source:    store.SourceMapillary,
					PropertyEvaluations: map[string]store.PropertyEvaluation{
						"surface": {Status: store.StatusWrong, Comment: "still asphalt"},
					},
				},
				{
					FeatureID: "b",
					Source:    store.SourceAerialImagery,
					PropertyEvaluations: map[string]store.PropertyEvaluation{
						"width": {Status: store.StatusOK},
					},
				},
			}, nil
		},
		getMetadataFn: func(context.Context, string) (string, error) {
			return "berlin", nil
		},
	}
}

func TestExportAllAugmentsEvaluatedFeatures(t *testing.T) {
	svc := newTestService(exportFixtureStore())

	collection, err := svc.ExportAll(context.Background())
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if len(collection.Features) != 2 {
		t.Fatalf("expected 2 evaluated features, got %d", len(collection.Features))
	}

	first := collection.Features[0].Properties
	if first["surface_STATUS"] != store.StatusWrong {
		t.Fatalf("missing status property: %v", first)
	}
	if first["surface_STATUS_DESC"] != "still asphalt" {
		t.Fatalf("missing comment property: %v", first)
	}
	if first["STATUS_SOURCE"] != string(store.SourceMapillary) {
		t.Fatalf("missing source property: %v", first)
	}
	if _, present := first["maproulette_task_description"]; present {
		t.Fatal("plain export must not carry the task description")
	}
}

func TestExportFlaggedNarrowsToWrong(t *testing.T) {
	svc := newTestService(exportFixtureStore())

	collection, err := svc.ExportFlagged(context.Background())
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if len(collection.Features) != 1 {
		t.Fatalf("expected 1 flagged feature, got %d", len(collection.Features))
	}
	props := collection.Features[0].Properties
	if props["id"] != "a" {
		t.Fatalf("wrong feature flagged: %v", props["id"])
	}
	description, _ := props["maproulette_task_description"].(string)
	if description == "" {
		t.Fatal("flagged export must carry the task description")
	}
}

func TestExportDoesNotMutateStoredFeatures(t *testing.T) {
	records := []store.FeatureRecord{storedFeature("a", nil)}
	fs := &fakeStore{
		getAllFeaturesFn: func(context.Context) ([]store.FeatureRecord, error) {
			return records, nil
		},
		listEvaluationsFn: func(context.Context) ([]store.EvaluationRecord, error) {
			return []store.EvaluationRecord{{FeatureID: "a", Source: store.SourceOther}}, nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.ExportAll(context.Background()); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if _, present := records[0].Feature.Properties["STATUS_SOURCE"]; present {
		t.Fatal("export augmented the stored feature in place")
	}
}

func TestProgress(t *testing.T) {
	fs := &fakeStore{
		countEvaluationsFn: func(context.Context) (int, error) { return 3, nil },
		getAllFeaturesFn: func(context.Context) ([]store.FeatureRecord, error) {
			return []store.FeatureRecord{storedFeature("a", nil), storedFeature("b", nil), storedFeature("c", nil), storedFeature("d", nil)}, nil
		},
	}
	svc := newTestService(fs)

	progress, err := svc.Progress(context.Background())
	if err != nil {
		t.Fatalf("progress failed: %v", err)
	}
	if progress.Evaluated != 3 || progress.Total != 4 {
		t.Fatalf("unexpected progress: %+v", progress)
	}
}

func TestClearAllDataDelegates(t *testing.T) {
	cleared := false
	fs := &fakeStore{
		clearAllFn: func(context.Context) error {
			cleared = true
			return nil
		},
	}
	svc := newTestService(fs)
	if err := svc.ClearAllData(context.Background()); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if !cleared {
		t.Fatal("clear not delegated to the store")
	}
}

func TestStoreErrorsPropagate(t *testing.T) {
	fs := &fakeStore{
		getAllFeaturesFn: func(context.Context) ([]store.FeatureRecord, error) {
			return nil, store.ErrStorageUnavailable
		},
	}
	svc := newTestService(fs)
	if _, err := svc.AllFeatures(context.Background()); !errors.Is(err, store.ErrStorageUnavailable) {
		t.Fatalf("expected storage error to propagate, got %v", err)
	}
}
