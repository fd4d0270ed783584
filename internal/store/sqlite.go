package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/orb/geojson"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ReplaceFeatures swaps in a whole dataset in one transaction: the prior
// features and their evaluations are dropped and the new records written
// before the commit, so concurrent readers never observe a partial import or
// a mix of two datasets.
func (s *SQLiteStore) ReplaceFeatures(ctx context.Context, records []FeatureRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}

	for _, table := range []string{"evaluations", "features"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("drop prior %s: %w", table, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO features (id, feature, sort_order)
		VALUES (?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare replace: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		payload, err := record.Feature.MarshalJSON()
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("marshal feature %s: %w", record.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, record.ID, string(payload), record.SortOrder); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert feature %s: %w", record.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace: %w", err)
	}
	return nil
}

// GetAllFeatures returns features in canonical order, ascending sort_order.
func (s *SQLiteStore) GetAllFeatures(ctx context.Context) ([]FeatureRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, feature, sort_order FROM features ORDER BY sort_order ASC`)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	defer rows.Close()

	var records []FeatureRecord
	for rows.Next() {
		record, err := scanFeature(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) GetFeature(ctx context.Context, id string) (*FeatureRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, feature, sort_order FROM features WHERE id=?`, id)
	record, err := scanFeature(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeature(row rowScanner) (FeatureRecord, error) {
	var record FeatureRecord
	var payload string
	if err := row.Scan(&record.ID, &payload, &record.SortOrder); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FeatureRecord{}, err
		}
		return FeatureRecord{}, fmt.Errorf("scan feature: %w", err)
	}
	feature, err := geojson.UnmarshalFeature([]byte(payload))
	if err != nil {
		return FeatureRecord{}, fmt.Errorf("decode feature %s: %w", record.ID, err)
	}
	record.Feature = feature
	return record, nil
}

func (s *SQLiteStore) PutEvaluation(ctx context.Context, record EvaluationRecord) error {
	props, err := json.Marshal(record.PropertyEvaluations)
	if err != nil {
		return fmt.Errorf("marshal property evaluations: %w", err)
	}

	var mapillaryID any
	if record.MapillaryID != "" {
		mapillaryID = record.MapillaryID
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO evaluations (feature_id, source, mapillary_id, property_evaluations, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(feature_id) DO UPDATE SET
			source=excluded.source,
			mapillary_id=excluded.mapillary_id,
			property_evaluations=excluded.property_evaluations,
			timestamp=excluded.timestamp
	`, record.FeatureID, string(record.Source), mapillaryID, string(props), record.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("put evaluation %s: %w", record.FeatureID, err)
	}
	return nil
}

func (s *SQLiteStore) GetEvaluation(ctx context.Context, featureID string) (*EvaluationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT feature_id, source, mapillary_id, property_evaluations, timestamp
		FROM evaluations WHERE feature_id=?
	`, featureID)
	record, err := scanEvaluation(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Not yet evaluated is an expected steady state, not an error.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *SQLiteStore) ListEvaluations(ctx context.Context) ([]EvaluationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT feature_id, source, mapillary_id, property_evaluations, timestamp
		FROM evaluations
	`)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	defer rows.Close()

	var records []EvaluationRecord
	for rows.Next() {
		record, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) CountEvaluations(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM evaluations`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count evaluations: %w", err)
	}
	return count, nil
}

func scanEvaluation(row rowScanner) (EvaluationRecord, error) {
	var record EvaluationRecord
	var source string
	var mapillaryID sql.NullString
	var props string
	var timestamp int64
	if err := row.Scan(&record.FeatureID, &source, &mapillaryID, &props, &timestamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EvaluationRecord{}, err
		}
		return EvaluationRecord{}, fmt.Errorf("scan evaluation: %w", err)
	}
	record.Source = EvaluationSource(source)
	record.MapillaryID = mapillaryID.String
	record.Timestamp = time.UnixMilli(timestamp)
	if err := json.Unmarshal([]byte(props), &record.PropertyEvaluations); err != nil {
		return EvaluationRecord{}, fmt.Errorf("decode property evaluations %s: %w", record.FeatureID, err)
	}
	if record.PropertyEvaluations == nil {
		record.PropertyEvaluations = map[string]PropertyEvaluation{}
	}
	return record, nil
}

func (s *SQLiteStore) PutMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("put metadata %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key=?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get metadata %s: %w", key, err)
	}
	return value, nil
}

// ClearAll wipes all three collections in one transaction. Irreversible;
// callers obtain user confirmation first.
func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	for _, table := range []string{"features", "evaluations", "metadata"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear: %w", err)
	}
	return nil
}
