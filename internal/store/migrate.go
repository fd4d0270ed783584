package store

import (
	"context"
	"database/sql"
	"fmt"
)

// A migrationStep is one named, ordered schema change. Steps run inside a
// transaction and are recorded in schema_migrations, so reopening an existing
// database only applies what is missing. Destructive steps carry the fact in
// their name so the break is auditable.
type migrationStep struct {
	name       string
	statements []string
}

var migrations = []migrationStep{
	{
		name: "0001_create_features_and_evaluations",
		statements: []string{
			`CREATE TABLE features (
				id TEXT PRIMARY KEY,
				feature TEXT NOT NULL,
				sort_order INTEGER NOT NULL
			)`,
			`CREATE INDEX idx_features_sort_order ON features(sort_order)`,
			`CREATE TABLE evaluations (
				feature_id TEXT PRIMARY KEY,
				status TEXT NOT NULL,
				comment TEXT,
				timestamp INTEGER NOT NULL
			)`,
		},
	},
	{
		name: "0002_add_evaluation_source",
		statements: []string{
			`ALTER TABLE evaluations ADD COLUMN source TEXT`,
			`UPDATE evaluations SET source = 'aerial_imagery' WHERE source IS NULL OR source = ''`,
		},
	},
	{
		// Destructive: the per-feature status/comment shape was replaced by
		// per-property judgements. Rows of the old shape cannot be carried
		// over, so this step drops them along with their features. One-time
		// format break, accepted.
		name: "0003_property_evaluations_reset_destructive",
		statements: []string{
			`CREATE TABLE evaluations_v2 (
				feature_id TEXT PRIMARY KEY,
				source TEXT NOT NULL DEFAULT 'aerial_imagery',
				mapillary_id TEXT,
				property_evaluations TEXT NOT NULL DEFAULT '{}',
				timestamp INTEGER NOT NULL
			)`,
			`DROP TABLE evaluations`,
			`ALTER TABLE evaluations_v2 RENAME TO evaluations`,
			`DELETE FROM features`,
		},
	},
	{
		name: "0004_create_metadata",
		statements: []string{
			`CREATE TABLE metadata (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`,
		},
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}

	for _, step := range migrations {
		if migrated, err := isMigrated(ctx, db, step.name); err != nil {
			return err
		} else if migrated {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx %s: %w", step.name, err)
		}

		for _, stmt := range step.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("execute migration %s: %w", step.name, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES(?)`, step.name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", step.name, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", step.name, err)
		}
	}

	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL DEFAULT (unixepoch())
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=?)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
