package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// SchemaVersion is the current schema version.
const SchemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    sampler TEXT NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    seed INTEGER NOT NULL DEFAULT 0,
    parameter_names TEXT NOT NULL,  -- JSON array
    output_names TEXT NOT NULL,     -- JSON array
    settings TEXT,                  -- JSON object
    created_at TEXT NOT NULL,

    status TEXT NOT NULL DEFAULT 'running',
    written INTEGER NOT NULL DEFAULT 0,
    failures INTEGER NOT NULL DEFAULT 0,
    acceptance_rate REAL NOT NULL DEFAULT 0,
    best_log_likelihood TEXT NOT NULL DEFAULT '0',
    finished_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);

-- Vectors are space-separated shortest round-trip floats so that
-- infinities and NaN survive.
CREATE TABLE IF NOT EXISTS samples (
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    phase TEXT NOT NULL,  -- 'burn_in', 'production'
    seq INTEGER NOT NULL,
    parameter_values TEXT NOT NULL,
    output_values TEXT NOT NULL,
    log_likelihood TEXT NOT NULL,
    comments TEXT,        -- JSON array
    PRIMARY KEY (run_id, phase, seq)
);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);
`

// InitSchema creates the tables on a fresh database and checks the
// integrity of an existing one.
func InitSchema(ctx context.Context, db *sqlx.DB) error {
	currentVersion, err := getSchemaVersion(ctx, db)
	if err != nil {
		// No schema_version table yet.
		if err := createSchema(ctx, db); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		return nil
	}

	if err := ValidateIntegrity(ctx, db); err != nil {
		return fmt.Errorf("database integrity check failed: %w", err)
	}
	if currentVersion > SchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", currentVersion, SchemaVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, db *sqlx.DB) (int, error) {
	var version int
	if err := db.GetContext(ctx, &version, `SELECT MAX(version) FROM schema_version`); err != nil {
		return 0, err
	}
	return version, nil
}

func createSchema(ctx context.Context, db *sqlx.DB) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, applied_at) VALUES (?, datetime('now'))`,
		SchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return tx.Commit()
}

// ValidateIntegrity runs PRAGMA integrity_check and PRAGMA
// foreign_key_check and reports any problem found.
func ValidateIntegrity(ctx context.Context, db *sqlx.DB) error {
	var results []string
	if err := db.SelectContext(ctx, &results, `PRAGMA integrity_check`); err != nil {
		return fmt.Errorf("failed to run integrity_check: %w", err)
	}
	for _, r := range results {
		if r != "ok" {
			return fmt.Errorf("integrity_check failed: %s", r)
		}
	}

	rows, err := db.QueryContext(ctx, `PRAGMA foreign_key_check`)
	if err != nil {
		return fmt.Errorf("failed to run foreign_key_check: %w", err)
	}
	defer rows.Close()

	var fkErrors []string
	for rows.Next() {
		var table, rowid, parent, fkid string
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return fmt.Errorf("failed to scan foreign_key_check result: %w", err)
		}
		fkErrors = append(fkErrors, fmt.Sprintf("table=%s rowid=%s parent=%s fkid=%s", table, rowid, parent, fkid))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(fkErrors) > 0 {
		return fmt.Errorf("foreign_key_check failed: %v", fkErrors)
	}
	return nil
}
