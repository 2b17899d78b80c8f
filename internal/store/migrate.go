package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/moltbunker/fasset/internal/logging"
)

// migration is a single versioned schema step.
type migration struct {
	Version     int
	Description string
	Up          string
}

// schemaMigrations are applied in version order; applied versions are recorded in
// schema_migrations and never run twice.
var schemaMigrations = []migration{
	{
		Version:     1,
		Description: "records table",
		Up: `CREATE TABLE IF NOT EXISTS records (
    kind TEXT NOT NULL,
    id TEXT NOT NULL,
    body BLOB NOT NULL,
    PRIMARY KEY (kind, id)
)`,
	},
	{
		Version:     2,
		Description: "record update time",
		Up:          `ALTER TABLE records ADD COLUMN updated_at INTEGER NOT NULL DEFAULT 0`,
	},
}

func (s *SQLiteStore) migrate(ctx context.Context, migrations []migration) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    description TEXT NOT NULL,
    applied_at INTEGER NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	pending := make([]migration, 0, len(migrations))
	for _, m := range migrations {
		if m.Version > current {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Version < pending[j].Version
	})

	for _, m := range pending {
		if err := s.apply(ctx, m); err != nil {
			return fmt.Errorf("migration v%d (%s): %w", m.Version, m.Description, err)
		}
		logging.Info("applied schema migration",
			"version", m.Version,
			"description", m.Description,
			logging.Component("store"))
	}
	return nil
}

// apply runs one migration and records it in the same transaction.
func (s *SQLiteStore) apply(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.Up); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Description, time.Now().Unix())
	if err != nil {
		return err
	}
	return tx.Commit()
}

// SchemaVersion returns the highest applied migration version, or 0 for a new database.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}
