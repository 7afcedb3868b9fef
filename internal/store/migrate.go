package store

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
)

// Migrate applies all pending SQL migrations from the given filesystem.
// Each migration runs in its own transaction; already-applied files are skipped.
func (s *PostgresStore) Migrate(ctx context.Context, migrationsFS fs.FS) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.Glob(migrationsFS, "*.sql")
	if err != nil {
		return fmt.Errorf("reading migration files: %w", err)
	}
	sort.Strings(entries)

	applied := 0
	for _, filename := range entries {
		ok, err := s.applyMigration(ctx, migrationsFS, filename)
		if err != nil {
			return err
		}
		if ok {
			applied++
		}
	}
	slog.Info("migrations complete", "files", len(entries), "applied", applied)
	return nil
}

// applyMigration runs one file unless schema_migrations already lists it.
// Reports whether the file was applied by this call.
func (s *PostgresStore) applyMigration(ctx context.Context, migrationsFS fs.FS, filename string) (bool, error) {
	sql, err := fs.ReadFile(migrationsFS, filename)
	if err != nil {
		return false, fmt.Errorf("reading migration %s: %w", filename, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning transaction for %s: %w", filename, err)
	}
	defer tx.Rollback(ctx)

	// Claim the version first; a concurrent instance blocks here until we commit
	tag, err := tx.Exec(ctx,
		"INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT (version) DO NOTHING", filename)
	if err != nil {
		return false, fmt.Errorf("recording migration %s: %w", filename, err)
	}
	if tag.RowsAffected() == 0 {
		slog.Debug("migration already applied, skipping", "version", filename)
		return false, nil
	}

	if _, err := tx.Exec(ctx, string(sql)); err != nil {
		return false, fmt.Errorf("executing migration %s: %w", filename, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing migration %s: %w", filename, err)
	}
	slog.Info("migration applied", "version", filename)
	return true, nil
}
