package store

import (
	"context"
	"testing"
	"testing/fstest"
)

// --- Migrate ---

func TestMigrate(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()
	const version = "900_test_migrate.sql"

	t.Cleanup(func() {
		testStore.pool.Exec(ctx, "DROP TABLE IF EXISTS test_migrate_tbl")
		testStore.pool.Exec(ctx, "DELETE FROM schema_migrations WHERE version = $1", version)
	})

	t.Run("applies migration and records version", func(t *testing.T) {
		testFS := fstest.MapFS{
			version: &fstest.MapFile{Data: []byte("CREATE TABLE test_migrate_tbl (id INT);")},
		}
		if err := testStore.Migrate(ctx, testFS); err != nil {
			t.Fatalf("Migrate failed: %v", err)
		}

		var tableExists bool
		err := testStore.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = 'test_migrate_tbl')",
		).Scan(&tableExists)
		if err != nil {
			t.Fatalf("checking table existence: %v", err)
		}
		if !tableExists {
			t.Error("expected test_migrate_tbl to exist after migration")
		}
	})

	t.Run("skips already-applied migrations", func(t *testing.T) {
		// Same version, invalid SQL: would fail if re-run
		testFS := fstest.MapFS{
			version: &fstest.MapFile{Data: []byte("THIS IS NOT SQL")},
		}
		if err := testStore.Migrate(ctx, testFS); err != nil {
			t.Fatalf("second Migrate failed: %v", err)
		}
	})

	t.Run("failed migration is rolled back and not recorded", func(t *testing.T) {
		const bad = "901_test_bad.sql"
		testFS := fstest.MapFS{
			bad: &fstest.MapFile{Data: []byte("CREATE TABLE test_bad_tbl (id INT); SELECT nope FROM nowhere;")},
		}
		if err := testStore.Migrate(ctx, testFS); err == nil {
			t.Fatal("expected error from bad migration")
		}

		var recorded bool
		testStore.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", bad).Scan(&recorded)
		if recorded {
			t.Error("bad migration should not be recorded")
		}
		var tableExists bool
		testStore.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = 'test_bad_tbl')",
		).Scan(&tableExists)
		if tableExists {
			t.Error("bad migration's table should have been rolled back")
		}
	})
}
