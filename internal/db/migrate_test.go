// Package db tests for database migration management.
package db

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"migrations/V1__entries.up.sql": {Data: []byte(
			"CREATE TABLE entries (key TEXT PRIMARY KEY, value BLOB);")},
		"migrations/V1__entries.down.sql": {Data: []byte("DROP TABLE entries;")},
		"migrations/V2__entries_index.up.sql": {Data: []byte(
			"ALTER TABLE entries ADD COLUMN stored_at INTEGER NOT NULL DEFAULT 0;\n" +
				"CREATE INDEX idx_entries_stored_at ON entries(stored_at);")},
		"migrations/V2__entries_index.down.sql": {Data: []byte("DROP INDEX idx_entries_stored_at;")},
		"migrations/README.md":                  {Data: []byte("ignored")},
		"migrations/Vx__broken.up.sql":          {Data: []byte("ignored")},
	}
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testMigrations(), "migrations")

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_migrations'").Scan(&tableName)
	if err != nil {
		t.Errorf("schema_migrations table not found: %v", err)
	}

	_, err = db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		1, 123456, "test_migration", strings.Repeat("a", 64))
	if err != nil {
		t.Errorf("Failed to insert test row: %v", err)
	}
}

// TestCurrentVersion verifies version tracking before and after Up.
func TestCurrentVersion(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)
	m := NewMigrator(db, testMigrations(), "migrations")

	if _, err := m.CurrentVersion(ctx); err == nil {
		t.Error("CurrentVersion() should fail before Initialize()")
	}

	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if v, err := m.CurrentVersion(ctx); err != nil || v != 0 {
		t.Errorf("CurrentVersion() = %d, %v; want 0", v, err)
	}

	if err := m.Up(ctx); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if v, err := m.CurrentVersion(ctx); err != nil || v != 2 {
		t.Errorf("CurrentVersion() = %d, %v; want 2", v, err)
	}
}

// TestUp_appliesInOrder verifies migrations run in version order and are recorded.
func TestUp_appliesInOrder(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)

	if err := Migrate(ctx, db, testMigrations(), "migrations"); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}

	if _, err := db.Exec("INSERT INTO entries (key, value, stored_at) VALUES ('k', x'00', 1)"); err != nil {
		t.Errorf("schema from V1+V2 not usable: %v", err)
	}

	applied, err := NewMigrator(db, testMigrations(), "migrations").GetAppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied = %d migrations, want 2", len(applied))
	}
	if applied[0].Description != "entries" || applied[1].Description != "entries_index" {
		t.Errorf("descriptions = %q, %q", applied[0].Description, applied[1].Description)
	}
	for _, mig := range applied {
		if len(mig.Checksum) != 64 {
			t.Errorf("checksum %q should be 64 hex chars", mig.Checksum)
		}
	}
}

// TestUp_idempotent verifies re-running Up is a no-op.
func TestUp_idempotent(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)

	for i := 0; i < 3; i++ {
		if err := Migrate(ctx, db, testMigrations(), "migrations"); err != nil {
			t.Fatalf("Migrate() run %d failed: %v", i, err)
		}
	}

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("schema_migrations rows = %d, want 2", n)
	}
}

// TestUp_modifiedMigration verifies a changed applied file is detected.
func TestUp_modifiedMigration(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)
	fsys := testMigrations()

	if err := Migrate(ctx, db, fsys, "migrations"); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}

	fsys["migrations/V1__entries.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE entries (key TEXT);")}
	err := Migrate(ctx, db, fsys, "migrations")
	if err == nil || !strings.Contains(err.Error(), "modified") {
		t.Errorf("Migrate() error = %v, want modified-migration error", err)
	}
}

// TestUp_failedMigrationRollsBack verifies a broken migration leaves no record.
func TestUp_failedMigrationRollsBack(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)
	fsys := fstest.MapFS{
		"m/V1__ok.up.sql":     {Data: []byte("CREATE TABLE ok (x INTEGER);")},
		"m/V2__broken.up.sql": {Data: []byte("CREATE TABLE (;")},
	}

	if err := Migrate(ctx, db, fsys, "m"); err == nil {
		t.Fatal("Migrate() should fail on broken SQL")
	}

	m := NewMigrator(db, fsys, "m")
	if v, _ := m.CurrentVersion(ctx); v != 1 {
		t.Errorf("CurrentVersion() = %d, want 1", v)
	}
}

// TestUp_missingDir verifies a missing migrations directory is an error.
func TestUp_missingDir(t *testing.T) {
	db := openMemory(t)
	if err := Migrate(context.Background(), db, fstest.MapFS{}, "nowhere"); err == nil {
		t.Error("Migrate() should fail for a missing directory")
	}
}

// TestDown verifies rollback of the latest migration.
func TestDown(t *testing.T) {
	ctx := context.Background()
	db := openMemory(t)
	m := NewMigrator(db, testMigrations(), "migrations")

	if err := Migrate(ctx, db, testMigrations(), "migrations"); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}

	if err := m.Down(ctx); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	if v, _ := m.CurrentVersion(ctx); v != 1 {
		t.Errorf("CurrentVersion() after Down = %d, want 1", v)
	}

	if err := m.Down(ctx); err != nil {
		t.Fatalf("second Down() failed: %v", err)
	}
	if err := m.Down(ctx); err == nil {
		t.Error("Down() with nothing applied should fail")
	}
}
