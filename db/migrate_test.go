package db

import (
	"context"
	"database/sql"
	"strings"
	"testing"
)

func TestEmbeddedMigrationsPresent(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	var up, down int
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			up++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			down++
		}
	}
	if up == 0 || up != down {
		t.Errorf("migrations up=%d down=%d, want matching non-zero counts", up, down)
	}
}

func TestRunMigrations(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	cleanDatabase(t, ctx, db)

	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	if !tableExists(t, db, "channels") {
		t.Errorf("channels table missing after migration")
	}

	version, dirty, err := GetMigrationVersion(db)
	if err != nil {
		t.Fatalf("GetMigrationVersion() error = %v", err)
	}
	if dirty {
		t.Errorf("migration version is dirty")
	}
	if version < 1 {
		t.Errorf("migration version = %d, want >= 1", version)
	}

	// idempotent
	if err := RunMigrations(db); err != nil {
		t.Fatalf("second RunMigrations() error = %v", err)
	}
}

func TestMigrationUpDown(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	cleanDatabase(t, ctx, db)

	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	if err := MigrateDown(db); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if tableExists(t, db, "channels") {
		t.Errorf("channels table still present after rollback")
	}
}

func TestBootstrapFallsBackToEmbeddedSQL(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	cleanDatabase(t, ctx, db)

	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := Bootstrap(ctx, db); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if !tableExists(t, db, "channels") {
		t.Errorf("channels table missing after bootstrap")
	}
}

func tableExists(t *testing.T, db *sql.DB, table string) bool {
	t.Helper()
	var exists bool
	err := db.QueryRow(`SELECT EXISTS (
		SELECT FROM information_schema.tables
		WHERE table_name = $1
	)`, table).Scan(&exists)
	if err != nil {
		t.Fatalf("failed to check table %s: %v", table, err)
	}
	return exists
}

// cleanDatabase drops the channels and schema_migrations tables to start fresh
func cleanDatabase(t *testing.T, ctx context.Context, db *sql.DB) {
	t.Helper()
	for _, stmt := range []string{
		`DROP TABLE IF EXISTS channels CASCADE`,
		`DROP TABLE IF EXISTS schema_migrations CASCADE`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("clean database: %v", err)
		}
	}
}
