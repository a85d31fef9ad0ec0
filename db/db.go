// Package db owns the shared Postgres schema (the channels table) and its
// migrations. Per-channel event tables are created on demand by the storage
// package.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Connect opens a database/sql handle on the pgx driver.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("db: empty dsn")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies the same schema as the versioned migrations using
// idempotent statements. It is the fallback when golang-migrate cannot run
// (for example on a database that predates schema_migrations).
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS channels (
			id SERIAL PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			added_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			paused BOOLEAN NOT NULL DEFAULT FALSE,
			paused_at TIMESTAMPTZ
		)`,
		`ALTER TABLE channels ADD COLUMN IF NOT EXISTS paused BOOLEAN NOT NULL DEFAULT FALSE`,
		`ALTER TABLE channels ADD COLUMN IF NOT EXISTS paused_at TIMESTAMPTZ`,
		`CREATE INDEX IF NOT EXISTS idx_channels_paused ON channels(paused)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}
