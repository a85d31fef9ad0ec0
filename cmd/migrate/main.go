// Command migrate manages the Postgres schema of the channels table.
//
// Usage:
//
//	migrate [--dsn DSN] up|down|version
//
// The DSN defaults to STORAGE_DSN. Per-channel event tables are created by the
// service on demand and are never touched here; "down" drops only the channel
// configuration table.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/onnwee/kickchat/backend/db"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("STORAGE_DSN"), "Postgres connection string (default STORAGE_DSN)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := run(context.Background(), os.Stdout, *dsn, flag.Args()); err != nil {
		slog.Error("migrate failed", slog.Any("err", err))
		os.Exit(1)
	}
}

var errUsage = errors.New("usage: migrate [--dsn DSN] up|down|version")

func run(ctx context.Context, out io.Writer, dsn string, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return fmt.Errorf("migrate supports postgres dsns only, got %q", redact(dsn))
	}

	database, err := db.Connect(dsn)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()
	if err := database.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	switch args[0] {
	case "up":
		if err := db.Bootstrap(ctx, database); err != nil {
			return err
		}
		return printVersion(out, database)
	case "down":
		if err := db.MigrateDown(database); err != nil {
			return err
		}
		return printVersion(out, database)
	case "version":
		return printVersion(out, database)
	default:
		return errUsage
	}
}

func printVersion(out io.Writer, database *sql.DB) error {
	v, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "version=%d dirty=%t\n", v, dirty)
	return err
}

// redact hides credentials in a dsn for error messages.
func redact(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}
