package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/kickchat/backend/db"
	"github.com/onnwee/kickchat/backend/kick"
	"github.com/onnwee/kickchat/backend/telemetry"
)

// batchSender is the part of pgxpool.Pool used for multi-statement DDL.
type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Postgres stores records in one table per channel on a shared pgx pool.
type Postgres struct {
	pool    *pgxpool.Pool
	ddl     batchSender
	ensured sync.Map // table name -> struct{}
}

// OpenPostgres connects, verifies the connection, and bootstraps the
// channels table.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	sqlDB := stdlib.OpenDBFromPool(pool)
	if err := db.Bootstrap(ctx, sqlDB); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	slog.Info("postgres storage ready", slog.String("component", "storage"))
	return &Postgres{pool: pool, ddl: pool}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func channelTableDDL(channel string) []string {
	table := TableName(channel)
	t := quoteIdent(table)
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + t + ` (
			id BIGSERIAL PRIMARY KEY,
			event_type TEXT NOT NULL,
			event_id TEXT,
			chatroom_id TEXT,
			"timestamp" TIMESTAMPTZ,
			user_id TEXT,
			username TEXT,
			content TEXT,
			sender_data JSONB,
			metadata JSONB,
			raw_payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ` + quoteIdent(table+"_eid") + ` ON ` + t + ` (event_type, event_id) WHERE event_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS ` + quoteIdent(table+"_type") + ` ON ` + t + ` (event_type)`,
		`CREATE INDEX IF NOT EXISTS ` + quoteIdent(table+"_ts") + ` ON ` + t + ` (created_at)`,
	}
}

func (p *Postgres) EnsureChannel(ctx context.Context, channel string) error {
	table := TableName(channel)
	if _, ok := p.ensured.Load(table); ok {
		return nil
	}
	err := p.createChannelTable(ctx, channel)
	if isUniqueViolation(err) {
		// concurrent CREATE ... IF NOT EXISTS raced on pg_type; the table now exists
		err = p.createChannelTable(ctx, channel)
	}
	if err != nil {
		return fmt.Errorf("postgres: ensure %s: %w", table, err)
	}
	p.ensured.Store(table, struct{}{})
	return nil
}

// createChannelTable sends the table and index DDL as one batch.
func (p *Postgres) createChannelTable(ctx context.Context, channel string) error {
	stmts := channelTableDDL(channel)
	batch := &pgx.Batch{}
	for _, s := range stmts {
		batch.Queue(s)
	}
	br := p.ddl.SendBatch(ctx, batch)
	for range stmts {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}

func (p *Postgres) Append(ctx context.Context, channel string, rec *kick.Record) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerStorage, "postgres.append",
		telemetry.ChannelAttr(channel), telemetry.EventTypeAttr(string(rec.EventType)))

	start := time.Now()
	q := `INSERT INTO ` + quoteIdent(TableName(channel)) + ` (
		event_type, event_id, chatroom_id, "timestamp", user_id, username,
		content, sender_data, metadata, raw_payload
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (event_type, event_id) WHERE event_id IS NOT NULL DO NOTHING
	RETURNING created_at`
	var storedAt time.Time
	err := p.pool.QueryRow(ctx, q,
		string(rec.EventType), nullIfEmpty(rec.EventID), nullIfEmpty(rec.ChatroomID), nullIfZero(rec.Timestamp),
		nullIfEmpty(rec.UserID), nullIfEmpty(rec.Username), rec.Content,
		nullJSON(rec.SenderData), nullJSON(rec.Metadata), string(rec.RawPayload),
	).Scan(&storedAt)
	telemetry.ObserveAppend(time.Since(start))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// duplicate origin event; already stored
		rec.StoredAt = time.Now().UTC()
		err = nil
	case err != nil:
		err = fmt.Errorf("%w: %s: %w", ErrWrite, channel, err)
	default:
		rec.StoredAt = storedAt.UTC()
	}
	telemetry.EndSpan(span, err)
	return err
}

const channelColumns = `name, added_at, paused, paused_at`

func scanChannel(row pgx.Row) (ChannelConfig, error) {
	var c ChannelConfig
	var pausedAt *time.Time
	if err := row.Scan(&c.Name, &c.AddedAt, &c.Paused, &pausedAt); err != nil {
		return ChannelConfig{}, err
	}
	c.AddedAt = c.AddedAt.UTC()
	if pausedAt != nil {
		t := pausedAt.UTC()
		c.PausedAt = &t
	}
	return c, nil
}

func (p *Postgres) AddChannel(ctx context.Context, channel string) (ChannelConfig, error) {
	row := p.pool.QueryRow(ctx,
		`INSERT INTO channels (name, added_at) VALUES ($1, NOW())
		 ON CONFLICT (name) DO NOTHING
		 RETURNING `+channelColumns, channel)
	c, err := scanChannel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ChannelConfig{}, fmt.Errorf("%w: %s", ErrChannelExists, channel)
	}
	if err != nil {
		return ChannelConfig{}, fmt.Errorf("postgres: add channel %s: %w", channel, err)
	}
	return c, nil
}

func (p *Postgres) ListChannels(ctx context.Context) ([]ChannelConfig, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY added_at DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list channels: %w", err)
	}
	defer rows.Close()
	var out []ChannelConfig
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan channel: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) GetConfig(ctx context.Context, channel string) (ChannelConfig, error) {
	c, err := scanChannel(p.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE name = $1`, channel))
	if errors.Is(err, pgx.ErrNoRows) {
		return ChannelConfig{}, fmt.Errorf("%w: %s", ErrChannelNotFound, channel)
	}
	if err != nil {
		return ChannelConfig{}, fmt.Errorf("postgres: get channel %s: %w", channel, err)
	}
	return c, nil
}

func (p *Postgres) SetPaused(ctx context.Context, channel string, paused bool) (ChannelConfig, error) {
	c, err := scanChannel(p.pool.QueryRow(ctx,
		`UPDATE channels
		 SET paused = $2, paused_at = CASE WHEN $2 THEN NOW() ELSE paused_at END
		 WHERE name = $1
		 RETURNING `+channelColumns, channel, paused))
	if errors.Is(err, pgx.ErrNoRows) {
		return ChannelConfig{}, fmt.Errorf("%w: %s", ErrChannelNotFound, channel)
	}
	if err != nil {
		return ChannelConfig{}, fmt.Errorf("postgres: set paused %s: %w", channel, err)
	}
	return c, nil
}

func (p *Postgres) RemoveChannel(ctx context.Context, channel string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM channels WHERE name = $1`, channel)
	if err != nil {
		return fmt.Errorf("postgres: remove channel %s: %w", channel, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channel)
	}
	return nil
}

func (p *Postgres) Stats(ctx context.Context, channel string) (ChannelStats, error) {
	if _, err := p.GetConfig(ctx, channel); err != nil {
		return ChannelStats{}, err
	}
	if err := p.EnsureChannel(ctx, channel); err != nil {
		return ChannelStats{}, err
	}
	t := quoteIdent(TableName(channel))
	stats := ChannelStats{Channel: channel, ByType: map[string]int64{}}

	rows, err := p.pool.Query(ctx, `SELECT event_type, COUNT(*) FROM `+t+` GROUP BY event_type`)
	if err != nil {
		return ChannelStats{}, fmt.Errorf("postgres: stats %s: %w", channel, err)
	}
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			rows.Close()
			return ChannelStats{}, fmt.Errorf("postgres: stats scan: %w", err)
		}
		stats.ByType[kind] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ChannelStats{}, fmt.Errorf("postgres: stats %s: %w", channel, err)
	}

	var first, last *time.Time
	err = p.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT user_id), MIN(created_at), MAX(created_at) FROM `+t).
		Scan(&stats.Total, &stats.UniqueUsers, &first, &last)
	if err != nil {
		return ChannelStats{}, fmt.Errorf("postgres: stats %s: %w", channel, err)
	}
	stats.FirstStoredAt, stats.LastStoredAt = utcPtr(first), utcPtr(last)
	return stats, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// isUniqueViolation reports a Postgres unique constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
