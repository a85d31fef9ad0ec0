package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver registered as 'sqlite'

	"github.com/onnwee/kickchat/backend/kick"
	"github.com/onnwee/kickchat/backend/telemetry"
)

// sqliteTime is fixed-width so text ordering matches time ordering.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// WriterConfig tunes the SQLite single-writer queue.
type WriterConfig struct {
	MaxBatch   int
	ChanBuffer int
}

func (c WriterConfig) withDefaults() WriterConfig {
	if c.MaxBatch <= 0 {
		c.MaxBatch = 256
	}
	if c.ChanBuffer <= 0 {
		c.ChanBuffer = 1024
	}
	return c
}

type writeOp struct {
	ctx  context.Context
	fn   func(ctx context.Context, tx *sql.Tx) error
	done chan error
}

// SQLite keeps one table per channel in a single database file. SQLite
// allows one writer at a time, so every mutation is queued to a single
// goroutine that commits queued operations together in one transaction.
// Each operation runs under its own savepoint, so one failure does not
// roll back its neighbours.
type SQLite struct {
	db      *sql.DB
	cfg     WriterConfig
	ops     chan writeOp
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
	ensured sync.Map
}

// OpenSQLite opens (creating if needed) the database at path and starts the writer.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	return OpenSQLiteWithConfig(ctx, path, WriterConfig{})
}

// OpenSQLiteWithConfig is OpenSQLite with explicit writer tuning.
func OpenSQLiteWithConfig(ctx context.Context, path string, cfg WriterConfig) (*SQLite, error) {
	memory := path == ":memory:"
	if !memory {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("sqlite: create dir: %w", err)
			}
		}
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
		if !memory {
			dsn += "&_pragma=journal_mode(WAL)"
		}
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if memory {
		// every connection to :memory: is a separate database
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := sqlDB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS channels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT UNIQUE NOT NULL,
		added_at TEXT NOT NULL,
		paused INTEGER NOT NULL DEFAULT 0,
		paused_at TEXT
	)`); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite: create channels table: %w", err)
	}

	cfg = cfg.withDefaults()
	s := &SQLite{
		db:      sqlDB,
		cfg:     cfg,
		ops:     make(chan writeOp, cfg.ChanBuffer),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.run()
	slog.Info("sqlite storage ready", slog.String("component", "storage"), slog.String("path", path))
	return s, nil
}

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close stops the writer after it drains queued operations, then closes the database.
func (s *SQLite) Close() error {
	s.once.Do(func() { close(s.stop) })
	<-s.stopped
	return s.db.Close()
}

// submit queues fn for the writer and waits for its result.
func (s *SQLite) submit(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	op := writeOp{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case <-s.stop:
		return ErrClosed
	default:
	}
	select {
	case s.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stop:
		return ErrClosed
	}
	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		select {
		case err := <-op.done:
			return err
		default:
			return ErrClosed
		}
	}
}

func (s *SQLite) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.stop:
			s.drain()
			return
		case op := <-s.ops:
			batch := []writeOp{op}
		collect:
			for len(batch) < s.cfg.MaxBatch {
				select {
				case next := <-s.ops:
					batch = append(batch, next)
				default:
					break collect
				}
			}
			s.flush(batch)
		}
	}
}

// drain flushes whatever is still queued at shutdown.
func (s *SQLite) drain() {
	for {
		batch := make([]writeOp, 0, s.cfg.MaxBatch)
	collect:
		for len(batch) < s.cfg.MaxBatch {
			select {
			case op := <-s.ops:
				batch = append(batch, op)
			default:
				break collect
			}
		}
		if len(batch) == 0 {
			return
		}
		s.flush(batch)
	}
}

func (s *SQLite) flush(batch []writeOp) {
	ctx := context.Background()
	start := time.Now()
	results := make([]error, len(batch))
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		for _, op := range batch {
			op.done <- fmt.Errorf("sqlite: begin: %w", err)
		}
		return
	}
	for i, op := range batch {
		if err := op.ctx.Err(); err != nil {
			results[i] = err
			continue
		}
		if _, err := tx.ExecContext(ctx, `SAVEPOINT op`); err != nil {
			results[i] = err
			continue
		}
		if err := op.fn(op.ctx, tx); err != nil {
			results[i] = err
			_, _ = tx.ExecContext(ctx, `ROLLBACK TO op`)
		}
		_, _ = tx.ExecContext(ctx, `RELEASE op`)
	}
	if err := tx.Commit(); err != nil {
		for i := range results {
			if results[i] == nil {
				results[i] = fmt.Errorf("sqlite: commit: %w", err)
			}
		}
	}
	for i, op := range batch {
		op.done <- results[i]
	}
	slog.Debug("sqlite batch flushed",
		slog.String("component", "storage"),
		slog.Int("ops", len(batch)),
		slog.Duration("took", time.Since(start)))
}

func sqliteTableDDL(channel string) []string {
	table := TableName(channel)
	t := quoteIdent(table)
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + t + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			event_id TEXT,
			chatroom_id TEXT,
			"timestamp" TEXT,
			user_id TEXT,
			username TEXT,
			content TEXT,
			sender_data TEXT,
			metadata TEXT,
			raw_payload TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ` + quoteIdent(table+"_eid") + ` ON ` + t + ` (event_type, event_id) WHERE event_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS ` + quoteIdent(table+"_type") + ` ON ` + t + ` (event_type)`,
	}
}

func (s *SQLite) EnsureChannel(ctx context.Context, channel string) error {
	table := TableName(channel)
	if _, ok := s.ensured.Load(table); ok {
		return nil
	}
	err := s.submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, stmt := range sqliteTableDDL(channel) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sqlite: ensure %s: %w", table, err)
	}
	s.ensured.Store(table, struct{}{})
	return nil
}

func (s *SQLite) Append(ctx context.Context, channel string, rec *kick.Record) error {
	start := time.Now()
	storedAt := time.Now().UTC()
	q := `INSERT OR IGNORE INTO ` + quoteIdent(TableName(channel)) + ` (
		event_type, event_id, chatroom_id, "timestamp", user_id, username,
		content, sender_data, metadata, raw_payload, created_at
	) VALUES (?,?,?,?,?,?,?,?,?,?,?)`
	var ts any
	if !rec.Timestamp.IsZero() {
		ts = rec.Timestamp.UTC().Format(sqliteTime)
	}
	err := s.submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			string(rec.EventType), nullIfEmpty(rec.EventID), nullIfEmpty(rec.ChatroomID), ts,
			nullIfEmpty(rec.UserID), nullIfEmpty(rec.Username), rec.Content,
			nullJSON(rec.SenderData), nullJSON(rec.Metadata), string(rec.RawPayload),
			storedAt.Format(sqliteTime))
		return err
	})
	telemetry.ObserveAppend(time.Since(start))
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWrite, channel, err)
	}
	rec.StoredAt = storedAt
	return nil
}

func parseSQLiteTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(sqliteTime, s.String)
	if err != nil {
		return nil, fmt.Errorf("sqlite: parse time %q: %w", s.String, err)
	}
	return &t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteChannel(row rowScanner) (ChannelConfig, error) {
	var (
		c        ChannelConfig
		addedAt  sql.NullString
		pausedAt sql.NullString
		paused   int
	)
	if err := row.Scan(&c.Name, &addedAt, &paused, &pausedAt); err != nil {
		return ChannelConfig{}, err
	}
	added, err := parseSQLiteTime(addedAt)
	if err != nil {
		return ChannelConfig{}, err
	}
	if added != nil {
		c.AddedAt = *added
	}
	c.Paused = paused != 0
	if c.PausedAt, err = parseSQLiteTime(pausedAt); err != nil {
		return ChannelConfig{}, err
	}
	return c, nil
}

func (s *SQLite) AddChannel(ctx context.Context, channel string) (ChannelConfig, error) {
	now := time.Now().UTC()
	err := s.submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO channels (name, added_at, paused) VALUES (?, ?, 0)`,
			channel, now.Format(sqliteTime))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrChannelExists, channel)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrChannelExists) {
			return ChannelConfig{}, err
		}
		return ChannelConfig{}, fmt.Errorf("sqlite: add channel %s: %w", channel, err)
	}
	added, _ := time.Parse(sqliteTime, now.Format(sqliteTime))
	return ChannelConfig{Name: channel, AddedAt: added}, nil
}

func (s *SQLite) ListChannels(ctx context.Context) ([]ChannelConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY added_at DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list channels: %w", err)
	}
	defer rows.Close()
	var out []ChannelConfig
	for rows.Next() {
		c, err := scanSQLiteChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan channel: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) GetConfig(ctx context.Context, channel string) (ChannelConfig, error) {
	c, err := scanSQLiteChannel(s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE name = ?`, channel))
	if errors.Is(err, sql.ErrNoRows) {
		return ChannelConfig{}, fmt.Errorf("%w: %s", ErrChannelNotFound, channel)
	}
	if err != nil {
		return ChannelConfig{}, fmt.Errorf("sqlite: get channel %s: %w", channel, err)
	}
	return c, nil
}

func (s *SQLite) SetPaused(ctx context.Context, channel string, paused bool) (ChannelConfig, error) {
	var out ChannelConfig
	err := s.submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var res sql.Result
		var err error
		if paused {
			res, err = tx.ExecContext(ctx, `UPDATE channels SET paused = 1, paused_at = ? WHERE name = ?`,
				time.Now().UTC().Format(sqliteTime), channel)
		} else {
			res, err = tx.ExecContext(ctx, `UPDATE channels SET paused = 0 WHERE name = ?`, channel)
		}
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrChannelNotFound, channel)
		}
		out, err = scanSQLiteChannel(tx.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE name = ?`, channel))
		return err
	})
	if err != nil {
		if errors.Is(err, ErrChannelNotFound) {
			return ChannelConfig{}, err
		}
		return ChannelConfig{}, fmt.Errorf("sqlite: set paused %s: %w", channel, err)
	}
	return out, nil
}

func (s *SQLite) RemoveChannel(ctx context.Context, channel string) error {
	err := s.submit(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE name = ?`, channel)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrChannelNotFound, channel)
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrChannelNotFound) {
		return fmt.Errorf("sqlite: remove channel %s: %w", channel, err)
	}
	return err
}

func (s *SQLite) Stats(ctx context.Context, channel string) (ChannelStats, error) {
	if _, err := s.GetConfig(ctx, channel); err != nil {
		return ChannelStats{}, err
	}
	if err := s.EnsureChannel(ctx, channel); err != nil {
		return ChannelStats{}, err
	}
	t := quoteIdent(TableName(channel))
	stats := ChannelStats{Channel: channel, ByType: map[string]int64{}}

	rows, err := s.db.QueryContext(ctx, `SELECT event_type, COUNT(*) FROM `+t+` GROUP BY event_type`)
	if err != nil {
		return ChannelStats{}, fmt.Errorf("sqlite: stats %s: %w", channel, err)
	}
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			_ = rows.Close()
			return ChannelStats{}, fmt.Errorf("sqlite: stats scan: %w", err)
		}
		stats.ByType[kind] = n
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return ChannelStats{}, fmt.Errorf("sqlite: stats %s: %w", channel, err)
	}

	var first, last sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT user_id), MIN(created_at), MAX(created_at) FROM `+t).
		Scan(&stats.Total, &stats.UniqueUsers, &first, &last)
	if err != nil {
		return ChannelStats{}, fmt.Errorf("sqlite: stats %s: %w", channel, err)
	}
	if stats.FirstStoredAt, err = parseSQLiteTime(first); err != nil {
		return ChannelStats{}, err
	}
	if stats.LastStoredAt, err = parseSQLiteTime(last); err != nil {
		return ChannelStats{}, err
	}
	return stats, nil
}
