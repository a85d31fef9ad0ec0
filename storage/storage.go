// Package storage persists channel configuration and normalized records.
//
// Every channel gets its own physical table (TablePrefix + canonical name),
// so appends for different channels never contend on one table or lock.
// Backends are selected by DSN scheme through Open.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/onnwee/kickchat/backend/kick"
)

// TablePrefix prefixes every per-channel event table.
const TablePrefix = "kickchat_"

var (
	// ErrWrite wraps any failure to persist a record.
	ErrWrite = errors.New("storage write failure")
	// ErrChannelNotFound is returned for operations on an unknown channel.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrChannelExists is returned when adding a channel that is already configured.
	ErrChannelExists = errors.New("channel already exists")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage closed")
)

// ChannelConfig is one row of the channel configuration table.
type ChannelConfig struct {
	Name     string     `json:"name"`
	AddedAt  time.Time  `json:"added_at"`
	Paused   bool       `json:"paused"`
	PausedAt *time.Time `json:"paused_at,omitempty"`
}

// ChannelStats aggregates one channel's stored records.
type ChannelStats struct {
	Channel       string           `json:"channel"`
	Total         int64            `json:"total"`
	ByType        map[string]int64 `json:"by_type"`
	UniqueUsers   int64            `json:"unique_users"`
	FirstStoredAt *time.Time       `json:"first_stored_at,omitempty"`
	LastStoredAt  *time.Time       `json:"last_stored_at,omitempty"`
}

// Sink is the append side used by sessions.
type Sink interface {
	// EnsureChannel creates the channel's record target if missing. Idempotent.
	EnsureChannel(ctx context.Context, channel string) error
	// Append persists rec and sets rec.StoredAt. Duplicate origin event ids
	// within a channel are accepted and silently dropped.
	Append(ctx context.Context, channel string, rec *kick.Record) error
}

// ConfigStore is the channel configuration side, written only by the registry.
type ConfigStore interface {
	AddChannel(ctx context.Context, channel string) (ChannelConfig, error)
	ListChannels(ctx context.Context) ([]ChannelConfig, error)
	GetConfig(ctx context.Context, channel string) (ChannelConfig, error)
	// SetPaused records the paused flag. Pausing stamps paused_at; resuming
	// keeps the last paused_at for history.
	SetPaused(ctx context.Context, channel string, paused bool) (ChannelConfig, error)
	// RemoveChannel deletes the configuration row. Stored records are kept.
	RemoveChannel(ctx context.Context, channel string) error
	Stats(ctx context.Context, channel string) (ChannelStats, error)
}

// Store is a complete backend.
type Store interface {
	Sink
	ConfigStore
	Ping(ctx context.Context) error
	Close() error
}

// TableName returns the event table for a canonical channel name.
func TableName(channel string) string { return TablePrefix + channel }

// quoteIdent quotes an SQL identifier; valid for both Postgres and SQLite.
func quoteIdent(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

// nullIfEmpty maps "" to nil so optional text columns persist as NULL.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
