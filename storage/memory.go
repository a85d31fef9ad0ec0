package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/kickchat/backend/kick"
)

type memChannel struct {
	mu      sync.Mutex
	records []kick.Record
	seen    map[string]struct{}
}

// Memory is an in-process Store. Each channel's records sit behind their own
// lock; the configuration map has a separate one.
type Memory struct {
	mu       sync.RWMutex
	configs  map[string]ChannelConfig
	channels map[string]*memChannel
	closed   bool

	// FailAppend, when set, is consulted before every append; a non-nil
	// result is returned as a write failure. Tests use it to inject faults.
	FailAppend func(channel string, rec kick.Record) error
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		configs:  make(map[string]ChannelConfig),
		channels: make(map[string]*memChannel),
	}
}

func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) channel(name string) (*memChannel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.channels[name]
	return c, ok
}

func (m *Memory) EnsureChannel(_ context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.channels[channel]; !ok {
		m.channels[channel] = &memChannel{seen: make(map[string]struct{})}
	}
	return nil
}

func (m *Memory) Append(ctx context.Context, channel string, rec *kick.Record) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWrite, channel, err)
	}
	if m.FailAppend != nil {
		if err := m.FailAppend(channel, *rec); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrWrite, channel, err)
		}
	}
	c, ok := m.channel(channel)
	if !ok {
		return fmt.Errorf("%w: %s: channel not ensured", ErrWrite, channel)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rec.StoredAt = time.Now().UTC()
	if rec.EventID != "" {
		key := string(rec.EventType) + "\x00" + rec.EventID
		if _, dup := c.seen[key]; dup {
			return nil
		}
		c.seen[key] = struct{}{}
	}
	c.records = append(c.records, *rec)
	return nil
}

// Records returns a copy of the records stored for channel, in append order.
func (m *Memory) Records(channel string) []kick.Record {
	c, ok := m.channel(channel)
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]kick.Record, len(c.records))
	copy(out, c.records)
	return out
}

func (m *Memory) AddChannel(_ context.Context, channel string) (ChannelConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[channel]; ok {
		return ChannelConfig{}, fmt.Errorf("%w: %s", ErrChannelExists, channel)
	}
	c := ChannelConfig{Name: channel, AddedAt: time.Now().UTC()}
	m.configs[channel] = c
	return c, nil
}

func (m *Memory) ListChannels(context.Context) ([]ChannelConfig, error) {
	m.mu.RLock()
	out := make([]ChannelConfig, 0, len(m.configs))
	for _, c := range m.configs {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.After(out[j].AddedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *Memory) GetConfig(_ context.Context, channel string) (ChannelConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.configs[channel]
	if !ok {
		return ChannelConfig{}, fmt.Errorf("%w: %s", ErrChannelNotFound, channel)
	}
	return c, nil
}

func (m *Memory) SetPaused(_ context.Context, channel string, paused bool) (ChannelConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[channel]
	if !ok {
		return ChannelConfig{}, fmt.Errorf("%w: %s", ErrChannelNotFound, channel)
	}
	c.Paused = paused
	if paused {
		now := time.Now().UTC()
		c.PausedAt = &now
	}
	m.configs[channel] = c
	return c, nil
}

func (m *Memory) RemoveChannel(_ context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[channel]; !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channel)
	}
	delete(m.configs, channel)
	return nil
}

func (m *Memory) Stats(ctx context.Context, channel string) (ChannelStats, error) {
	if _, err := m.GetConfig(ctx, channel); err != nil {
		return ChannelStats{}, err
	}
	stats := ChannelStats{Channel: channel, ByType: map[string]int64{}}
	users := map[string]struct{}{}
	for _, r := range m.Records(channel) {
		stats.Total++
		stats.ByType[string(r.EventType)]++
		if r.UserID != "" {
			users[r.UserID] = struct{}{}
		}
		at := r.StoredAt
		if stats.FirstStoredAt == nil || at.Before(*stats.FirstStoredAt) {
			stats.FirstStoredAt = &at
		}
		if stats.LastStoredAt == nil || at.After(*stats.LastStoredAt) {
			t := at
			stats.LastStoredAt = &t
		}
	}
	stats.UniqueUsers = int64(len(users))
	return stats, nil
}
