package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/kickchat/backend/kick"
	"github.com/onnwee/kickchat/backend/kickapi"
	"github.com/onnwee/kickchat/backend/storage"
)

func newTestRegistry(t *testing.T, store Store, tr Transport) *Registry {
	t.Helper()
	r := NewRegistry(store, RegistryOptions{Session: testOptions(tr, nil, nil)})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func waitChannelState(t *testing.T, r *Registry, name string, phase Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := r.Session(name)
		return ok && s.State().Phase == phase
	}, waitFor, tick, "%s never reached %s", name, phase)
}

func TestRegistryAddStartsSession(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	tr := newFakeTransport(0)
	r := newTestRegistry(t, store, tr)
	require.NoError(t, r.Start(ctx))

	cfg, err := r.Add(ctx, "  #Alpha ")
	require.NoError(t, err)
	assert.Equal(t, "alpha", cfg.Name)
	assert.False(t, cfg.AddedAt.IsZero())

	conn := tr.next(t)
	waitChannelState(t, r, "alpha", PhaseActive)
	conn.push(t, chatFrame("m1", "hi"))
	require.Eventually(t, func() bool { return len(store.Records("alpha")) == 1 }, waitFor, tick)

	_, err = r.Add(ctx, "ALPHA")
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestRegistryAddInvalidName(t *testing.T) {
	r := newTestRegistry(t, storage.NewMemory(), newFakeTransport(0))
	_, err := r.Add(context.Background(), "  ")
	assert.ErrorIs(t, err, kick.ErrInvalidChannelName)
}

func TestRegistryAddValidates(t *testing.T) {
	store := storage.NewMemory()
	r := NewRegistry(store, RegistryOptions{
		Session: testOptions(newFakeTransport(0), nil, nil),
		Validate: func(_ context.Context, name string) error {
			if name == "ghost" {
				return fmt.Errorf("%w: %s", kickapi.ErrChannelNotFound, name)
			}
			return nil
		},
	})
	defer func() { _ = r.Shutdown(context.Background()) }()

	_, err := r.Add(context.Background(), "ghost")
	assert.ErrorIs(t, err, kickapi.ErrChannelNotFound)
	_, err = store.GetConfig(context.Background(), "ghost")
	assert.ErrorIs(t, err, storage.ErrChannelNotFound, "rejected channel must not be persisted")
}

func TestRegistryPauseResume(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	tr := newFakeTransport(0)
	r := newTestRegistry(t, store, tr)

	_, err := r.Add(ctx, "alpha")
	require.NoError(t, err)
	first := tr.next(t)
	waitChannelState(t, r, "alpha", PhaseActive)

	assert.ErrorIs(t, r.Resume(ctx, "alpha"), ErrNotPaused)

	require.NoError(t, r.Pause(ctx, "alpha"))
	waitChannelState(t, r, "alpha", PhasePaused)
	assert.True(t, first.isClosed())
	cfg, err := store.GetConfig(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, cfg.Paused)
	require.NotNil(t, cfg.PausedAt)

	assert.ErrorIs(t, r.Pause(ctx, "alpha"), ErrAlreadyPaused)

	require.NoError(t, r.Resume(ctx, "alpha"))
	tr.next(t)
	waitChannelState(t, r, "alpha", PhaseActive)
	cfg, err = store.GetConfig(ctx, "alpha")
	require.NoError(t, err)
	assert.False(t, cfg.Paused)
}

func TestRegistryNotFound(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, storage.NewMemory(), newFakeTransport(0))

	assert.ErrorIs(t, r.Pause(ctx, "nobody"), ErrNotFound)
	assert.ErrorIs(t, r.Resume(ctx, "nobody"), ErrNotFound)
	assert.ErrorIs(t, r.Remove(ctx, "nobody"), ErrNotFound)
	_, err := r.Stats(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryRemoveKeepsHistory(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	tr := newFakeTransport(0)
	r := newTestRegistry(t, store, tr)

	_, err := r.Add(ctx, "alpha")
	require.NoError(t, err)
	conn := tr.next(t)
	waitChannelState(t, r, "alpha", PhaseActive)
	conn.push(t, chatFrame("m1", "hi"))
	require.Eventually(t, func() bool { return len(store.Records("alpha")) == 1 }, waitFor, tick)

	s, _ := r.Session("alpha")
	require.NoError(t, r.Remove(ctx, "alpha"))
	assert.Equal(t, PhaseStopped, s.State().Phase)
	assert.True(t, conn.isClosed())
	_, ok := r.Session("alpha")
	assert.False(t, ok)

	list, err := r.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Len(t, store.Records("alpha"), 1, "records survive removal")

	// the name is free again
	_, err = r.Add(ctx, "alpha")
	require.NoError(t, err)
}

func TestRegistryRemoveDuringBackoff(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport(1000)
	store := storage.NewMemory()
	r := NewRegistry(store, RegistryOptions{Session: Options{
		Transport: tr,
		Backoff:   Backoff{Base: time.Hour, Max: time.Hour},
	}})
	defer func() { _ = r.Shutdown(ctx) }()

	_, err := r.Add(ctx, "alpha")
	require.NoError(t, err)
	waitChannelState(t, r, "alpha", PhaseBackoff)

	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, r.Remove(rctx, "alpha"))
	assert.Less(t, time.Since(start), time.Second)
}

func TestRegistryStartLoadsPersisted(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	_, err := store.AddChannel(ctx, "live")
	require.NoError(t, err)
	_, err = store.AddChannel(ctx, "parked")
	require.NoError(t, err)
	_, err = store.SetPaused(ctx, "parked", true)
	require.NoError(t, err)

	tr := newFakeTransport(0)
	r := newTestRegistry(t, store, tr)
	assert.False(t, r.Started())
	require.NoError(t, r.Start(ctx))
	assert.True(t, r.Started())
	require.NoError(t, r.Start(ctx), "Start is idempotent")

	waitChannelState(t, r, "live", PhaseActive)
	waitChannelState(t, r, "parked", PhasePaused)
	assert.Equal(t, 1, tr.openCount())
	assert.Equal(t, []string{"live", "parked"}, r.Names())
}

func TestRegistryResumeAll(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	tr := newFakeTransport(0)
	r := newTestRegistry(t, store, tr)

	for _, name := range []string{"a", "b", "c"} {
		_, err := r.Add(ctx, name)
		require.NoError(t, err)
		tr.next(t)
	}
	require.NoError(t, r.Pause(ctx, "a"))
	require.NoError(t, r.Pause(ctx, "b"))

	n, err := r.ResumeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, name := range []string{"a", "b", "c"} {
		waitChannelState(t, r, name, PhaseActive)
	}

	n, err = r.ResumeAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRegistryListAndStats(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	tr := newFakeTransport(0)
	r := newTestRegistry(t, store, tr)

	_, err := r.Add(ctx, "alpha")
	require.NoError(t, err)
	conn := tr.next(t)
	waitChannelState(t, r, "alpha", PhaseActive)
	conn.push(t, chatFrame("m1", "hi"))
	conn.push(t, chatFrame("m2", "there"))
	conn.push(t, banFrame)
	require.Eventually(t, func() bool { return len(store.Records("alpha")) == 3 }, waitFor, tick)

	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "active", list[0].State)
	assert.Equal(t, int64(3), list[0].Counters.Stored)

	stats, err := r.Stats(ctx, "Alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.ByType["chat"])
	assert.Equal(t, int64(1), stats.ByType["ban"])
}

func TestRegistryConcurrentControl(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	tr := newFakeTransport(0)
	r := newTestRegistry(t, store, tr)

	names := make([]string, 20)
	for i := range names {
		names[i] = fmt.Sprintf("ch%02d", i)
	}
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, err := r.Add(ctx, name)
			assert.NoError(t, err)
			// the session may still be connecting; pause must still land
			assert.NoError(t, r.Pause(ctx, name))
			assert.NoError(t, r.Resume(ctx, name))
		}(name)
	}
	wg.Wait()

	for _, name := range names {
		waitChannelState(t, r, name, PhaseActive)
	}
	list, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, len(names))
}

func TestRegistryIsolatesPanics(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	tr := &panickyTransport{fakeTransport: newFakeTransport(0), panics: map[string]int{"bad": 1}}
	r := newTestRegistry(t, store, tr)

	_, err := r.Add(ctx, "bad")
	require.NoError(t, err)
	_, err = r.Add(ctx, "good")
	require.NoError(t, err)

	waitChannelState(t, r, "good", PhaseActive)
	// restarted after the first backoff delay
	waitChannelState(t, r, "bad", PhaseActive)
}

type panickyTransport struct {
	*fakeTransport
	mu     sync.Mutex
	panics map[string]int
}

func (p *panickyTransport) Open(ctx context.Context, channel string) (Conn, error) {
	p.mu.Lock()
	n := p.panics[channel]
	if n > 0 {
		p.panics[channel] = n - 1
	}
	p.mu.Unlock()
	if n > 0 {
		panic("transport exploded")
	}
	return p.fakeTransport.Open(ctx, channel)
}

func TestRegistryShutdownStopsEverything(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	tr := newFakeTransport(0)
	r := NewRegistry(store, RegistryOptions{Session: testOptions(tr, nil, nil)})

	var conns []*fakeConn
	for _, name := range []string{"a", "b"} {
		_, err := r.Add(ctx, name)
		require.NoError(t, err)
		conns = append(conns, tr.next(t))
	}
	sa, _ := r.Session("a")
	sb, _ := r.Session("b")

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(sctx))
	assert.Equal(t, PhaseStopped, sa.State().Phase)
	assert.Equal(t, PhaseStopped, sb.State().Phase)
	for _, c := range conns {
		assert.True(t, c.isClosed())
	}

	_, err := r.Add(ctx, "late")
	assert.True(t, errors.Is(err, ErrRegistryClosed))
	assert.False(t, r.Started())
}
