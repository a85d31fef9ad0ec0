package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/kickchat/backend/kick"
	"github.com/onnwee/kickchat/backend/storage"
	"github.com/onnwee/kickchat/backend/telemetry"
)

// Store is what the registry needs from storage: the record sink handed to
// sessions plus the channel configuration it alone writes.
type Store interface {
	storage.Sink
	storage.ConfigStore
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// Session is the template for every spawned session; Sink is overwritten
	// with the registry's store.
	Session Options
	// Validate, when set, is called by Add before anything is persisted.
	Validate func(ctx context.Context, channel string) error
	Logger   *slog.Logger
}

// ChannelStatus is one row of List.
type ChannelStatus struct {
	Name        string     `json:"name"`
	State       string     `json:"state"`
	Attempt     int        `json:"attempt,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	AddedAt     time.Time  `json:"added_at"`
	Paused      bool       `json:"paused"`
	PausedAt    *time.Time `json:"paused_at,omitempty"`
	Degraded    bool       `json:"degraded"`
	Counters    Counters   `json:"counters"`
}

// handle owns one channel's session. mu serializes control operations for
// that channel so the persisted flag and the signal sent to the session
// cannot interleave with another operation on the same channel.
type handle struct {
	mu      sync.Mutex
	session *Session
	done    chan struct{}
	removed bool
}

// Registry supervises one Session per channel.
type Registry struct {
	store    Store
	opts     Options
	validate func(ctx context.Context, channel string) error
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	handles map[string]*handle
	started bool
	closed  bool
}

// NewRegistry returns an idle registry; call Start to load persisted channels.
func NewRegistry(store Store, opts RegistryOptions) *Registry {
	sessionOpts := opts.Session
	sessionOpts.Sink = store
	if sessionOpts.Logger == nil {
		sessionOpts.Logger = opts.Logger
	}
	sessionOpts = sessionOpts.withDefaults()
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:    store,
		opts:     sessionOpts,
		validate: opts.Validate,
		log:      log.With(slog.String("component", "registry")),
		ctx:      ctx,
		cancel:   cancel,
		handles:  make(map[string]*handle),
	}
}

// Start spawns a session for every persisted channel. Paused channels start
// in PhasePaused. Calling Start again is a no-op.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	cfgs, err := r.store.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("registry: load channels: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	var paused int
	for _, cfg := range cfgs {
		if _, ok := r.handles[cfg.Name]; ok {
			continue
		}
		h := &handle{}
		r.handles[cfg.Name] = h
		r.spawn(cfg.Name, h, cfg.Paused)
		if cfg.Paused {
			paused++
		}
	}
	r.started = true
	r.log.Info("registry started", slog.Int("channels", len(cfgs)), slog.Int("paused", paused))
	return nil
}

// Started reports whether Start completed and Shutdown has not begun.
func (r *Registry) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started && !r.closed
}

// spawn starts h's session. Caller holds r.mu.
func (r *Registry) spawn(name string, h *handle, paused bool) {
	h.session = NewSession(name, r.opts, paused)
	h.done = make(chan struct{})
	r.wg.Add(1)
	go r.supervise(h.session, h.done)
}

// supervise runs s until it stops, restarting it after a panic.
func (r *Registry) supervise(s *Session, done chan struct{}) {
	defer r.wg.Done()
	defer close(done)
	for {
		if !r.runOnce(s) {
			return
		}
		delay := r.opts.Backoff.Delay(1)
		s.log.Warn("restarting session after panic", slog.Duration("delay", delay))
		s.sleep(r.ctx, delay)
	}
}

// runOnce reports whether s panicked.
func (r *Registry) runOnce(s *Session) (panicked bool) {
	defer func() {
		if p := recover(); p != nil {
			panicked = true
			telemetry.RecordSessionPanic()
			s.log.Error("session panicked", slog.Any("panic", p), slog.String("stack", string(debug.Stack())))
		}
	}()
	s.Run(r.ctx)
	return false
}

// lookup returns the handle for name, locked. The caller must unlock it.
func (r *Registry) lookup(name string) (*handle, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	h, ok := r.handles[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	h.mu.Lock()
	if h.session == nil || h.removed {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return h, nil
}

// Add persists a new channel and starts its session.
func (r *Registry) Add(ctx context.Context, channel string) (storage.ChannelConfig, error) {
	name, err := kick.NormalizeChannelName(channel)
	if err != nil {
		return storage.ChannelConfig{}, err
	}
	if r.validate != nil {
		if err := r.validate(ctx, name); err != nil {
			return storage.ChannelConfig{}, err
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return storage.ChannelConfig{}, ErrRegistryClosed
	}
	if _, ok := r.handles[name]; ok {
		r.mu.Unlock()
		return storage.ChannelConfig{}, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}
	// reserve the name; concurrent operations on it wait on h.mu
	h := &handle{}
	h.mu.Lock()
	defer h.mu.Unlock()
	r.handles[name] = h
	r.mu.Unlock()

	cfg, err := r.store.AddChannel(ctx, name)
	if err != nil {
		r.mu.Lock()
		delete(r.handles, name)
		r.mu.Unlock()
		if errors.Is(err, storage.ErrChannelExists) {
			return storage.ChannelConfig{}, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
		}
		return storage.ChannelConfig{}, err
	}
	r.mu.Lock()
	if r.closed {
		delete(r.handles, name)
		r.mu.Unlock()
		return cfg, ErrRegistryClosed
	}
	r.spawn(name, h, false)
	r.mu.Unlock()
	r.log.Info("channel added", slog.String("channel", name))
	return cfg, nil
}

// Pause persists paused=true and parks the session.
func (r *Registry) Pause(ctx context.Context, channel string) error {
	return r.setPaused(ctx, channel, true)
}

// Resume persists paused=false and reconnects the session.
func (r *Registry) Resume(ctx context.Context, channel string) error {
	return r.setPaused(ctx, channel, false)
}

func (r *Registry) setPaused(ctx context.Context, channel string, paused bool) error {
	name, err := kick.NormalizeChannelName(channel)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, channel)
	}
	h, err := r.lookup(name)
	if err != nil {
		return err
	}
	defer h.mu.Unlock()

	cfg, err := r.store.GetConfig(ctx, name)
	if err != nil {
		return mapNotFound(err, name)
	}
	switch {
	case paused && cfg.Paused:
		return fmt.Errorf("%w: %s", ErrAlreadyPaused, name)
	case !paused && !cfg.Paused:
		return fmt.Errorf("%w: %s", ErrNotPaused, name)
	}
	if _, err := r.store.SetPaused(ctx, name, paused); err != nil {
		return mapNotFound(err, name)
	}
	if paused {
		h.session.Pause()
		r.log.Info("channel paused", slog.String("channel", name))
	} else {
		h.session.Resume()
		r.log.Info("channel resumed", slog.String("channel", name))
	}
	return nil
}

// ResumeAll resumes every paused channel and returns how many were resumed.
// Channels are handled one at a time; a failure on one does not stop the sweep.
func (r *Registry) ResumeAll(ctx context.Context) (int, error) {
	cfgs, err := r.store.ListChannels(ctx)
	if err != nil {
		return 0, fmt.Errorf("registry: list channels: %w", err)
	}
	var (
		resumed int
		errs    []error
	)
	for _, cfg := range cfgs {
		if !cfg.Paused {
			continue
		}
		err := r.Resume(ctx, cfg.Name)
		switch {
		case err == nil:
			resumed++
		case errors.Is(err, ErrNotPaused), errors.Is(err, ErrNotFound):
		default:
			errs = append(errs, err)
		}
	}
	return resumed, errors.Join(errs...)
}

// Remove stops the session and deletes the channel's configuration. Stored
// records are kept.
func (r *Registry) Remove(ctx context.Context, channel string) error {
	name, err := kick.NormalizeChannelName(channel)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, channel)
	}
	h, err := r.lookup(name)
	if err != nil {
		return err
	}
	defer h.mu.Unlock()

	if err := r.store.RemoveChannel(ctx, name); err != nil {
		return mapNotFound(err, name)
	}
	h.removed = true
	h.session.Stop()
	select {
	case <-h.done:
	case <-ctx.Done():
		r.log.Warn("session still stopping after remove", slog.String("channel", name))
	}
	r.mu.Lock()
	if r.handles[name] == h {
		delete(r.handles, name)
	}
	r.mu.Unlock()
	r.log.Info("channel removed", slog.String("channel", name))
	return nil
}

// List returns every configured channel with its live session state.
func (r *Registry) List(ctx context.Context) ([]ChannelStatus, error) {
	cfgs, err := r.store.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: list channels: %w", err)
	}
	r.mu.Lock()
	sessions := make(map[string]*Session, len(r.handles))
	for name, h := range r.handles {
		if h.session != nil {
			sessions[name] = h.session
		}
	}
	r.mu.Unlock()

	out := make([]ChannelStatus, 0, len(cfgs))
	for _, cfg := range cfgs {
		st := ChannelStatus{
			Name:     cfg.Name,
			State:    PhaseStopped.String(),
			AddedAt:  cfg.AddedAt,
			Paused:   cfg.Paused,
			PausedAt: cfg.PausedAt,
		}
		if s, ok := sessions[cfg.Name]; ok {
			state := s.State()
			st.State = state.Phase.String()
			if state.Phase == PhaseBackoff {
				st.Attempt = state.Attempt
				next := state.NextRetryAt.UTC()
				st.NextRetryAt = &next
			}
			st.Degraded = s.Degraded()
			st.Counters = s.Counters()
		}
		out = append(out, st)
	}
	return out, nil
}

// Stats returns aggregate record counts for one channel.
func (r *Registry) Stats(ctx context.Context, channel string) (storage.ChannelStats, error) {
	name, err := kick.NormalizeChannelName(channel)
	if err != nil {
		return storage.ChannelStats{}, fmt.Errorf("%w: %s", ErrNotFound, channel)
	}
	stats, err := r.store.Stats(ctx, name)
	if err != nil {
		return storage.ChannelStats{}, mapNotFound(err, name)
	}
	return stats, nil
}

// Session returns the live session for channel, if any.
func (r *Registry) Session(channel string) (*Session, bool) {
	name, err := kick.NormalizeChannelName(channel)
	if err != nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[name]
	if !ok || h.session == nil {
		return nil, false
	}
	return h.session, true
}

// Names returns the channels with a live session, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.handles))
	for name := range r.handles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Shutdown stops every session and waits for them, bounded by ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.log.Info("registry stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("registry: shutdown: %w", ctx.Err())
	}
}

func mapNotFound(err error, name string) error {
	if errors.Is(err, storage.ErrChannelNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return err
}
