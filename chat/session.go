package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/kickchat/backend/kick"
	"github.com/onnwee/kickchat/backend/storage"
	"github.com/onnwee/kickchat/backend/telemetry"
)

// Transport opens one duplex connection per channel.
type Transport interface {
	Open(ctx context.Context, channel string) (Conn, error)
}

// Conn is an open channel connection. Recv blocks until a frame arrives, the
// connection fails, or ctx is done. Close unblocks a pending Recv.
type Conn interface {
	Recv(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, frame []byte) error
	Close() error
}

// Options configures a Session. Zero values fall back to defaults.
type Options struct {
	Transport  Transport
	Sink       storage.Sink
	Normalizer *kick.Normalizer
	Backoff    Backoff

	KeepaliveInterval time.Duration
	MaxMissedPongs    int
	ConnectTimeout    time.Duration
	WriteRetries      int
	WriteRetryDelay   time.Duration

	// Limiter, when set, is shared by every session so mass reconnects are spread out.
	Limiter *rate.Limiter

	// OnTransition is called after every state change, outside any lock.
	OnTransition func(channel string, from, to State)

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Normalizer == nil {
		o.Normalizer = kick.DefaultNormalizer()
	}
	if o.Backoff.Base <= 0 {
		o.Backoff.Base = DefaultBackoff.Base
	}
	if o.Backoff.Max <= 0 {
		o.Backoff.Max = DefaultBackoff.Max
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 15 * time.Second
	}
	if o.WriteRetries < 0 {
		o.WriteRetries = 0
	}
	if o.WriteRetryDelay <= 0 {
		o.WriteRetryDelay = 200 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Counters are per-session soft error and throughput totals.
type Counters struct {
	Stored            int64 `json:"stored"`
	DecodeFailures    int64 `json:"decode_failures"`
	NormalizeFailures int64 `json:"normalize_failures"`
	WriteFailures     int64 `json:"write_failures"`
}

type target int

const (
	targetRun target = iota
	targetPause
	targetStop
)

// Session drives one channel: connect, read, decode, normalize, store,
// keepalive, and reconnect with backoff. The session is the only writer of
// its State; callers steer it with Pause, Resume and Stop.
type Session struct {
	channel string
	opts    Options
	log     *slog.Logger

	mu       sync.Mutex
	state    State
	target   target
	degraded bool
	cancelOp context.CancelFunc

	// wake carries at most one pending signal.
	wake chan struct{}

	// touched only by the Run goroutine
	ensured bool

	stored, decodeFails, normalizeFails, writeFails atomic.Int64
}

// NewSession returns a session for channel. A paused session starts in
// PhasePaused and performs no I/O until resumed.
func NewSession(channel string, opts Options, paused bool) *Session {
	opts = opts.withDefaults()
	s := &Session{
		channel: channel,
		opts:    opts,
		log:     opts.Logger.With(slog.String("component", "chat"), slog.String("channel", channel)),
		wake:    make(chan struct{}, 1),
	}
	if paused {
		s.target = targetPause
		s.state = State{Phase: PhasePaused}
	}
	telemetry.SessionPhaseChange("", s.state.Phase.String())
	return s
}

func (s *Session) Channel() string { return s.channel }

// State returns a snapshot of the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Degraded reports whether the last record could not be stored.
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *Session) Counters() Counters {
	return Counters{
		Stored:            s.stored.Load(),
		DecodeFailures:    s.decodeFails.Load(),
		NormalizeFailures: s.normalizeFails.Load(),
		WriteFailures:     s.writeFails.Load(),
	}
}

// Pause closes the connection and holds the session idle.
func (s *Session) Pause() { s.signal(targetPause) }

// Resume reconnects a paused session.
func (s *Session) Resume() { s.signal(targetRun) }

// Stop ends the session. Stop is final; later signals are ignored.
func (s *Session) Stop() { s.signal(targetStop) }

func (s *Session) signal(t target) {
	s.mu.Lock()
	if s.target == targetStop {
		s.mu.Unlock()
		return
	}
	s.target = t
	if t != targetRun && s.cancelOp != nil {
		s.cancelOp()
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) currentTarget() target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// opContext derives a context that is cancelled as soon as the session is
// asked to leave the running target.
func (s *Session) opContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	if s.target != targetRun {
		cancel()
	} else {
		s.cancelOp = cancel
	}
	s.mu.Unlock()
	return ctx, func() {
		s.mu.Lock()
		s.cancelOp = nil
		s.mu.Unlock()
		cancel()
	}
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	var clearDegraded bool
	if next.Phase == PhaseStopped && s.degraded {
		s.degraded = false
		clearDegraded = true
	}
	s.mu.Unlock()
	if prev == next {
		return
	}
	if prev.Phase != next.Phase {
		to := next.Phase.String()
		if next.Phase == PhaseStopped {
			to = ""
		}
		telemetry.SessionPhaseChange(prev.Phase.String(), to)
	}
	if clearDegraded {
		telemetry.SetDegraded(false)
	}
	s.log.Debug("session state", slog.String("from", prev.String()), slog.String("to", next.String()))
	if s.opts.OnTransition != nil {
		s.opts.OnTransition(s.channel, prev, next)
	}
}

func (s *Session) setDegraded(v bool) {
	s.mu.Lock()
	changed := s.degraded != v
	s.degraded = v
	s.mu.Unlock()
	if changed {
		telemetry.SetDegraded(v)
	}
}

// Run executes the state machine until the session is stopped or ctx is done.
func (s *Session) Run(ctx context.Context) {
	if s.State().Phase == PhaseStopped {
		return
	}
	attempt := 0
	for {
		if ctx.Err() != nil {
			s.setState(State{Phase: PhaseStopped})
			return
		}
		switch s.currentTarget() {
		case targetStop:
			s.setState(State{Phase: PhaseStopped})
			return
		case targetPause:
			s.setState(State{Phase: PhasePaused})
			attempt = 0
			s.idle(ctx)
			continue
		}

		if attempt == 0 {
			s.setState(State{Phase: PhaseConnecting})
		}
		conn, err := s.connect(ctx)
		if err != nil {
			if s.interrupted(ctx) {
				continue
			}
			attempt++
			s.backoff(ctx, attempt, err)
			continue
		}
		attempt = 0
		if err := s.active(ctx, conn); err != nil {
			attempt = 1
			s.backoff(ctx, attempt, err)
		}
	}
}

func (s *Session) interrupted(ctx context.Context) bool {
	return ctx.Err() != nil || s.currentTarget() != targetRun
}

// idle blocks while paused.
func (s *Session) idle(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			if s.currentTarget() != targetPause {
				return
			}
		}
	}
}

// sleep waits d or until any signal arrives.
func (s *Session) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	case <-s.wake:
	}
}

func (s *Session) backoff(ctx context.Context, attempt int, cause error) {
	delay := s.opts.Backoff.Delay(attempt)
	if ClassifyTransportError(cause) == ErrorClassFatal {
		delay = s.opts.Backoff.Ceiling()
	}
	s.setState(State{Phase: PhaseBackoff, Attempt: attempt, NextRetryAt: time.Now().Add(delay), Delay: delay})
	telemetry.RecordReconnect()
	s.log.Warn("session backing off",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.String("class", ClassifyTransportError(cause).String()),
		slog.Any("err", cause))

	opCtx, done := s.opContext(ctx)
	defer done()
	t := time.NewTimer(delay)
	defer t.Stop()
	for {
		select {
		case <-opCtx.Done():
			return
		case <-t.C:
			return
		case <-s.wake:
			if s.currentTarget() != targetRun {
				return
			}
		}
	}
}

func (s *Session) connect(ctx context.Context) (Conn, error) {
	opCtx, done := s.opContext(ctx)
	defer done()

	if s.opts.Limiter != nil {
		if err := s.opts.Limiter.Wait(opCtx); err != nil {
			return nil, fmt.Errorf("%w: connect limiter: %w", ErrConnect, err)
		}
	}
	if !s.ensured {
		if err := s.opts.Sink.EnsureChannel(opCtx, s.channel); err != nil {
			return nil, fmt.Errorf("%w: ensure channel: %w", ErrConnect, err)
		}
		s.ensured = true
	}

	dialCtx, cancel := context.WithTimeout(opCtx, s.opts.ConnectTimeout)
	defer cancel()
	start := time.Now()
	conn, err := s.opts.Transport.Open(dialCtx, s.channel)
	telemetry.RecordConnect(err == nil, time.Since(start))
	if err != nil {
		if errors.Is(err, ErrConnect) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	if s.interrupted(ctx) {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: interrupted", ErrConnect)
	}
	return conn, nil
}

// active runs the read loop. It returns nil when the session was paused,
// stopped or cancelled, and the transport failure otherwise.
func (s *Session) active(ctx context.Context, conn Conn) error {
	opCtx, done := s.opContext(ctx)
	msgs := make(chan []byte)
	errs := make(chan error, 1)
	readerDone := make(chan struct{})
	defer func() {
		_ = conn.Close()
		done()
		<-readerDone
	}()

	go func() {
		defer close(readerDone)
		for {
			b, err := conn.Recv(opCtx)
			if err != nil {
				errs <- err
				return
			}
			select {
			case msgs <- b:
			case <-opCtx.Done():
				return
			}
		}
	}()

	s.setState(State{Phase: PhaseActive})
	s.log.Info("session active")

	var tick <-chan time.Time
	if s.opts.KeepaliveInterval > 0 {
		t := time.NewTicker(s.opts.KeepaliveInterval)
		defer t.Stop()
		tick = t.C
	}
	missed := 0
	for {
		select {
		case <-opCtx.Done():
			return nil
		case err := <-errs:
			if opCtx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrTransportClosed) || errors.Is(err, ErrTransport) {
				return err
			}
			return fmt.Errorf("%w: %w", ErrTransport, err)
		case raw := <-msgs:
			missed = 0
			s.handle(opCtx, conn, raw)
		case <-tick:
			if s.opts.MaxMissedPongs > 0 && missed >= s.opts.MaxMissedPongs {
				return fmt.Errorf("%w: %d keepalive pings unanswered", ErrTransport, missed)
			}
			if err := conn.Send(opCtx, kick.PingFrame); err != nil {
				if opCtx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: send ping: %w", ErrTransport, err)
			}
			missed++
		}
	}
}

// handle processes one inbound frame. Every failure here is soft.
func (s *Session) handle(ctx context.Context, conn Conn, raw []byte) {
	env, err := kick.Decode(raw)
	if err != nil {
		s.decodeFails.Add(1)
		telemetry.RecordDecodeFailure()
		s.log.Warn("decode failed", slog.Int("bytes", len(raw)), slog.Any("err", err))
		return
	}
	if env.Kind == kick.KindProtocol {
		s.handleProtocol(ctx, conn, env)
		return
	}
	rec, err := s.opts.Normalizer.Normalize(env)
	if err != nil {
		s.normalizeFails.Add(1)
		telemetry.RecordNormalizeFailure(string(env.Kind))
		s.log.Warn("normalize failed; storing as unknown", slog.String("event", env.Event), slog.Any("err", err))
	}
	s.write(ctx, &rec)
}

func (s *Session) handleProtocol(ctx context.Context, conn Conn, env kick.Envelope) {
	switch env.Event {
	case kick.EventPing:
		if err := conn.Send(ctx, kick.PongFrame); err != nil {
			s.log.Debug("pong failed", slog.Any("err", err))
		}
	case kick.EventError:
		s.log.Warn("pusher error frame", slog.String("data", string(env.Data)))
	}
}

// appendAttemptTimeout bounds a single Sink.Append call.
const appendAttemptTimeout = 10 * time.Second

// writeBudget is the longest a write may take: every attempt plus every retry delay.
func (s *Session) writeBudget() time.Duration {
	attempts := s.opts.WriteRetries + 1
	delays := s.opts.WriteRetryDelay * time.Duration((1<<s.opts.WriteRetries)-1)
	return time.Duration(attempts)*appendAttemptTimeout + delays
}

// write stores rec with bounded retries. A record taken off the transport is
// either stored or counted as a write failure: pause and stop do not cancel it.
func (s *Session) write(ctx context.Context, rec *kick.Record) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeBudget())
	defer cancel()

	delay := s.opts.WriteRetryDelay
	var err error
retries:
	for i := 0; i <= s.opts.WriteRetries; i++ {
		if i > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				err = ctx.Err()
				break retries
			case <-t.C:
			}
			delay *= 2
		}
		if err = s.opts.Sink.Append(ctx, s.channel, rec); err == nil {
			s.stored.Add(1)
			telemetry.RecordStored(string(rec.EventType))
			s.setDegraded(false)
			return
		}
		if ctx.Err() != nil {
			break
		}
	}
	s.writeFails.Add(1)
	telemetry.RecordWriteFailure()
	s.setDegraded(true)
	s.log.Error("dropping record after write retries",
		slog.String("event_type", string(rec.EventType)),
		slog.String("event_id", rec.EventID),
		slog.Int("retries", s.opts.WriteRetries),
		slog.Any("err", err))
}
