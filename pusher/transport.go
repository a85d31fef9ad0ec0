// Package pusher implements the chat transport over Kick's Pusher websocket.
//
// Open resolves the channel slug to a chatroom id (cached), dials the
// websocket, waits for pusher:connection_established and subscribes to
// chatrooms.<id>.v2. The returned connection hands raw frames to the session
// and classifies close codes into chat.ErrTransportClosed or chat.ErrTransport.
package pusher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/kickchat/backend/chat"
	"github.com/onnwee/kickchat/backend/kick"
	"github.com/onnwee/kickchat/backend/kickapi"
)

// DefaultURL is Kick's public Pusher application endpoint.
const DefaultURL = "wss://ws-us2.pusher.com/app/32cbd69e4b950bf97679?protocol=7&client=js&version=7.6.0&flash=false"

// Pusher close codes that mean "reconnect".
const (
	CloseServerRestart = 4200
	CloseInternalError = websocket.CloseInternalServerErr // 1011
)

// ChatroomResolver maps a channel slug to its chatroom id.
type ChatroomResolver interface {
	ChatroomID(ctx context.Context, slug string) (string, error)
}

// Config holds dial parameters.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	UserAgent        string
}

// Transport opens Pusher connections. It is safe for concurrent use.
type Transport struct {
	cfg      Config
	resolver ChatroomResolver
	dialer   *websocket.Dialer

	mu    sync.Mutex
	cache map[string]string
}

// New returns a transport resolving chatrooms through resolver.
func New(cfg Config, resolver ChatroomResolver) *Transport {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 45 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Transport{
		cfg:      cfg,
		resolver: resolver,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		cache: make(map[string]string),
	}
}

// Resolve returns the chatroom id for channel, querying the resolver once.
func (t *Transport) Resolve(ctx context.Context, channel string) (string, error) {
	t.mu.Lock()
	id, ok := t.cache[channel]
	t.mu.Unlock()
	if ok {
		return id, nil
	}
	id, err := t.resolver.ChatroomID(ctx, channel)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	t.cache[channel] = id
	t.mu.Unlock()
	return id, nil
}

// forget drops a cached chatroom id so the next Open looks it up again.
func (t *Transport) forget(channel string) {
	t.mu.Lock()
	delete(t.cache, channel)
	t.mu.Unlock()
}

// Open implements chat.Transport.
func (t *Transport) Open(ctx context.Context, channel string) (chat.Conn, error) {
	chatroomID, err := t.Resolve(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve chatroom: %w", chat.ErrConnect, err)
	}

	header := http.Header{}
	if t.cfg.UserAgent != "" {
		header.Set("User-Agent", t.cfg.UserAgent)
	}
	ws, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %w", chat.ErrConnect, err)
	}

	if err := t.handshake(ctx, ws, chatroomID); err != nil {
		_ = ws.Close()
		if ctx.Err() == nil {
			// the chatroom id may be stale
			t.forget(channel)
		}
		return nil, fmt.Errorf("%w: %w", chat.ErrConnect, err)
	}
	slog.Debug("pusher subscribed", slog.String("component", "pusher"), slog.String("channel", channel), slog.String("chatroom_id", chatroomID))
	return &conn{ws: ws, writeTimeout: t.cfg.WriteTimeout}, nil
}

// handshake waits for connection_established and sends the subscribe.
func (t *Transport) handshake(ctx context.Context, ws *websocket.Conn, chatroomID string) error {
	deadline := time.Now().Add(t.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	stop := context.AfterFunc(ctx, func() { _ = ws.SetReadDeadline(time.Now()) })
	defer stop()
	_ = ws.SetReadDeadline(deadline)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("await connection_established: %w", err)
		}
		env, err := kick.Decode(data)
		if err != nil {
			continue
		}
		if env.Event == kick.EventError {
			return fmt.Errorf("pusher error: %s", env.Data)
		}
		if env.Event == kick.EventConnectionEstablished {
			break
		}
	}
	_ = ws.SetReadDeadline(time.Time{})

	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.TextMessage, kick.SubscribeFrame(chatroomID)); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return ws.SetWriteDeadline(time.Time{})
}

// conn adapts a websocket to chat.Conn. One goroutine may Recv while
// another Sends; writes are serialized by wmu.
type conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
}

func (c *conn) Recv(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.ws.SetReadDeadline(time.Now()) })
	defer stop()
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, classifyReadError(err)
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *conn) Send(ctx context.Context, frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: write: %w", chat.ErrTransport, err)
	}
	return nil
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// classifyReadError maps websocket close codes onto the session taxonomy.
func classifyReadError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case CloseServerRestart, CloseInternalError, websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return fmt.Errorf("%w: close %d: %s", chat.ErrTransportClosed, ce.Code, ce.Text)
		}
		return fmt.Errorf("%w: close %d: %s", chat.ErrTransport, ce.Code, ce.Text)
	}
	return fmt.Errorf("%w: %w", chat.ErrTransport, err)
}

// Validate checks that channel exists on Kick. Only a definite not-found is
// reported; other lookup failures are logged and left to the session's retry.
func (t *Transport) Validate(ctx context.Context, channel string) error {
	_, err := t.Resolve(ctx, channel)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, kickapi.ErrChannelNotFound):
		return err
	default:
		slog.Warn("chatroom lookup failed, channel will be retried by its session",
			slog.String("component", "pusher"), slog.String("channel", channel), slog.Any("err", err))
		return nil
	}
}
