package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeConn is an in-memory Conn. Frames pushed on in are returned by Recv.
type fakeConn struct {
	in      chan []byte
	recvErr chan error
	closed  chan struct{}
	once    sync.Once

	mu   sync.Mutex
	sent [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:      make(chan []byte),
		recvErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case err := <-c.recvErr:
		return nil, err
	case <-c.closed:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Send(_ context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return ErrTransportClosed
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, append([]byte(nil), frame...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sentFrames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, b := range c.sent {
		out[i] = string(b)
	}
	return out
}

// push delivers one frame, failing the test if the session does not read it.
func (c *fakeConn) push(t *testing.T, frame string) {
	t.Helper()
	select {
	case c.in <- []byte(frame):
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not read frame %q", frame)
	}
}

// fakeTransport fails the first failures opens, then hands out fakeConns.
type fakeTransport struct {
	mu       sync.Mutex
	failures int
	opens    int
	block    bool
	conns    chan *fakeConn
}

func newFakeTransport(failures int) *fakeTransport {
	return &fakeTransport{failures: failures, conns: make(chan *fakeConn, 64)}
}

func (f *fakeTransport) Open(ctx context.Context, channel string) (Conn, error) {
	f.mu.Lock()
	f.opens++
	n, block := f.opens, f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %w", ErrConnect, ctx.Err())
	}
	if n <= f.failures {
		return nil, fmt.Errorf("%w: refused (%s attempt %d)", ErrConnect, channel, n)
	}
	c := newFakeConn()
	select {
	case f.conns <- c:
	default:
	}
	return c, nil
}

func (f *fakeTransport) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeTransport) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("transport was never opened")
		return nil
	}
}

// transitions records every state change seen through OnTransition.
type transitions struct {
	mu     sync.Mutex
	states []State
}

func (tr *transitions) record(_ string, _, to State) {
	tr.mu.Lock()
	tr.states = append(tr.states, to)
	tr.mu.Unlock()
}

func (tr *transitions) snapshot() []State {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]State(nil), tr.states...)
}

func (tr *transitions) phases() []string {
	var out []string
	for _, s := range tr.snapshot() {
		out = append(out, s.String())
	}
	return out
}

func chatFrame(id, content string) string {
	return fmt.Sprintf(`{"event":"App\\Events\\ChatMessageEvent","data":"{\"id\":\"%s\",\"chatroom_id\":1,\"content\":\"%s\",\"created_at\":\"2024-05-01T10:00:00+00:00\",\"sender\":{\"id\":7,\"username\":\"viewer\"}}","channel":"chatrooms.1.v2"}`, id, content)
}

const banFrame = `{"event":"App\\Events\\UserBannedEvent","data":"{\"id\":\"ban-1\",\"user\":{\"id\":5,\"username\":\"troll\"},\"banned_by\":{\"id\":1,\"username\":\"mod\"},\"permanent\":true}","channel":"chatrooms.1.v2"}`
