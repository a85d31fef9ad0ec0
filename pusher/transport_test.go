package pusher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/kickchat/backend/chat"
	"github.com/onnwee/kickchat/backend/kick"
	"github.com/onnwee/kickchat/backend/kickapi"
	"github.com/onnwee/kickchat/backend/testutil"
)

type staticResolver struct {
	mu    sync.Mutex
	ids   map[string]string
	calls int
}

func (r *staticResolver) ChatroomID(_ context.Context, slug string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	id, ok := r.ids[slug]
	if !ok {
		return "", fmt.Errorf("%w: %s", kickapi.ErrChannelNotFound, slug)
	}
	return id, nil
}

func newTestTransport(t *testing.T, srv *testutil.MockPusherServer) (*Transport, *staticResolver) {
	t.Helper()
	res := &staticResolver{ids: map[string]string{"alpha": "42"}}
	return New(Config{URL: srv.WSURL(), HandshakeTimeout: time.Second, WriteTimeout: time.Second}, res), res
}

func openAlpha(t *testing.T, tr *Transport) chat.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := tr.Open(ctx, "alpha")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestOpenSubscribesToChatroom(t *testing.T) {
	srv := testutil.NewMockPusherServer(t)
	tr, _ := newTestTransport(t, srv)
	openAlpha(t, tr)

	select {
	case ch := <-srv.Subscribed:
		assert.Equal(t, "chatrooms.42.v2", ch)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe received")
	}
	require.NotEmpty(t, srv.Received())
	assert.Contains(t, srv.Received()[0], `"auth":""`)
}

func TestRecvDeliversFrames(t *testing.T) {
	srv := testutil.NewMockPusherServer(t)
	tr, _ := newTestTransport(t, srv)
	c := openAlpha(t, tr)
	<-srv.Subscribed

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// the subscription ack arrives first
	b, err := c.Recv(ctx)
	require.NoError(t, err)
	env, err := kick.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, kick.KindProtocol, env.Kind)

	frame := `{"event":"App\\Events\\ChatMessageEvent","data":"{\"id\":\"m1\",\"content\":\"hi\"}","channel":"chatrooms.42.v2"}`
	srv.Broadcast(frame)
	b, err = c.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, frame, string(b))
}

func TestSendPing(t *testing.T) {
	srv := testutil.NewMockPusherServer(t)
	tr, _ := newTestTransport(t, srv)
	c := openAlpha(t, tr)
	<-srv.Subscribed

	require.NoError(t, c.Send(context.Background(), kick.PingFrame))
	require.Eventually(t, func() bool {
		for _, f := range srv.Received() {
			if f == string(kick.PingFrame) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRecvHonorsContext(t *testing.T) {
	srv := testutil.NewMockPusherServer(t)
	tr, _ := newTestTransport(t, srv)
	c := openAlpha(t, tr)
	<-srv.Subscribed

	ctx, cancel := context.WithCancel(context.Background())
	// drain the subscription ack
	_, err := c.Recv(ctx)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err = c.Recv(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCloseCodesClassified(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{CloseServerRestart, chat.ErrTransportClosed},
		{websocket.CloseInternalServerErr, chat.ErrTransportClosed},
		{websocket.CloseGoingAway, chat.ErrTransportClosed},
		{4001, chat.ErrTransport},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			srv := testutil.NewMockPusherServer(t)
			tr, _ := newTestTransport(t, srv)
			c := openAlpha(t, tr)
			<-srv.Subscribed

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, err := c.Recv(ctx) // subscription ack
			require.NoError(t, err)

			srv.CloseAll(tt.code)
			_, err = c.Recv(ctx)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, chat.ErrorClassRetryable, chat.ClassifyTransportError(err))
		})
	}
}

func TestOpenUnknownChannel(t *testing.T) {
	srv := testutil.NewMockPusherServer(t)
	tr, _ := newTestTransport(t, srv)
	_, err := tr.Open(context.Background(), "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, chat.ErrConnect)
	assert.ErrorIs(t, err, kickapi.ErrChannelNotFound)
	assert.Equal(t, chat.ErrorClassFatal, chat.ClassifyTransportError(err))
}

func TestOpenWithoutGreetingTimesOut(t *testing.T) {
	srv := testutil.NewMockPusherServer(t)
	srv.SkipGreeting()
	res := &staticResolver{ids: map[string]string{"alpha": "42"}}
	tr := New(Config{URL: srv.WSURL(), HandshakeTimeout: 100 * time.Millisecond}, res)

	start := time.Now()
	_, err := tr.Open(context.Background(), "alpha")
	require.Error(t, err)
	assert.ErrorIs(t, err, chat.ErrConnect)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestOpenDialFailure(t *testing.T) {
	res := &staticResolver{ids: map[string]string{"alpha": "42"}}
	tr := New(Config{URL: "ws://127.0.0.1:1/app/x", HandshakeTimeout: 200 * time.Millisecond}, res)
	_, err := tr.Open(context.Background(), "alpha")
	require.Error(t, err)
	assert.True(t, errors.Is(err, chat.ErrConnect))
	assert.True(t, strings.Contains(err.Error(), "dial"))
}

func TestResolveCaches(t *testing.T) {
	srv := testutil.NewMockPusherServer(t)
	tr, res := newTestTransport(t, srv)
	for i := 0; i < 3; i++ {
		id, err := tr.Resolve(context.Background(), "alpha")
		require.NoError(t, err)
		assert.Equal(t, "42", id)
	}
	assert.Equal(t, 1, res.calls)

	tr.forget("alpha")
	_, err := tr.Resolve(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, 2, res.calls)
}

func TestHandshakeErrorDropsCachedChatroom(t *testing.T) {
	srv := testutil.NewMockPusherServer(t)
	srv.GreetWith(`{"event":"pusher:error","data":"{\"code\":4200,\"message\":\"reconnect\"}"}`)
	tr, res := newTestTransport(t, srv)

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := tr.Open(ctx, "alpha")
		cancel()
		require.Error(t, err)
		assert.ErrorIs(t, err, chat.ErrConnect)
		assert.Contains(t, err.Error(), "pusher error")
	}
	assert.Equal(t, 2, res.calls, "chatroom id must be looked up again after a failed handshake")

	srv.GreetWith("")
	openAlpha(t, tr)
	assert.Equal(t, 3, res.calls)
	_, err := tr.Resolve(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, 3, res.calls, "a successful open keeps the cached id")
}

// A session running over the real transport against the mock server.
func TestSessionOverPusher(t *testing.T) {
	srv := testutil.NewMockPusherServer(t)
	tr, _ := newTestTransport(t, srv)
	sink := newRecordingSink()

	s := chat.NewSession("alpha", chat.Options{Transport: tr, Sink: sink, ConnectTimeout: 2 * time.Second}, false)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	<-srv.Subscribed
	require.Eventually(t, func() bool { return s.State().Phase == chat.PhaseActive }, 2*time.Second, 10*time.Millisecond)
	srv.Broadcast(`{"event":"App\\Events\\ChatMessageEvent","data":"{\"id\":\"m1\",\"content\":\"over the wire\",\"sender\":{\"id\":3,\"username\":\"u\"}}","channel":"chatrooms.42.v2"}`)
	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "over the wire", sink.first().Content)

	// a server restart drops the socket; the session reconnects and resubscribes
	srv.CloseAll(CloseServerRestart)
	select {
	case <-srv.Subscribed:
	case <-time.After(10 * time.Second):
		t.Fatal("session did not resubscribe after server restart")
	}
}

type recordingSink struct {
	mu   sync.Mutex
	recs []kick.Record
}

func newRecordingSink() *recordingSink { return &recordingSink{} }

func (s *recordingSink) EnsureChannel(context.Context, string) error { return nil }

func (s *recordingSink) Append(_ context.Context, _ string, rec *kick.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.StoredAt = time.Now().UTC()
	s.recs = append(s.recs, *rec)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func (s *recordingSink) first() kick.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recs[0]
}

type flakyResolver struct{}

func (flakyResolver) ChatroomID(context.Context, string) (string, error) {
	return "", errors.New("connection reset by peer")
}

func TestValidate(t *testing.T) {
	srv := testutil.NewMockPusherServer(t)
	tr, _ := newTestTransport(t, srv)
	assert.NoError(t, tr.Validate(context.Background(), "alpha"))
	assert.ErrorIs(t, tr.Validate(context.Background(), "ghost"), kickapi.ErrChannelNotFound)

	// transient lookup failures do not block adding the channel
	flaky := New(Config{URL: srv.WSURL()}, flakyResolver{})
	assert.NoError(t, flaky.Validate(context.Background(), "alpha"))
}
