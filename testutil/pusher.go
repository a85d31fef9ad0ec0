package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// MockPusherServer speaks enough of the Pusher protocol for transport tests:
// it greets with connection_established, acknowledges subscribes, answers
// pings, and lets the test push frames or close connections.
type MockPusherServer struct {
	*httptest.Server

	// Subscribed receives the channel name of every subscribe request.
	Subscribed chan string

	upgrader websocket.Upgrader

	mu           sync.Mutex
	conns        []*mockPusherConn
	received     []string
	skipGreeting bool
	greeting     string
}

type mockPusherConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *mockPusherConn) write(frame string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(frame))
}

// NewMockPusherServer starts the server; it is closed on test cleanup.
func NewMockPusherServer(t *testing.T) *MockPusherServer {
	t.Helper()
	m := &MockPusherServer{
		Subscribed: make(chan string, 16),
		upgrader:   websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }},
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(func() {
		m.CloseAll(websocket.CloseGoingAway)
		m.Close()
	})
	return m
}

// WSURL is the websocket endpoint, shaped like the real Pusher app URL.
func (m *MockPusherServer) WSURL() string {
	return "ws" + strings.TrimPrefix(m.URL, "http") + "/app/test-key?protocol=7&client=js&version=7.6.0"
}

func (m *MockPusherServer) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &mockPusherConn{ws: ws}
	m.mu.Lock()
	m.conns = append(m.conns, c)
	skip, greeting := m.skipGreeting, m.greeting
	m.mu.Unlock()
	defer ws.Close()

	if greeting == "" {
		greeting = `{"event":"pusher:connection_established","data":"{\"socket_id\":\"123.456\",\"activity_timeout\":120}"}`
	}
	if !skip {
		if err := c.write(greeting); err != nil {
			return
		}
	}
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		m.mu.Lock()
		m.received = append(m.received, string(data))
		m.mu.Unlock()

		var frame struct {
			Event string `json:"event"`
			Data  struct {
				Channel string `json:"channel"`
			} `json:"data"`
		}
		if json.Unmarshal(data, &frame) != nil {
			continue
		}
		switch frame.Event {
		case "pusher:subscribe":
			_ = c.write(`{"event":"pusher_internal:subscription_succeeded","data":"{}","channel":"` + frame.Data.Channel + `"}`)
			select {
			case m.Subscribed <- frame.Data.Channel:
			default:
			}
		case "pusher:ping":
			_ = c.write(`{"event":"pusher:pong","data":"{}"}`)
		}
	}
}

// SkipGreeting makes new connections wait silently instead of sending
// connection_established.
func (m *MockPusherServer) SkipGreeting() {
	m.mu.Lock()
	m.skipGreeting = true
	m.mu.Unlock()
}

// GreetWith makes new connections open with frame instead of
// connection_established.
func (m *MockPusherServer) GreetWith(frame string) {
	m.mu.Lock()
	m.greeting = frame
	m.mu.Unlock()
}

// Broadcast writes frame to every open connection.
func (m *MockPusherServer) Broadcast(frame string) {
	m.mu.Lock()
	conns := append([]*mockPusherConn(nil), m.conns...)
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.write(frame)
	}
}

// CloseAll sends a close frame with code to every connection.
func (m *MockPusherServer) CloseAll(code int) {
	m.mu.Lock()
	conns := m.conns
	m.conns = nil
	m.mu.Unlock()
	for _, c := range conns {
		c.mu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, "test"), time.Now().Add(time.Second))
		c.mu.Unlock()
		_ = c.ws.Close()
	}
}

// Connections returns how many connections are currently tracked.
func (m *MockPusherServer) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Received returns every frame clients have sent.
func (m *MockPusherServer) Received() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.received...)
}
