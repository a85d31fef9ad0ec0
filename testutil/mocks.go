package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockKickServer creates a test server that mocks the Kick channel API.
// Requests are routed by slug, the last path segment.
type MockKickServer struct {
	*httptest.Server

	mu       sync.Mutex
	Handlers map[string]http.HandlerFunc
	hits     map[string]int
}

// NewMockKickServer creates a new mock Kick API server. Its URL plus "/" is
// a valid kickapi base URL.
func NewMockKickServer(t *testing.T) *MockKickServer {
	t.Helper()
	m := &MockKickServer{
		Handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slug := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		m.mu.Lock()
		m.hits[slug]++
		handler, ok := m.Handlers[slug]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// BaseURL returns the channel lookup base for this server.
func (m *MockKickServer) BaseURL() string { return m.URL + "/api/v2/channels/" }

// Hits returns how many requests were made for slug.
func (m *MockKickServer) Hits(slug string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[slug]
}

// MockChannel serves a channel document for slug with the given chatroom id.
func (m *MockKickServer) MockChannel(slug string, chatroomID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[slug] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"id":       chatroomID + 1000,
			"slug":     slug,
			"chatroom": map[string]interface{}{"id": chatroomID},
			"user":     map[string]string{"username": slug},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockStatus answers every request for slug with code.
func (m *MockKickServer) MockStatus(slug string, code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[slug] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}
}
