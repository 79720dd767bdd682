package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockHelixServer creates a test server that mocks Twitch Helix API responses
type MockHelixServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu   sync.Mutex
	Bans []map[string]any // captured /helix/moderation/bans request bodies
}

// NewMockHelixServer creates a new mock Twitch API server
func NewMockHelixServer(t *testing.T) *MockHelixServer {
	t.Helper()
	m := &MockHelixServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockUserResponse adds a handler for /helix/users endpoint
func (m *MockHelixServer) MockUserResponse(userID, login string) {
	m.Handlers["/helix/users"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": []map[string]string{
				{"id": userID, "login": login},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockBanEndpoint captures moderation ban/timeout requests and responds 200.
func (m *MockHelixServer) MockBanEndpoint() {
	m.Handlers["/helix/moderation/bans"] = func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck // test mock request
		m.mu.Lock()
		m.Bans = append(m.Bans, body)
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":[]}`))
	}
}

// MockChatEndpoint responds 200 to /helix/chat/messages.
func (m *MockHelixServer) MockChatEndpoint() {
	m.Handlers["/helix/chat/messages"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"message_id":"1","is_sent":true}]}`))
	}
}

// CapturedBans returns the bodies posted to the ban endpoint.
func (m *MockHelixServer) CapturedBans() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, len(m.Bans))
	copy(out, m.Bans)
	return out
}
