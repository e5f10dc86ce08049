package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// MockPlatformServer creates a test server that mocks platform API responses
type MockPlatformServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu        sync.Mutex
	SentChats []string
}

// NewMockPlatformServer creates a new mock platform API server
func NewMockPlatformServer(t *testing.T) *MockPlatformServer {
	t.Helper()
	m := &MockPlatformServer{
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

// MockTokenResponse adds a handler for the /oauth/token endpoint
func (m *MockPlatformServer) MockTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockChannelStatus adds a handler for /v1/channels/{id}/status
func (m *MockPlatformServer) MockChannelStatus(channelID string, isLive bool, title string) {
	m.Handlers["/v1/channels/"+channelID+"/status"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"channelId":   channelID,
			"displayName": channelID,
			"isLive":      isLive,
			"liveTitle":   title,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockChatSession adds a handler for /v1/channels/{id}/chat-session
func (m *MockPlatformServer) MockChatSession(channelID, sessionID, accessToken, wsURL string) {
	m.Handlers["/v1/channels/"+channelID+"/chat-session"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"sessionId":   sessionID,
			"accessToken": accessToken,
			"wsUrl":       wsURL,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockChatSend adds a handler for /v1/chat/send that records sent messages
func (m *MockPlatformServer) MockChatSend() {
	m.Handlers["/v1/chat/send"] = func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck // test mock request
		m.mu.Lock()
		m.SentChats = append(m.SentChats, body.Message)
		m.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

// Sent returns a copy of messages received on /v1/chat/send
func (m *MockPlatformServer) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.SentChats))
	copy(out, m.SentChats)
	return out
}

// MockChatServer is a websocket server speaking the chat streaming protocol:
// it accepts the hello handshake, answers pings with pongs, and lets tests
// push arbitrary frames to connected clients.
type MockChatServer struct {
	*httptest.Server
	URL string // ws:// form of the server URL

	// OnHello, when set, runs as soon as a hello handshake is received, so
	// tests can push frames at the earliest moment a client can observe them.
	OnHello func()

	mu       sync.Mutex
	conns    []*websocket.Conn
	hellos   []json.RawMessage
	pings    int
	accepted int
	dropAll  bool

	// wmu serializes writes; gorilla/websocket allows one writer per conn.
	wmu sync.Mutex
}

// NewMockChatServer starts a websocket chat server for tests.
func NewMockChatServer(t *testing.T) *MockChatServer {
	t.Helper()
	m := &MockChatServer{}
	upgrader := websocket.Upgrader{}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		reject := m.dropAll
		m.mu.Unlock()
		if reject {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.mu.Lock()
		m.conns = append(m.conns, conn)
		m.accepted++
		m.mu.Unlock()
		go m.serve(conn)
	}))
	m.URL = "ws" + strings.TrimPrefix(m.Server.URL, "http")
	t.Cleanup(m.Close)
	return m
}

func (m *MockChatServer) serve(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f struct {
			Op   string          `json:"op"`
			Body json.RawMessage `json:"body"`
		}
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Op {
		case "hello":
			m.mu.Lock()
			m.hellos = append(m.hellos, f.Body)
			hook := m.OnHello
			m.mu.Unlock()
			if hook != nil {
				hook()
			}
		case "ping":
			m.mu.Lock()
			m.pings++
			m.mu.Unlock()
			m.wmu.Lock()
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"pong"}`))
			m.wmu.Unlock()
		}
	}
}

// PushFrame sends a raw frame to every connected client.
func (m *MockChatServer) PushFrame(t *testing.T, raw string) {
	t.Helper()
	m.mu.Lock()
	conns := make([]*websocket.Conn, len(m.conns))
	copy(conns, m.conns)
	m.mu.Unlock()
	m.wmu.Lock()
	defer m.wmu.Unlock()
	for _, c := range conns {
		if err := c.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Logf("push frame: %v", err)
		}
	}
}

// DropConnections closes every live connection, simulating a transport drop.
func (m *MockChatServer) DropConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		_ = c.Close()
	}
	m.conns = nil
}

// RejectNew makes the server refuse future upgrade requests, so reconnect
// attempts fail at dial time.
func (m *MockChatServer) RejectNew(reject bool) {
	m.mu.Lock()
	m.dropAll = reject
	m.mu.Unlock()
}

// PingCount returns how many heartbeat pings the server has received.
func (m *MockChatServer) PingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pings
}

// HelloCount returns how many hello handshakes the server has accepted.
func (m *MockChatServer) HelloCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hellos)
}

// ConnCount returns how many connections have been accepted in total.
func (m *MockChatServer) ConnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepted
}
