// Package testutil provides in-process servers for integration testing.
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

// WSServer is an in-process websocket server standing in for the realtime
// backend. It records inbound frames and pushes scripted events to the most
// recently accepted connection.
type WSServer struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	inbound  []map[string]any
	accepted int
	rejectN  int
}

// NewWSServer starts a websocket server accepting connections on any path.
//
// Postcondition: Returns a running server; it is shut down via t.Cleanup.
func NewWSServer(t *testing.T) *WSServer {
	t.Helper()
	s := &WSServer{
		t:        t,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// URL returns the server address with a ws scheme.
func (s *WSServer) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

// RejectNext makes the server refuse the next n upgrade attempts with a 503,
// for exercising reconnection.
func (s *WSServer) RejectNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectN = n
}

func (s *WSServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.rejectN > 0 {
		s.rejectN--
		s.mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.accepted++
	s.mu.Unlock()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(frame, &msg); err != nil {
			continue
		}
		s.mu.Lock()
		s.inbound = append(s.inbound, msg)
		s.mu.Unlock()
	}
}

// Push sends one event frame to the latest connection.
//
// Precondition: at least one connection has been accepted.
func (s *WSServer) Push(t *testing.T, frame string) {
	t.Helper()
	s.mu.Lock()
	if len(s.conns) == 0 {
		s.mu.Unlock()
		t.Fatalf("push with no accepted connection")
		return
	}
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("pushing frame: %v", err)
	}
}

// DropLatest closes the latest connection from the server side, simulating a
// network drop (not a deliberate client disconnect).
func (s *WSServer) DropLatest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) > 0 {
		_ = s.conns[len(s.conns)-1].Close()
	}
}

// Accepted returns the number of upgrade handshakes completed.
func (s *WSServer) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Inbound returns a copy of all decoded frames received from clients.
func (s *WSServer) Inbound() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, len(s.inbound))
	copy(out, s.inbound)
	return out
}

// InboundTypes returns the "type" field of every received frame, in order.
func (s *WSServer) InboundTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.inbound))
	for _, msg := range s.inbound {
		if t, ok := msg["type"].(string); ok {
			types = append(types, t)
		}
	}
	return types
}

// WaitFor polls cond until it returns true or the timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// Close shuts the server down and closes all accepted connections.
func (s *WSServer) Close() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	s.server.Close()
}
