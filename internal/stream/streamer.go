// Package stream pushes trace events to connected operator consoles over
// WebSocket, scoped to a single session per connection.
package stream

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentgate/backend/internal/core"
	"github.com/agentgate/backend/internal/metrics"
)

type client struct {
	conn      *websocket.Conn
	sessionID string
	tenantID  string
}

type frame struct {
	sessionID string
	tenantID  string
	payload   []byte
}

// Streamer is the hub: one broadcast loop, one registry of live
// connections, each pinned to a session.
type Streamer struct {
	clients    map[*client]bool
	broadcast  chan *frame
	register   chan *client
	unregister chan *client
	upgrader   websocket.Upgrader
	logger     *log.Logger
	mu         sync.RWMutex
	done       chan struct{}
}

// NewStreamer creates the hub. Call Run in a goroutine before serving.
func NewStreamer() *Streamer {
	return &Streamer{
		clients:    make(map[*client]bool),
		broadcast:  make(chan *frame, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // origin policy is enforced at the edge proxy
			},
		},
		logger: log.New(log.Writer(), "[STREAM] ", log.LstdFlags),
		done:   make(chan struct{}),
	}
}

// Run processes registration and broadcast traffic until Stop.
func (s *Streamer) Run() {
	for {
		select {
		case c := <-s.register:
			s.mu.Lock()
			s.clients[c] = true
			count := len(s.clients)
			s.mu.Unlock()
			metrics.StreamClients.Set(float64(count))
			s.logger.Printf("✅ stream client connected: session=%s (total: %d)", c.sessionID, count)

		case c := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[c]; ok {
				delete(s.clients, c)
				c.conn.Close()
			}
			count := len(s.clients)
			s.mu.Unlock()
			metrics.StreamClients.Set(float64(count))
			s.logger.Printf("🔌 stream client disconnected: session=%s (total: %d)", c.sessionID, count)

		case f := <-s.broadcast:
			s.mu.RLock()
			targets := make([]*client, 0, len(s.clients))
			for c := range s.clients {
				if c.sessionID == f.sessionID && c.tenantID == f.tenantID {
					targets = append(targets, c)
				}
			}
			s.mu.RUnlock()
			for _, c := range targets {
				c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := c.conn.WriteMessage(websocket.TextMessage, f.payload); err != nil {
					s.logger.Printf("⚠️ stream write failed, dropping client: %v", err)
					go func(c *client) { s.unregister <- c }(c)
				}
			}

		case <-s.done:
			s.mu.Lock()
			for c := range s.clients {
				c.conn.Close()
			}
			s.clients = make(map[*client]bool)
			s.mu.Unlock()
			metrics.StreamClients.Set(0)
			return
		}
	}
}

// Stop closes all connections and terminates the Run loop.
func (s *Streamer) Stop() {
	close(s.done)
}

// Publish pushes one trace event to watchers of its session.
func (s *Streamer) Publish(e *core.TraceEvent) {
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	select {
	case s.broadcast <- &frame{sessionID: e.SessionID, tenantID: e.TenantID, payload: payload}:
	default:
		s.logger.Printf("⚠️ stream backlog full, dropping event for session=%s", e.SessionID)
	}
}

// HandleSession upgrades the request and pins the connection to one
// session. The caller has already authenticated the tenant.
func (s *Streamer) HandleSession(w http.ResponseWriter, r *http.Request, sessionID, tenantID string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("❌ websocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, sessionID: sessionID, tenantID: tenantID}
	s.register <- c

	// Reader loop detects disconnects; inbound frames are ignored.
	go func() {
		defer func() { s.unregister <- c }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Stats reports connection counts for the monitoring surface.
func (s *Streamer) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	perSession := make(map[string]int)
	for c := range s.clients {
		perSession[c.sessionID]++
	}
	return map[string]interface{}{
		"connected_clients": len(s.clients),
		"watched_sessions":  len(perSession),
		"backlog":           len(s.broadcast),
	}
}
