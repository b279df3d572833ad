package shim

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/streamspace-dev/deviceorch/internal/logger"
)

// LogRecord is one line of session output broadcast to subscribers.
type LogRecord struct {
	SessionID string    `json:"session_id"`
	TestID    string    `json:"test_id,omitempty"`
	Line      string    `json:"line"`
	At        time.Time `json:"at"`
}

// LogHub fans out LogRecords to every connected SubscribeLogRecords
// client, grounded on the teacher's websocket Hub register/unregister/
// broadcast channel pattern generalized from a single connection set to
// per-session subscriber filtering.
type LogHub struct {
	register   chan *logClient
	unregister chan *logClient
	broadcast  chan LogRecord

	mu      sync.RWMutex
	clients map[*logClient]bool
}

type logClient struct {
	sessionID string
	send      chan LogRecord
}

// NewLogHub constructs an idle hub; call Run in a goroutine to start it.
func NewLogHub() *LogHub {
	return &LogHub{
		register:   make(chan *logClient),
		unregister: make(chan *logClient),
		broadcast:  make(chan LogRecord, 256),
		clients:    make(map[*logClient]bool),
	}
}

// Run drives registration and fan-out until ctx-independent shutdown
// (the hub has no owning context; it lives for the process lifetime).
func (h *LogHub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case rec := <-h.broadcast:
			h.mu.RLock()
			var slow []*logClient
			for c := range h.clients {
				if c.sessionID != "" && c.sessionID != rec.SessionID {
					continue
				}
				select {
				case c.send <- rec:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, c := range slow {
					if _, ok := h.clients[c]; ok {
						delete(h.clients, c)
						close(c.send)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// PublishLog satisfies session.LogSink, letting the session package feed
// this hub without importing it.
func (h *LogHub) PublishLog(sessionID, testID, line string) {
	h.Publish(LogRecord{SessionID: sessionID, TestID: testID, Line: line, At: time.Now()})
}

// Publish enqueues rec for delivery to matching subscribers; it never
// blocks the caller (the broadcast channel is buffered and fan-out runs
// on the hub's own goroutine).
func (h *LogHub) Publish(rec LogRecord) {
	select {
	case h.broadcast <- rec:
	default:
		logger.Component("shim").Warn().Str("session_id", rec.SessionID).Msg("log hub broadcast buffer full, dropping record")
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subscribeLogRecords upgrades to a WebSocket connection streaming every
// LogRecord published for the path's session id, following the teacher's
// register-on-connect/unregister-on-close client lifecycle.
func (s *Server) subscribeLogRecords(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Component("shim").Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &logClient{sessionID: c.Param("id"), send: make(chan LogRecord, 64)}
	s.hub.register <- client
	defer func() { s.hub.unregister <- client }()

	// Drain inbound control frames (ping/close) on their own goroutine so
	// they are processed, and a client disconnect is noticed, while the
	// loop below blocks on client.send.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case rec, ok := <-client.send:
			if !ok {
				conn.Close()
				return
			}
			if err := conn.WriteJSON(rec); err != nil {
				conn.Close()
				return
			}
		case <-closed:
			conn.Close()
			return
		}
	}
}
