// Package streaming implements the event fabric: the durable, replayable
// append-only event stream between a running wrapper process and any number
// of reconnecting browser clients, plus the command channel the Session
// Authority uses to push kill/ping frames back to the wrapper.
package streaming

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kilocode/sessioncore/internal/common/logger"
)

// client is one live WebSocket connection, either a /stream subscriber
// (keyed by sessionID) or an /ingest wrapper connection (tagged by
// executionID for the command channel).
type client struct {
	id          string
	sessionID   string
	executionID string
	send        chan []byte
	conn        *websocket.Conn
	hub         *Hub
	mu          sync.Mutex
	closed      bool
	logger      *logger.Logger
}

func (c *client) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	default:
		c.logger.Warn("client send buffer full, dropping message")
	}
}

func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Hub fans broadcasts out to subscribers. Stream subscribers are grouped by
// sessionID; ingest (wrapper) connections are grouped by executionID so the
// command channel can reach exactly the right wrapper.
type Hub struct {
	mu              sync.RWMutex
	streamClients   map[string]map[*client]bool // sessionID -> clients
	ingestClients   map[string]map[*client]bool // executionID -> clients
	logger          *logger.Logger
}

// NewHub constructs an empty Hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		streamClients: make(map[string]map[*client]bool),
		ingestClients: make(map[string]map[*client]bool),
		logger:        log.WithFields(zap.String("component", "streaming-hub")),
	}
}

// registerStream attaches a /stream subscriber to a session's fan-out group.
func (h *Hub) registerStream(sessionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.streamClients[sessionID] == nil {
		h.streamClients[sessionID] = make(map[*client]bool)
	}
	h.streamClients[sessionID][c] = true
}

// unregisterStream detaches a /stream subscriber.
func (h *Hub) unregisterStream(sessionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.streamClients[sessionID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.streamClients, sessionID)
		}
	}
	c.closeSend()
}

// registerIngest tags a wrapper connection under its executionID so the
// command channel can reach it later.
func (h *Hub) registerIngest(executionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ingestClients[executionID] == nil {
		h.ingestClients[executionID] = make(map[*client]bool)
	}
	h.ingestClients[executionID][c] = true
}

// unregisterIngest removes a wrapper connection's command-channel tag.
func (h *Hub) unregisterIngest(executionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.ingestClients[executionID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.ingestClients, executionID)
		}
	}
	c.closeSend()
}

// Broadcast pushes payload to every /stream subscriber of sessionID.
func (h *Hub) Broadcast(sessionID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.streamClients[sessionID] {
		c.enqueue(payload)
	}
}

// SubscriberCount reports how many /stream sockets are watching a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streamClients[sessionID])
}

// sendToExecution pushes a command frame to every wrapper connection tagged
// with executionID. Returns the number of sockets it was delivered to.
func (h *Hub) sendToExecution(executionID string, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.ingestClients[executionID] {
		c.enqueue(payload)
		n++
	}
	return n
}
