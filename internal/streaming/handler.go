package streaming

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kilocode/sessioncore/internal/authority"
	"github.com/kilocode/sessioncore/internal/common/appctx"
	"github.com/kilocode/sessioncore/internal/common/config"
	"github.com/kilocode/sessioncore/internal/common/logger"
	"github.com/kilocode/sessioncore/internal/execution"
	"github.com/kilocode/sessioncore/internal/storage"
)

// ingestFrame is the minimal structured shape every wrapper-emitted event
// must carry; additional streamEventType values pass through unmodified.
type ingestFrame struct {
	StreamEventType string          `json:"streamEventType"`
	Payload         json.RawMessage `json:"payload"`
}

type kilocodePayload struct {
	Event     string `json:"event"`
	SessionID string `json:"sessionId"`
	Branch    string `json:"branch,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Handler exposes the /stream and /ingest HTTP endpoints.
type Handler struct {
	hub        *Hub
	tickets    *TicketIssuer
	store      *storage.Store
	executions *execution.Registry
	authority  *authority.Authority
	server     config.ServerConfig
	backend    config.BackendConfig
	shutdownCh <-chan struct{}
	logger     *logger.Logger
}

// NewHandler builds a Handler over its dependencies. shutdownCh, when
// closed, bounds any background work the handler starts (currently the
// backend-link call) that would otherwise outlive the process.
func NewHandler(hub *Hub, tickets *TicketIssuer, store *storage.Store, executions *execution.Registry, auth *authority.Authority, server config.ServerConfig, backend config.BackendConfig, shutdownCh <-chan struct{}, log *logger.Logger) *Handler {
	return &Handler{
		hub: hub, tickets: tickets, store: store, executions: executions, authority: auth,
		server: server, backend: backend, shutdownCh: shutdownCh,
		logger: log.WithFields(zap.String("component", "streaming-handler")),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func (h *Handler) originAllowed(origin string) bool {
	if len(h.server.StreamOrigins) == 0 {
		return true
	}
	for _, allowed := range h.server.StreamOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

// StreamSession handles GET /stream?cloudAgentSessionId=<id>&ticket=<token>.
func (h *Handler) StreamSession(c *gin.Context) {
	if origin := c.GetHeader("Origin"); origin != "" && !h.originAllowed(origin) {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	sessionID := c.Query("cloudAgentSessionId")
	if sessionID == "" {
		sessionID = c.Query("sessionId")
	}
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cloudAgentSessionId is required"})
		return
	}

	ticket := c.Query("ticket")
	if ticket == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "ticket is required"})
		return
	}
	if err := h.tickets.Validate(ticket, sessionID); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("failed to upgrade stream connection")
		return
	}

	cl := newClient(uuid.New().String(), sessionID, "", conn, h.hub)
	h.hub.registerStream(sessionID, cl)

	h.replayTo(cl, sessionID)

	go cl.writePump()
	cl.readPump(nil)
}

// replayTo pushes every retained event for sessionID, across all of its
// executions, in id order, so a reconnecting client catches up on the full
// durable buffer before new broadcasts arrive — including history from an
// execution that has already finished.
func (h *Handler) replayTo(cl *client, sessionID string) {
	events, err := h.store.ListEventsBySessionSince(sessionID, 0)
	if err != nil {
		h.logger.WithError(err).Warn("failed to replay events")
		return
	}
	for _, ev := range events {
		frame, err := json.Marshal(gin.H{
			"id":              ev.ID,
			"streamEventType": ev.StreamEventType,
			"payload":         json.RawMessage(ev.PayloadJSON),
		})
		if err != nil {
			continue
		}
		cl.enqueue(frame)
	}
}

// IngestExecution handles GET /ingest?executionId=<id>&token=<ingestToken>.
// It is the wrapper's single-writer connection.
func (h *Handler) IngestExecution(c *gin.Context) {
	executionID := c.Query("executionId")
	token := c.Query("token")
	if executionID == "" || token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "executionId and token are required"})
		return
	}

	exec, err := h.executions.Get(executionID)
	if err != nil {
		_ = c.Error(err)
		c.Abort()
		return
	}
	if exec.IngestToken != token {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid ingest token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("failed to upgrade ingest connection")
		return
	}

	cl := newClient(uuid.New().String(), "", executionID, conn, h.hub)
	h.hub.registerIngest(executionID, cl)
	go cl.writePump()

	cl.readPump(func(payload []byte) {
		h.handleIngestFrame(c, exec, payload)
	})
}

func (h *Handler) handleIngestFrame(c *gin.Context, exec storage.Execution, payload []byte) {
	log := h.logger.WithSessionID(exec.SessionID).WithExecutionID(exec.ExecutionID)

	var frame ingestFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		log.WithError(err).Warn("dropping malformed ingest frame")
		return
	}

	id, err := h.store.AppendEvent(storage.StoredEvent{
		ExecutionID:     exec.ExecutionID,
		SessionID:       exec.SessionID,
		StreamEventType: frame.StreamEventType,
		PayloadJSON:     string(frame.Payload),
	})
	if err != nil {
		log.WithError(err).Error("failed to persist ingest event")
		return
	}

	broadcastFrame, err := json.Marshal(gin.H{"id": id, "streamEventType": frame.StreamEventType, "payload": frame.Payload})
	if err == nil {
		h.hub.Broadcast(exec.SessionID, broadcastFrame)
	}

	if frame.StreamEventType != "kilocode" {
		return
	}
	var kp kilocodePayload
	if err := json.Unmarshal(frame.Payload, &kp); err != nil {
		log.WithError(err).Warn("dropping malformed kilocode payload")
		return
	}

	switch kp.Event {
	case "session_created":
		if err := h.store.UpdateKiloSessionID(exec.SessionID, kp.SessionID); err != nil {
			log.WithError(err).Error("failed to record kiloSessionId")
		}
		meta, err := h.store.GetSessionMetadata(exec.SessionID)
		if err != nil {
			log.WithError(err).Warn("failed to load metadata for backend link")
			return
		}
		detachCtx, cancel := appctx.Detached(c.Request.Context(), h.shutdownCh, h.backend.LinkTimeout()+5*time.Second)
		go func() {
			defer cancel()
			linkBackend(detachCtx, h.backend, meta.KilocodeToken, kp.SessionID, exec.SessionID, log)
		}()

	case "heartbeat":
		if err := h.executions.UpdateHeartbeat(exec.ExecutionID, ""); err != nil {
			log.WithError(err).Warn("failed to record heartbeat")
		}

	case "completed", "failed", "interrupted":
		status := storage.ExecutionStatus(kp.Event)
		if err := h.authority.OnExecutionComplete(c.Request.Context(), exec.SessionID, exec.ExecutionID, status, kp.Error); err != nil {
			log.WithError(err).Error("failed to record execution completion")
		}
	}

	if kp.Branch != "" {
		if err := h.store.UpdateUpstreamBranch(exec.SessionID, kp.Branch); err != nil {
			log.WithError(err).Warn("failed to record upstream branch")
		}
	}
}
