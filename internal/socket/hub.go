package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/noah-isme/reimburse-api/internal/event"
	"github.com/noah-isme/reimburse-api/internal/models"
)

// Hub tracks websocket clients and pushes reimbursement events to them.
// Administrators receive every event; employees only events for their own
// requests.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	logger  *zap.Logger

	upgrader websocket.Upgrader
}

type client struct {
	conn   *websocket.Conn
	userID string
	admin  bool
	mu     sync.Mutex
}

// NewHub constructs an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin is enforced by the CORS layer in front of the upgrade.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Serve upgrades the request and keeps the connection registered until the
// peer goes away. Claims must already be attached by the JWT middleware.
func (h *Hub) Serve(c *gin.Context, claims *models.JWTClaims) {
	if claims == nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	cl := &client{conn: conn, userID: claims.UserID, admin: claims.IsAdmin()}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client registered", zap.String("user_id", cl.userID))

	defer func() {
		h.mu.Lock()
		delete(h.clients, cl)
		h.mu.Unlock()
		_ = conn.Close()
		h.logger.Debug("websocket client unregistered", zap.String("user_id", cl.userID))
	}()

	// Inbound frames are ignored; the read loop only detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Deliver implements event.Sink by fanning the event out to eligible clients.
func (h *Hub) Deliver(_ context.Context, evt event.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for cl := range h.clients {
		if cl.admin || cl.userID == evt.OwnerID {
			targets = append(targets, cl)
		}
	}
	h.mu.RUnlock()

	for _, cl := range targets {
		cl.mu.Lock()
		err := cl.conn.WriteMessage(websocket.TextMessage, payload)
		cl.mu.Unlock()
		if err != nil {
			// A dead client is cleaned up by its own read loop.
			h.logger.Debug("websocket write failed", zap.String("user_id", cl.userID), zap.Error(err))
		}
	}
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		_ = cl.conn.Close()
		delete(h.clients, cl)
	}
}
