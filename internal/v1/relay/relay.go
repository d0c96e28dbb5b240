// Package relay implements the coordinator's unauthenticated internal HTTP
// fan-out endpoint, used by server-side collaborators that want to push a
// wire event into a room without holding a websocket connection themselves.
package relay

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/clipboardpush/signal-coordinator/internal/v1/logging"
	"github.com/clipboardpush/signal-coordinator/internal/v1/metrics"
	"github.com/clipboardpush/signal-coordinator/internal/v1/registry"
)

// Transport is the side-effect surface the relay handler emits through.
type Transport interface {
	EmitToSockets(sockets []string, event string, payload any)
}

// Request is the POST /api/relay body.
type Request struct {
	Room     string `json:"room" binding:"required"`
	Event    string `json:"event" binding:"required"`
	Data     any    `json:"data"`
	SenderID string `json:"sender_id"`
}

// Handler serves POST /api/relay. No authentication by design: callers are
// internal collaborators, not end users.
type Handler struct {
	reg       *registry.Registry
	transport Transport
}

// NewHandler builds a relay Handler.
func NewHandler(reg *registry.Registry, transport Transport) *Handler {
	return &Handler{reg: reg, transport: transport}
}

// Relay handles POST /api/relay.
func (h *Handler) Relay(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		metrics.RelayRequestsTotal.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "room, event and data are required"})
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logging.Error(context.Background(), "panic while relaying event",
				zap.Any("recovered", r), zap.String("room", req.Room), zap.String("event", req.Event))
			metrics.RelayRequestsTotal.WithLabelValues("internal_error").Inc()
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to relay event"})
		}
	}()

	sockets := h.reg.SocketsForRoomExcept(req.Room, req.SenderID)
	h.transport.EmitToSockets(sockets, req.Event, req.Data)

	metrics.RelayRequestsTotal.WithLabelValues("ok").Inc()
	c.JSON(http.StatusOK, gin.H{"status": "relayed", "recipients": len(sockets)})
}
