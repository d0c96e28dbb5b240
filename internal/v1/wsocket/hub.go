package wsocket

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/clipboardpush/signal-coordinator/internal/v1/bus"
	"github.com/clipboardpush/signal-coordinator/internal/v1/metrics"
	"github.com/clipboardpush/signal-coordinator/internal/v1/ratelimit"
	"github.com/clipboardpush/signal-coordinator/internal/v1/registry"
)

// Hub owns every live Socket and is the concrete Transport the dispatcher,
// LAN-probe orchestrator and transfer state machine emit through.
type Hub struct {
	mu      sync.RWMutex
	sockets map[string]*Socket

	reg     *registry.Registry
	limiter *ratelimit.RateLimiter
	router  Router

	upgrader websocket.Upgrader

	bus             *bus.Service
	origin          string
	subscribedRooms map[string]bool
}

// NewHub builds a Hub. allowedOrigins empty means accept any origin's
// handshake (the upstream CORS middleware already governs the HTTP surface).
// redis is nil in single-instance deployments; every bus call degrades to a
// no-op in that case.
func NewHub(reg *registry.Registry, limiter *ratelimit.RateLimiter, router Router, allowedOrigins []string, redis *bus.Service) *Hub {
	h := &Hub{
		sockets:         make(map[string]*Socket),
		reg:             reg,
		limiter:         limiter,
		router:          router,
		bus:             redis,
		origin:          uuid.NewString(),
		subscribedRooms: make(map[string]bool),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin(allowedOrigins),
	}
	return h
}

// SetRouter wires the dispatcher in after construction, breaking the
// Hub/Dispatcher constructor cycle (the dispatcher itself depends on the Hub
// as its Transport).
func (h *Hub) SetRouter(router Router) {
	h.router = router
}

func (h *Hub) checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := set[r.Header.Get("Origin")]
		return ok
	}
}

// ServeWS upgrades an incoming HTTP request to a websocket connection and
// starts its read/write pumps.
func (h *Hub) ServeWS(c *gin.Context) {
	if h.limiter != nil && !h.limiter.CheckWebSocket(c) {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	socketID := uuid.NewString()
	sock := NewSocket(socketID, conn, h.router, h.onClosed)

	h.mu.Lock()
	h.sockets[socketID] = sock
	h.mu.Unlock()

	metrics.IncConnection()
	sock.Start()
}

func (h *Hub) onClosed(socketID string) {
	h.mu.Lock()
	delete(h.sockets, socketID)
	h.mu.Unlock()

	clientID, room, purged := h.reg.DetachSocket(socketID, "")
	if clientID == "" || !purged || room == "" {
		return
	}
	// The client is already gone from the registry by the time we get here,
	// so reg.ClientRoom(clientID) would no longer resolve; room was captured
	// by DetachSocket before the purge, same as detach_sid_from_tracking does.
	h.EmitRoomState(room)
	h.LogActivity(room, "peer_disconnected", map[string]any{"client_id": clientID})
}

// EmitToSockets implements dispatcher.Transport / lanprobe.Notifier /
// transfer.Notifier.
func (h *Hub) EmitToSockets(socketIDs []string, event string, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range socketIDs {
		if s, ok := h.sockets[id]; ok {
			s.Emit(event, payload)
		}
	}
}

// EmitToSocket implements dispatcher.Transport.
func (h *Hub) EmitToSocket(socketID, event string, payload any) {
	h.mu.RLock()
	s, ok := h.sockets[socketID]
	h.mu.RUnlock()
	if ok {
		s.Emit(event, payload)
	}
}

// EmitRoomState builds the current derived state for room and broadcasts it
// to every member socket plus every observer-room socket, then republishes it
// to any other instance subscribed to room.
func (h *Hub) EmitRoomState(room string) {
	if room == "" {
		return
	}
	h.ensureSubscribed(room)

	state := h.reg.BuildRoomState(room)
	members := h.reg.RoomMembers(room)
	var sockets []string
	for _, cid := range members {
		sockets = append(sockets, h.reg.ClientSockets(cid)...)
	}
	h.EmitToSockets(sockets, "room_state_changed", state)

	observers := h.reg.RoomMembers(registry.ObserverRoom)
	var observerSockets []string
	for _, cid := range observers {
		observerSockets = append(observerSockets, h.reg.ClientSockets(cid)...)
	}
	h.EmitToSockets(observerSockets, "room_state_changed", state)

	h.publish(room, "room_state_changed", state)
}

// LogActivity emits an activity_log entry to every observer-room socket, then
// republishes it to any other instance subscribed to room.
func (h *Hub) LogActivity(room, reason string, detail map[string]any) {
	h.ensureSubscribed(room)

	content := map[string]any{
		"type":    reason,
		"room":    room,
		"sender":  "server",
		"content": detail,
	}

	observers := h.reg.RoomMembers(registry.ObserverRoom)
	var observerSockets []string
	for _, cid := range observers {
		observerSockets = append(observerSockets, h.reg.ClientSockets(cid)...)
	}
	if len(observerSockets) > 0 {
		h.EmitToSockets(observerSockets, "activity_log", content)
	}

	h.publish(room, "activity_log", content)
}

// ensureSubscribed subscribes room to the bus exactly once, mirroring the
// teacher's subscribeToRedis: a room only needs one local listener no matter
// how many of its members connected to this instance.
func (h *Hub) ensureSubscribed(room string) {
	h.mu.Lock()
	if h.subscribedRooms[room] {
		h.mu.Unlock()
		return
	}
	h.subscribedRooms[room] = true
	h.mu.Unlock()

	h.bus.Subscribe(context.Background(), room, h.origin, h.handleRemoteEvent)
}

// handleRemoteEvent re-emits an event published by another instance to this
// instance's local sockets for the same room. bus.Subscribe already filters
// out our own publishes by origin, so this never re-publishes.
func (h *Hub) handleRemoteEvent(msg bus.PubSubPayload) {
	switch msg.Event {
	case "room_state_changed":
		members := h.reg.RoomMembers(msg.Room)
		var sockets []string
		for _, cid := range members {
			sockets = append(sockets, h.reg.ClientSockets(cid)...)
		}
		observers := h.reg.RoomMembers(registry.ObserverRoom)
		for _, cid := range observers {
			sockets = append(sockets, h.reg.ClientSockets(cid)...)
		}
		h.EmitToSockets(sockets, msg.Event, msg.Payload)
	default:
		observers := h.reg.RoomMembers(registry.ObserverRoom)
		var observerSockets []string
		for _, cid := range observers {
			observerSockets = append(observerSockets, h.reg.ClientSockets(cid)...)
		}
		h.EmitToSockets(observerSockets, msg.Event, msg.Payload)
	}
}

// publish republishes a locally-broadcast event so other instances can fan
// it out to their own sockets for room. Runs in a goroutine so a slow or
// unavailable Redis never blocks a caller's websocket write path.
func (h *Hub) publish(room, event string, payload any) {
	go func() {
		_ = h.bus.Publish(context.Background(), room, event, payload, h.origin)
	}()
}
