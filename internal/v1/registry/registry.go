package registry

import (
	"sync"

	"github.com/clipboardpush/signal-coordinator/internal/v1/metrics"
)

// ObserverRoom is the reserved room name dashboard clients join to receive
// room_states_snapshot and activity_log traffic. It is never a member of any
// paired room and capacity/eviction rules do not apply to it.
const ObserverRoom = "__dashboard__"

const roomMaxPeers = 2

// EvictedClient describes a client forced out of a room by capacity
// enforcement, carrying everything the caller needs to emit peer_evicted to
// its sockets.
type EvictedClient struct {
	ClientID  string
	Sockets   []string
	Room      string
	Reason    string
	EvictedAt int64
}

// Registry is the sole owner of the coordinator's mutable state. All methods
// are safe for concurrent use; a single mutex serializes every mutation, the
// Go rendering of the "Registry actor" design note.
type Registry struct {
	mu sync.Mutex

	clients   map[string]*Client          // client_id -> record
	sockets   map[string]string           // socket_id -> client_id
	rooms     map[string]*Room            // room_id -> record
	probes    map[string]*PendingProbe    // probe_id -> record
	transfers map[string]*TransferContext // transfer_id -> record
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		clients:   make(map[string]*Client),
		sockets:   make(map[string]string),
		rooms:     make(map[string]*Room),
		probes:    make(map[string]*PendingProbe),
		transfers: make(map[string]*TransferContext),
	}
}

func (r *Registry) getOrCreateRoom(roomID string) *Room {
	room, ok := r.rooms[roomID]
	if !ok {
		room = &Room{RoomID: roomID}
		r.rooms[roomID] = room
	}
	return room
}

func (r *Registry) removeMemberLocked(room *Room, clientID string) {
	for i, id := range room.Members {
		if id == clientID {
			room.Members = append(room.Members[:i], room.Members[i+1:]...)
			return
		}
	}
}

// AttachSocket attaches a new socket to a client, creating the client record
// if absent, and (if room is non-empty) moving the client into that room.
// A client changing rooms exits the old room first. Capacity enforcement
// runs after the join and may evict other members; evicted clients are
// returned for the caller to notify and are already purged from the
// registry.
func (r *Registry) AttachSocket(clientID, socketID string, clientType ClientType, deviceName, room string, network *Network, probe *Probe, nowMs int64) []EvictedClient {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[clientID]
	if !ok {
		c = &Client{
			ClientID:   clientID,
			Sockets:    make(map[string]struct{}),
			JoinedAtMs: nowMs,
		}
		r.clients[clientID] = c
	}
	c.Sockets[socketID] = struct{}{}
	r.sockets[socketID] = clientID
	c.LastSeenMs = nowMs
	if clientType != "" {
		c.ClientType = clientType
	}
	if deviceName != "" {
		c.DeviceName = deviceName
	} else if c.DeviceName == "" {
		c.DeviceName = clientID
	}
	if network != nil {
		c.Network = *network
	}
	if probe != nil {
		c.Probe = *probe
	}

	var evicted []EvictedClient
	if room != "" && c.Room != room {
		if c.Room != "" {
			if old, ok := r.rooms[c.Room]; ok {
				r.removeMemberLocked(old, clientID)
			}
		}
		c.Room = room
		target := r.getOrCreateRoom(room)
		target.Members = append(target.Members, clientID)
		if room != ObserverRoom {
			evicted = r.enforceCapacityLocked(target, nowMs)
		}
	}

	metrics.ActiveSocketConnections.Set(float64(len(r.sockets)))
	return evicted
}

// enforceCapacityLocked evicts members while a room exceeds roomMaxPeers.
// Policy: prefer the first member whose type is not pc; otherwise the first
// member (oldest by insertion order). Must be called with r.mu held.
func (r *Registry) enforceCapacityLocked(room *Room, nowMs int64) []EvictedClient {
	var evicted []EvictedClient
	for len(room.Members) > roomMaxPeers {
		idx := 0
		for i, id := range room.Members {
			if c, ok := r.clients[id]; ok && c.ClientType != ClientTypePC {
				idx = i
				break
			}
		}
		victimID := room.Members[idx]
		victim := r.clients[victimID]

		var sockIDs []string
		if victim != nil {
			for sid := range victim.Sockets {
				sockIDs = append(sockIDs, sid)
			}
		}

		evicted = append(evicted, EvictedClient{
			ClientID:  victimID,
			Sockets:   sockIDs,
			Room:      room.RoomID,
			Reason:    "room_capacity_exceeded",
			EvictedAt: nowMs,
		})

		r.removeMemberLocked(room, victimID)
		r.purgeClientLocked(victimID)
		metrics.RoomEvictionsTotal.WithLabelValues("room_capacity_exceeded").Inc()
	}
	return evicted
}

// DetachSocket removes a single socket. If it was the client's last socket,
// the client is fully purged (and removed from its room). roomHint is
// accepted for API symmetry with the source but is unused: the client's
// tracked room is authoritative. room is the client's room as of just before
// detaching, returned even when purged=true (when the client's own room
// bookkeeping is already gone), so callers can still broadcast the room's
// new state to whoever is left in it.
func (r *Registry) DetachSocket(socketID string, roomHint string) (clientID string, room string, purged bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clientID, ok := r.sockets[socketID]
	if !ok {
		return "", "", false
	}
	delete(r.sockets, socketID)

	c, ok := r.clients[clientID]
	if !ok {
		return clientID, "", false
	}
	delete(c.Sockets, socketID)
	room = c.Room

	metrics.ActiveSocketConnections.Set(float64(len(r.sockets)))

	if len(c.Sockets) == 0 {
		r.purgeClientLocked(clientID)
		return clientID, room, true
	}
	return clientID, room, false
}

// PurgeClient removes a client entirely: all sockets, room membership, and
// stale pending probes/last_probe for its room if membership drops below 2.
func (r *Registry) PurgeClient(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purgeClientLocked(clientID)
}

func (r *Registry) purgeClientLocked(clientID string) {
	c, ok := r.clients[clientID]
	if !ok {
		return
	}
	for sid := range c.Sockets {
		delete(r.sockets, sid)
	}
	if c.Room != "" {
		if room, ok := r.rooms[c.Room]; ok {
			r.removeMemberLocked(room, clientID)
			if len(room.Members) < roomMaxPeers {
				r.discardStaleProbesLocked(room.RoomID)
			}
		}
	}
	delete(r.clients, clientID)
}

// discardStaleProbesLocked clears last_probe and any pending probe for a room
// whose membership has dropped below a pair. Must be called with r.mu held.
func (r *Registry) discardStaleProbesLocked(roomID string) {
	if room, ok := r.rooms[roomID]; ok {
		room.LastProbe = nil
	}
	for id, p := range r.probes {
		if p.Room == roomID && !p.Resolved {
			delete(r.probes, id)
		}
	}
}

// UpdateNetwork updates a client's self-reported network metadata.
func (r *Registry) UpdateNetwork(clientID string, network Network, nowMs int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if !ok {
		return false
	}
	c.Network = network
	c.LastSeenMs = nowMs
	return true
}

// UpdateProbe updates a client's self-advertised probe target.
func (r *Registry) UpdateProbe(clientID string, probe Probe) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if !ok {
		return false
	}
	c.Probe = probe
	return true
}

// ClientRoom returns the room a client is currently tracked in, if any.
func (r *Registry) ClientRoom(clientID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if !ok || c.Room == "" {
		return "", false
	}
	return c.Room, true
}

// ClientIDForSocket resolves a socket to its owning client.
func (r *Registry) ClientIDForSocket(socketID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.sockets[socketID]
	return id, ok
}

// ClientSockets returns the current socket IDs for a client.
func (r *Registry) ClientSockets(clientID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.Sockets))
	for sid := range c.Sockets {
		out = append(out, sid)
	}
	return out
}

// IsMember reports whether clientID is a tracked member of room.
func (r *Registry) IsMember(room, clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	return ok && c.Room == room && room != ""
}

// Client returns a copy of a client record, for read-only inspection by
// orchestrator packages (e.g. the LAN-probe preconditions).
func (r *Registry) Client(clientID string) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if !ok {
		return Client{}, false
	}
	return *c, true
}

// RoomMembers returns the ordered member sequence of a room.
func (r *Registry) RoomMembers(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, len(room.Members))
	copy(out, room.Members)
	return out
}

// SocketsForRoomExcept returns every socket ID belonging to every member of
// room, excluding sockets owned by exceptClientID.
func (r *Registry) SocketsForRoomExcept(roomID, exceptClientID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	var out []string
	for _, cid := range room.Members {
		if cid == exceptClientID {
			continue
		}
		if c, ok := r.clients[cid]; ok {
			for sid := range c.Sockets {
				out = append(out, sid)
			}
		}
	}
	return out
}

// BuildRoomState is a pure projection of current registry state plus
// last_probe into the wire-shaped room state payload.
func (r *Registry) BuildRoomState(roomID string) RoomStatePayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buildRoomStateLocked(roomID)
}

func (r *Registry) buildRoomStateLocked(roomID string) RoomStatePayload {
	room, ok := r.rooms[roomID]
	var members []string
	var lastProbe *LastProbe
	if ok {
		members = room.Members
		lastProbe = room.LastProbe
	}

	state, sameLAN, confidence := deriveRoomState(len(members), lastProbe)

	peers := make([]PeerSummary, 0, len(members))
	for _, cid := range members {
		if c, ok := r.clients[cid]; ok {
			peers = append(peers, PeerSummary{
				ClientID:   c.ClientID,
				ClientType: string(c.ClientType),
				DeviceName: c.DeviceName,
			})
		}
	}

	return RoomStatePayload{
		ProtocolVersion: "4.0",
		Room:            roomID,
		MaxPeers:        roomMaxPeers,
		State:           state,
		SameLAN:         sameLAN,
		LANConfidence:   confidence,
		Peers:           peers,
		LastProbe:       lastProbe,
	}
}

// SetLastProbe stores the resolution of a room's most recent LAN probe.
func (r *Registry) SetLastProbe(roomID string, lp *LastProbe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getOrCreateRoom(roomID).LastProbe = lp
}

// SerializeAll returns a read-only snapshot of every room's derived state,
// for the dashboard observer's room_states_snapshot.
func (r *Registry) SerializeAll() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]RoomStatePayload, len(r.rooms))
	active := 0
	for roomID, room := range r.rooms {
		out[roomID] = r.buildRoomStateLocked(roomID)
		if len(room.Members) > 0 {
			active++
		}
	}
	metrics.ActiveRooms.Set(float64(active))
	return Snapshot{Rooms: out}
}

// RegisterPendingProbe records an outstanding LAN probe.
func (r *Registry) RegisterPendingProbe(p PendingProbe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes[p.ProbeID] = &p
	metrics.PendingProbes.Set(float64(len(r.probes)))
}

// ResolvePendingProbe removes a pending probe and returns it, but only if it
// exists and has not already been resolved (first-result-wins). ok is
// false if the probe_id is unknown or already resolved.
func (r *Registry) ResolvePendingProbe(probeID string) (PendingProbe, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.probes[probeID]
	if !ok || p.Resolved {
		return PendingProbe{}, false
	}
	out := *p
	delete(r.probes, probeID)
	metrics.PendingProbes.Set(float64(len(r.probes)))
	return out, true
}

// GetOrCreateTransferContext looks up a transfer by ID, creating it with
// status "created" if absent. Idempotent on transferID.
func (r *Registry) GetOrCreateTransferContext(transferID, room, senderClientID, fileID, filename string, decisionTimeoutMs int, nowMs int64) TransferContext {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.transfers[transferID]; ok {
		return *existing
	}

	receiver := ""
	if rm, ok := r.rooms[room]; ok {
		for _, cid := range rm.Members {
			if cid != senderClientID {
				receiver = cid
				break
			}
		}
	}

	tc := &TransferContext{
		TransferID:         transferID,
		Room:               room,
		SenderClientID:     senderClientID,
		ReceiverClientID:   receiver,
		FileID:             fileID,
		Filename:           filename,
		Status:             TransferStatusCreated,
		CreatedAtMs:        nowMs,
		UpdatedAtMs:        nowMs,
		DecisionTimeoutMs:  decisionTimeoutMs,
		DecisionDeadlineMs: nowMs + int64(decisionTimeoutMs),
	}
	r.transfers[transferID] = tc
	metrics.ActiveTransfers.Set(float64(r.countActiveTransfersLocked()))
	return *tc
}

// TransferContextByID returns a copy of a transfer context, if it exists.
func (r *Registry) TransferContextByID(transferID string) (TransferContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tc, ok := r.transfers[transferID]
	if !ok {
		return TransferContext{}, false
	}
	return *tc, true
}

// TransitionTransfer applies status if the transfer is not already terminal
// and the transition is not a downgrade (fallback states never revert to
// lan_success and vice versa, enforced by IsTerminal's one-way terminality).
// Returns the updated context and whether the transition was applied.
func (r *Registry) TransitionTransfer(transferID string, status TransferStatus, reason string, nowMs int64) (TransferContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tc, ok := r.transfers[transferID]
	if !ok || tc.Status.IsTerminal() {
		if ok {
			return *tc, false
		}
		return TransferContext{}, false
	}
	tc.Status = status
	tc.LastReason = reason
	tc.UpdatedAtMs = nowMs
	if status.IsTerminal() {
		metrics.ActiveTransfers.Set(float64(r.countActiveTransfersLocked()))
		metrics.TransferOutcomesTotal.WithLabelValues(string(status), reason).Inc()
	}
	return *tc, true
}

func (r *Registry) countActiveTransfersLocked() int {
	n := 0
	for _, tc := range r.transfers {
		if !tc.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// AwaitingDecision reports whether a transfer's current status is one the
// decision-timeout worker should still act on.
func (r *Registry) AwaitingDecision(transferID string) (TransferContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tc, ok := r.transfers[transferID]
	if !ok || !tc.Status.awaitingDecision() {
		return TransferContext{}, false
	}
	return *tc, true
}
