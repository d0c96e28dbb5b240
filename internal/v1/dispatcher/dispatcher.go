// Package dispatcher implements the coordinator's inbound signaling pipeline:
// resolving an event's room and sender, validating protocol version and
// room membership, fanning it out to peers, and routing the domain-specific
// events (transfer lifecycle, LAN probes, room membership) to their owning
// components.
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/clipboardpush/signal-coordinator/internal/v1/lanprobe"
	"github.com/clipboardpush/signal-coordinator/internal/v1/logging"
	"github.com/clipboardpush/signal-coordinator/internal/v1/metrics"
	"github.com/clipboardpush/signal-coordinator/internal/v1/registry"
	"github.com/clipboardpush/signal-coordinator/internal/v1/transfer"
)

const protocolVersion = "4.0"

// ObserverRoom re-exports registry.ObserverRoom for callers that only import
// the dispatcher.
const ObserverRoom = registry.ObserverRoom

// Error codes from §7.
const (
	ErrBadSchema     = "E_BAD_SCHEMA"
	ErrBadVersion    = "E_BAD_VERSION"
	ErrRoleDenied    = "E_ROLE_DENIED"
	ErrProbeStale    = "E_PROBE_STALE"
	ErrTransferState = "E_TRANSFER_STATE"
	ErrRateLimited   = "E_RATE_LIMITED"
)

// fanoutEvents do not require special per-event handling beyond the common
// pipeline: flatten, version check, authorize, fan out, log.
var fanoutEvents = map[string]bool{
	"clipboard_push":     true,
	"file_push":          true,
	"file_announcement":  true,
	"file_ack":           true,
	"file_request_relay": true,
}

// wireEventName maps an inbound event to the event name fanned out to peers,
// where the two differ (fan-out copies carry a "_sync"/no-suffix rename per
// the legacy wire contract).
var wireEventName = map[string]string{
	"clipboard_push": "clipboard_sync",
	"file_push":      "file_sync",
}

// Transport is the socket-facing side-effect surface the dispatcher emits
// through. It is implemented by the websocket hub.
type Transport interface {
	EmitToSockets(sockets []string, event string, payload any)
	EmitToSocket(socketID string, event string, payload any)
	EmitRoomState(room string)
	LogActivity(room, reason string, detail map[string]any)
}

// EventLimiter throttles the rate of events a single client may submit,
// independent of the per-IP connection limit applied at handshake time.
type EventLimiter interface {
	CheckClientEventRate(ctx context.Context, clientID string) error
}

// Dispatcher wires the registry, LAN-probe orchestrator and transfer state
// machine behind the common inbound-event pipeline.
type Dispatcher struct {
	reg       *registry.Registry
	transport Transport
	probes    *lanprobe.Orchestrator
	transfers *transfer.Machine
	limiter   EventLimiter

	debugEnabled  bool
	debugMaxChars int
}

// New builds a Dispatcher.
func New(reg *registry.Registry, transport Transport, probes *lanprobe.Orchestrator, transfers *transfer.Machine) *Dispatcher {
	return &Dispatcher{reg: reg, transport: transport, probes: probes, transfers: transfers}
}

// SetEventLimiter wires in per-client event throttling. Without one, Dispatch
// never rate-limits (used by tests and by callers that throttle elsewhere).
func (d *Dispatcher) SetEventLimiter(limiter EventLimiter) {
	d.limiter = limiter
}

// SetDebugLogging enables verbose raw-payload logging for every dispatched
// event, truncated to maxChars, per SIGNAL_DEBUG_ENABLED/SIGNAL_DEBUG_MAX_CHARS.
// Off by default.
func (d *Dispatcher) SetDebugLogging(enabled bool, maxChars int) {
	d.debugEnabled = enabled
	d.debugMaxChars = maxChars
}

func (d *Dispatcher) logPayloadDebug(ctx context.Context, event string, payload map[string]any) {
	if !d.debugEnabled {
		return
	}
	raw := fmt.Sprintf("%v", payload)
	if d.debugMaxChars > 0 && len(raw) > d.debugMaxChars {
		raw = raw[:d.debugMaxChars] + "...(truncated)"
	}
	logging.Debug(ctx, "dispatching signal event", zap.String("event", event), zap.String("payload", raw))
}

// Inbound is a normalized event as resolved from the wire, after flattening
// any nested "data" envelope.
type Inbound struct {
	Event    string
	Payload  map[string]any
	SocketID string
}

// flatten normalizes payloads that may carry a nested "data" key (duck-typed
// payloads per the design notes) into a single flat map.
func flatten(raw map[string]any) map[string]any {
	if nested, ok := raw["data"].(map[string]any); ok {
		out := make(map[string]any, len(raw)+len(nested))
		for k, v := range raw {
			if k != "data" {
				out[k] = v
			}
		}
		for k, v := range nested {
			out[k] = v
		}
		return out
	}
	return raw
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Dispatch runs the common validation pipeline (resolve, version check,
// authorize) and routes to the per-event handler. socketID is the sender's
// socket; the caller is expected to have already resolved it to a client_id
// via the registry before invoking event-specific state mutation, which
// Dispatch does internally.
func (d *Dispatcher) Dispatch(ctx context.Context, socketID, event string, rawPayload map[string]any) {
	start := registry.NowMs()
	payload := flatten(rawPayload)

	clientID, ok := d.reg.ClientIDForSocket(socketID)
	if !ok {
		d.reject(socketID, ErrRoleDenied, "unknown socket")
		metrics.SignalEventsTotal.WithLabelValues(event, "rejected").Inc()
		return
	}
	ctx = logging.WithClient(ctx, clientID)
	d.logPayloadDebug(ctx, event, payload)

	if d.limiter != nil {
		if err := d.limiter.CheckClientEventRate(ctx, clientID); err != nil {
			d.reject(socketID, ErrRateLimited, "too many events")
			metrics.SignalEventsTotal.WithLabelValues(event, "rejected").Inc()
			return
		}
	}

	room := stringField(payload, "room")
	if room == "" {
		if tracked, ok := d.reg.ClientRoom(clientID); ok {
			room = tracked
		} else {
			metrics.SignalEventsTotal.WithLabelValues(event, "dropped").Inc()
			return
		}
	}

	if pv := stringField(payload, "protocol_version"); pv != "" && pv != protocolVersion {
		d.reject(socketID, ErrBadVersion, "unsupported protocol_version")
		metrics.SignalEventsTotal.WithLabelValues(event, "rejected").Inc()
		return
	}

	switch event {
	case "join":
		d.handleJoin(clientID, socketID, room, payload, start)
		return
	case "leave":
		d.handleLeave(clientID, socketID, room, start)
		return
	}

	if room == registry.ObserverRoom {
		d.reject(socketID, ErrRoleDenied, "observer room is read-only")
		metrics.SignalEventsTotal.WithLabelValues(event, "rejected").Inc()
		return
	}

	// peer_network_update carries its own room-membership check (rejecting
	// with E_TRANSFER_STATE, per §7), so it must be routed before the generic
	// IsMember gate below. Otherwise that gate would always reject a
	// room-mismatched sender with E_ROLE_DENIED first, making the handler's
	// own check unreachable.
	if event == "peer_network_update" {
		d.handlePeerNetworkUpdate(ctx, clientID, socketID, room, payload)
		return
	}

	if !d.reg.IsMember(room, clientID) {
		d.reject(socketID, ErrRoleDenied, "sender is not a member of the room")
		metrics.SignalEventsTotal.WithLabelValues(event, "rejected").Inc()
		logging.Warn(ctx, "rejected event from non-member", zap.String("event", event), zap.String("room", room))
		return
	}

	switch event {
	case "lan_probe_result":
		d.handleLANProbeResult(socketID, payload)
	case "file_available":
		d.handleFileAvailable(clientID, socketID, room, payload)
	case "file_sync_completed":
		d.handleFileSyncCompleted(clientID, socketID, room, payload)
	case "file_need_relay":
		d.handleFileNeedRelay(clientID, socketID, room, payload)
	default:
		if fanoutEvents[event] {
			d.fanOutAndLog(clientID, room, event, payload)
		} else {
			logging.Warn(ctx, "unrecognized signaling event", zap.String("event", event))
		}
	}

	metrics.SignalEventsTotal.WithLabelValues(event, "ok").Inc()
	metrics.EventProcessingDuration.WithLabelValues(event).Observe(float64(registry.NowMs()-start) / 1000.0)
}

func (d *Dispatcher) reject(socketID, code, msg string) {
	d.transport.EmitToSocket(socketID, "error", map[string]any{"code": code, "msg": msg})
}

// fanOutAndLog emits event to every other socket in room and appends an
// activity-log entry to the observer room. This is steps 4-5 of the common
// pipeline.
func (d *Dispatcher) fanOutAndLog(senderClientID, room, event string, payload map[string]any) {
	outEvent := event
	if renamed, ok := wireEventName[event]; ok {
		outEvent = renamed
	}
	sockets := d.reg.SocketsForRoomExcept(room, senderClientID)
	d.transport.EmitToSockets(sockets, outEvent, payload)
	d.transport.LogActivity(room, event, map[string]any{
		"sender": senderClientID,
	})
}

func (d *Dispatcher) handleJoin(clientID, socketID, room string, payload map[string]any, nowMs int64) {
	if room == registry.ObserverRoom {
		d.reg.AttachSocket(clientID, socketID, registry.ClientTypeUnknown, stringField(payload, "device_name"), room, nil, nil, nowMs)
		d.transport.EmitToSocket(socketID, "room_states_snapshot", d.reg.SerializeAll())
		return
	}

	rawType := stringField(payload, "client_type")
	if rawType == "" {
		d.reject(socketID, ErrBadSchema, "client_type is required")
		return
	}
	clientType := registry.NormalizeClientType(rawType)
	deviceName := stringField(payload, "device_name")

	var network *registry.Network
	if n, ok := payload["network"].(map[string]any); ok {
		network = &registry.Network{
			PrivateIP:     stringField(n, "private_ip"),
			CIDR:          stringField(n, "cidr"),
			NetworkIDHash: stringField(n, "network_id_hash"),
			NetworkEpoch:  intField(n, "network_epoch"),
		}
	}
	var probe *registry.Probe
	if p, ok := payload["probe"].(map[string]any); ok {
		probe = &registry.Probe{
			ProbeURL:   stringField(p, "probe_url"),
			ProbeTTLMs: intField(p, "probe_ttl_ms"),
		}
	}

	evicted := d.reg.AttachSocket(clientID, socketID, clientType, deviceName, room, network, probe, nowMs)
	for _, ev := range evicted {
		d.transport.EmitToSockets(ev.Sockets, "peer_evicted", map[string]any{
			"room":              ev.Room,
			"evicted_client_id": ev.ClientID,
			"reason":            ev.Reason,
			"evicted_at_ms":     ev.EvictedAt,
		})
		d.transport.LogActivity(ev.Room, "peer_evicted", map[string]any{"client_id": ev.ClientID})
	}

	members := d.reg.RoomMembers(room)
	clients := make([]string, len(members))
	copy(clients, members)
	d.transport.EmitToSockets(d.reg.SocketsForRoomExcept(room, ""), "room_stats", map[string]any{
		"room": room, "count": len(members), "clients": clients,
	})
	d.transport.EmitRoomState(room)
	d.transport.LogActivity(room, "peer_joined", map[string]any{"client_id": clientID})

	d.probes.MaybeTrigger(room)
}

func (d *Dispatcher) handleLeave(clientID, socketID, room string, nowMs int64) {
	d.reg.DetachSocket(socketID, room)
	d.transport.EmitRoomState(room)
	d.transport.LogActivity(room, "peer_left", map[string]any{"client_id": clientID})
	d.probes.MaybeTrigger(room)
}

// handlePeerNetworkUpdate implements the authoritative E_TRANSFER_STATE
// rejection: a client claiming a room it is not tracked in is rejected, even
// though other handlers resolve the room via CLIENT_ROOMS fallback instead.
func (d *Dispatcher) handlePeerNetworkUpdate(ctx context.Context, clientID, socketID, room string, payload map[string]any) {
	tracked, _ := d.reg.ClientRoom(clientID)
	if tracked != "" && room != tracked {
		d.reject(socketID, ErrTransferState, "client does not belong to the claimed room")
		logging.Warn(ctx, "peer_network_update room mismatch", zap.String("claimed", room), zap.String("tracked", tracked))
		return
	}

	n, _ := payload["network"].(map[string]any)
	network := registry.Network{
		PrivateIP:     stringField(n, "private_ip"),
		CIDR:          stringField(n, "cidr"),
		NetworkIDHash: stringField(n, "network_id_hash"),
		NetworkEpoch:  intField(n, "network_epoch"),
	}
	d.reg.UpdateNetwork(clientID, network, registry.NowMs())
	d.transport.EmitRoomState(tracked)
	d.transport.LogActivity(tracked, "network_updated", map[string]any{"client_id": clientID})
	d.probes.MaybeTrigger(tracked)
}

func (d *Dispatcher) handleLANProbeResult(socketID string, payload map[string]any) {
	probeID := stringField(payload, "probe_id")
	if probeID == "" {
		d.reject(socketID, ErrBadSchema, "probe_id is required")
		return
	}
	if ok := d.probes.HandleResult(probeID, stringField(payload, "result"), intField(payload, "latency_ms")); !ok {
		d.reject(socketID, ErrProbeStale, "unknown or already-resolved probe_id")
	}
}

func (d *Dispatcher) handleFileAvailable(senderClientID, socketID, room string, payload map[string]any) {
	fileID := stringField(payload, "file_id")
	if fileID == "" {
		d.reject(socketID, ErrBadSchema, "file_id is required")
		return
	}
	tc := d.transfers.HandleFileAvailable(room, senderClientID, stringField(payload, "transfer_id"),
		fileID, stringField(payload, "filename"), intField(payload, "decision_timeout_ms"))

	if tc.Status == registry.TransferStatusWaitingResult {
		// Fan out to the receiver before any server follow-up command.
		sockets := d.reg.SocketsForRoomExcept(room, senderClientID)
		d.transport.EmitToSockets(sockets, "file_available", payload)
	}
	d.transport.LogActivity(room, "file_available", map[string]any{
		"sender": senderClientID, "transfer_id": tc.TransferID,
	})
}

func (d *Dispatcher) handleFileSyncCompleted(senderClientID, socketID, room string, payload map[string]any) {
	transferID := stringField(payload, "transfer_id")
	if transferID == "" {
		d.reject(socketID, ErrBadSchema, "transfer_id is required")
		return
	}
	d.fanOutAndLog(senderClientID, room, "file_sync_completed", payload)
	d.transfers.HandleFileSyncCompleted(transferID)
}

func (d *Dispatcher) handleFileNeedRelay(senderClientID, socketID, room string, payload map[string]any) {
	transferID := stringField(payload, "transfer_id")
	if transferID == "" {
		d.reject(socketID, ErrBadSchema, "transfer_id is required")
		return
	}
	d.fanOutAndLog(senderClientID, room, "file_need_relay", payload)
	d.transfers.HandleFileNeedRelay(transferID)
}
