// Package lanprobe implements the coordinator's LAN-reachability orchestrator:
// deciding when a paired room should be probed, validating the probe target,
// and resolving the first lan_probe_result for each outstanding probe.
package lanprobe

import (
	"context"
	"net"
	"net/url"

	"go.uber.org/zap"

	"github.com/clipboardpush/signal-coordinator/internal/v1/logging"
	"github.com/clipboardpush/signal-coordinator/internal/v1/metrics"
	"github.com/clipboardpush/signal-coordinator/internal/v1/registry"
)

// DefaultTimeoutMs is the fixed probe timeout absent any per-room override.
// It is advertised to the app as timeout_ms so it can report its own
// lan_probe_result timeout; the coordinator itself runs no timer against it,
// a pending probe lives until a matching result arrives or the room drops
// below a pair.
const DefaultTimeoutMs = 1200

// Notifier is the orchestrator's only side-effect surface, implemented by
// the transport layer that owns actual socket writes.
type Notifier interface {
	EmitToSockets(sockets []string, event string, payload any)
	EmitRoomState(room string)
	LogActivity(room, reason string, detail map[string]any)
}

// Orchestrator triggers and resolves LAN probes for paired rooms.
type Orchestrator struct {
	reg       *registry.Registry
	notifier  Notifier
	timeoutMs int
}

// New builds an Orchestrator with the default probe timeout.
func New(reg *registry.Registry, notifier Notifier) *Orchestrator {
	return &Orchestrator{
		reg:       reg,
		notifier:  notifier,
		timeoutMs: DefaultTimeoutMs,
	}
}

// MaybeTrigger evaluates the §4.3 preconditions for room and, if met, sends a
// lan_probe_request to the app peer. It is safe to call on every
// peer_joined/peer_left/network_updated/probe_url_invalid event; a room
// without exactly one pc and one app is a silent no-op. A qualifying pair
// whose pc probe URL is invalid gets last_probe fail/invalid_probe_url, a
// room state emit and an activity log entry instead of a probe request.
func (o *Orchestrator) MaybeTrigger(room string) {
	members := o.reg.RoomMembers(room)
	if len(members) != 2 {
		return
	}

	var pc, app registry.Client
	var havePC, haveApp bool
	for _, cid := range members {
		c, ok := o.reg.Client(cid)
		if !ok {
			continue
		}
		switch c.ClientType {
		case registry.ClientTypePC:
			pc, havePC = c, true
		case registry.ClientTypeApp:
			app, haveApp = c, true
		}
	}
	if !havePC || !haveApp {
		return
	}

	if !isValidPrivateProbeURL(pc.Probe.ProbeURL, pc.Network.PrivateIP) {
		now := registry.NowMs()
		o.reg.SetLastProbe(room, &registry.LastProbe{
			Status:      "fail",
			Reason:      "invalid_probe_url",
			CheckedAtMs: now,
		})
		o.notifier.EmitRoomState(room)
		o.notifier.LogActivity(room, "probe_url_invalid", map[string]any{
			"pc_client_id": pc.ClientID,
		})
		return
	}

	now := registry.NowMs()
	probeID := registry.NewProbeID(now)
	timeoutMs := o.timeoutMs
	if timeoutMs <= 0 {
		timeoutMs = DefaultTimeoutMs
	}

	o.reg.RegisterPendingProbe(registry.PendingProbe{
		ProbeID:       probeID,
		Room:          room,
		PCClientID:    pc.ClientID,
		AppClientID:   app.ClientID,
		RequestedAtMs: now,
		TimeoutMs:     timeoutMs,
	})

	sockets := make([]string, 0, len(app.Sockets))
	for sid := range app.Sockets {
		sockets = append(sockets, sid)
	}
	o.notifier.EmitToSockets(sockets, "lan_probe_request", map[string]any{
		"room":               room,
		"probe_id":           probeID,
		"provider_client_id": pc.ClientID,
		"probe_url":          pc.Probe.ProbeURL,
		"timeout_ms":         timeoutMs,
		"requested_at_ms":    now,
	})
}

// HandleResult resolves a pending probe from the app's lan_probe_result
// reply. Results outside {ok, fail, timeout} are coerced to fail. Only the
// first result for a probe_id is honored; later calls return false (the
// caller should reply E_PROBE_STALE) without mutating anything further.
func (o *Orchestrator) HandleResult(probeID, rawStatus string, latencyMs int) bool {
	status := coerceStatus(rawStatus)

	pending, ok := o.reg.ResolvePendingProbe(probeID)
	if !ok {
		return false
	}

	now := registry.NowMs()
	o.reg.SetLastProbe(pending.Room, &registry.LastProbe{
		ProbeID:     probeID,
		Status:      status,
		LatencyMs:   latencyMs,
		CheckedAtMs: now,
	})

	metrics.ProbeOutcomesTotal.WithLabelValues(status).Inc()
	if latencyMs > 0 {
		metrics.ProbeLatency.WithLabelValues(status).Observe(float64(latencyMs))
	}

	o.notifier.EmitRoomState(pending.Room)
	o.notifier.LogActivity(pending.Room, "lan_probe_result_"+status, map[string]any{
		"probe_id": probeID,
	})
	return true
}

func coerceStatus(raw string) string {
	switch raw {
	case "ok", "fail", "timeout":
		return raw
	default:
		return "fail"
	}
}

// isValidPrivateProbeURL implements the §4.3 probe-URL preconditions: http
// scheme, IPv4 host, RFC1918 private, and (when known) matching the pc's
// self-reported private_ip.
func isValidPrivateProbeURL(rawURL, knownPrivateIP string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "http" {
		return false
	}
	host := u.Hostname()
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return false
	}
	if !isPrivateIPv4(ip) {
		return false
	}
	if knownPrivateIP != "" && host != knownPrivateIP {
		logging.Warn(context.Background(), "probe url host does not match reported private ip",
			zap.String("probe_url", logging.RedactProbeURL(rawURL)))
		return false
	}
	return true
}

var privateBlocks = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
}

func isPrivateIPv4(ip net.IP) bool {
	for _, cidr := range privateBlocks {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if block.Contains(ip) {
			return true
		}
	}
	return false
}
