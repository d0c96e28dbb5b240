// Package transfer implements the per-file LAN-vs-relay decision state
// machine: given a file_available announcement, decide whether the room's
// current LAN confidence allows a direct peer transfer, and fall back to
// relay upload when it doesn't or when the peer never confirms in time.
package transfer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/clipboardpush/signal-coordinator/internal/v1/logging"
	"github.com/clipboardpush/signal-coordinator/internal/v1/metrics"
	"github.com/clipboardpush/signal-coordinator/internal/v1/registry"
)

const (
	// DefaultDecisionTimeoutMs is used when a caller supplies zero.
	DefaultDecisionTimeoutMs = 10000
	minDecisionTimeoutMs     = 1000
	maxDecisionTimeoutMs     = 30000
)

// Notifier is the state machine's only side-effect surface.
type Notifier interface {
	EmitToSockets(sockets []string, event string, payload any)
	LogActivity(room, reason string, detail map[string]any)
}

// Machine drives transfer_context lifecycles on top of a Registry.
type Machine struct {
	reg       *registry.Registry
	notifier  Notifier
	afterFunc func(time.Duration, func()) *time.Timer
}

// New builds a Machine.
func New(reg *registry.Registry, notifier Notifier) *Machine {
	return &Machine{reg: reg, notifier: notifier, afterFunc: time.AfterFunc}
}

// ClampDecisionTimeout enforces the [1000, 30000] range, substituting the
// default for a non-positive input.
func ClampDecisionTimeout(ms int) int {
	if ms <= 0 {
		return DefaultDecisionTimeoutMs
	}
	if ms < minDecisionTimeoutMs {
		return minDecisionTimeoutMs
	}
	if ms > maxDecisionTimeoutMs {
		return maxDecisionTimeoutMs
	}
	return ms
}

// HandleFileAvailable gets-or-creates the transfer context for transferID
// (minting one if empty) and routes it to fallback_requested or
// waiting_result depending on the room's current LAN state. When it enters
// waiting_result, a decision-timeout worker is spawned.
func (m *Machine) HandleFileAvailable(room, senderClientID, transferID, fileID, filename string, decisionTimeoutMs int) registry.TransferContext {
	now := registry.NowMs()
	if transferID == "" {
		transferID = registry.NewTransferID(now)
	}
	decisionTimeoutMs = ClampDecisionTimeout(decisionTimeoutMs)

	tc := m.reg.GetOrCreateTransferContext(transferID, room, senderClientID, fileID, filename, decisionTimeoutMs, now)
	if tc.Status != registry.TransferStatusCreated {
		// Already decided by a previous file_available for this transfer_id.
		return tc
	}

	state := m.reg.BuildRoomState(room)
	if state.State == registry.RoomStatePairDiffLAN {
		return m.requestFallback(transferID, "room_diff_lan")
	}

	updated, ok := m.reg.TransitionTransfer(transferID, registry.TransferStatusWaitingResult, "file_available", now)
	if !ok {
		return tc
	}
	m.scheduleDecisionTimeout(transferID, decisionTimeoutMs)
	return updated
}

// HandleFileSyncCompleted transitions a transfer to lan_success and emits
// the finish command to the sender.
func (m *Machine) HandleFileSyncCompleted(transferID string) {
	now := registry.NowMs()
	tc, ok := m.reg.TransitionTransfer(transferID, registry.TransferStatusLANSuccess, "lan_ack", now)
	if !ok {
		return
	}
	sockets := m.reg.ClientSockets(tc.SenderClientID)
	m.notifier.EmitToSockets(sockets, "transfer_command", map[string]any{
		"room":         tc.Room,
		"transfer_id":  tc.TransferID,
		"file_id":      tc.FileID,
		"action":       "finish",
		"reason":       "lan_ack",
		"issued_at_ms": now,
	})
	m.notifier.LogActivity(tc.Room, "transfer_lan_success", map[string]any{"transfer_id": tc.TransferID})
}

// HandleFileNeedRelay transitions a transfer to fallback_requested on the
// peer's explicit request and instructs the sender to upload to relay.
func (m *Machine) HandleFileNeedRelay(transferID string) {
	m.requestFallback(transferID, "peer_requested_relay")
}

func (m *Machine) requestFallback(transferID, reason string) registry.TransferContext {
	now := registry.NowMs()
	tc, ok := m.reg.TransitionTransfer(transferID, registry.TransferStatusFallbackRequest, reason, now)
	if !ok {
		existing, _ := m.reg.TransferContextByID(transferID)
		return existing
	}
	m.emitFallback(tc, reason, now)
	return tc
}

func (m *Machine) emitFallback(tc registry.TransferContext, reason string, now int64) {
	sockets := m.reg.ClientSockets(tc.SenderClientID)
	m.notifier.EmitToSockets(sockets, "transfer_command", map[string]any{
		"room":         tc.Room,
		"transfer_id":  tc.TransferID,
		"file_id":      tc.FileID,
		"action":       "upload_relay",
		"reason":       reason,
		"issued_at_ms": now,
	})
	// Legacy compatibility broadcast to the same sockets.
	m.notifier.EmitToSockets(sockets, "file_need_relay", map[string]any{
		"room":        tc.Room,
		"transfer_id": tc.TransferID,
		"file_id":     tc.FileID,
	})
	m.notifier.LogActivity(tc.Room, "transfer_fallback_requested", map[string]any{
		"transfer_id": tc.TransferID, "reason": reason,
	})
}

// scheduleDecisionTimeout spawns the background worker that fires
// fallback_timeout if the peer never confirms within decisionTimeoutMs.
func (m *Machine) scheduleDecisionTimeout(transferID string, decisionTimeoutMs int) {
	m.afterFunc(time.Duration(decisionTimeoutMs)*time.Millisecond, func() {
		m.fireDecisionTimeout(transferID)
	})
}

func (m *Machine) fireDecisionTimeout(transferID string) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(context.Background(), "panic in decision-timeout worker",
				zap.String("transfer_id", transferID), zap.Any("recovered", r))
		}
	}()
	if _, ok := m.reg.AwaitingDecision(transferID); !ok {
		return
	}
	now := registry.NowMs()
	tc, ok := m.reg.TransitionTransfer(transferID, registry.TransferStatusFallbackTimeout, "decision_timeout", now)
	if !ok {
		return
	}
	m.emitFallback(tc, "decision_timeout", now)
	metrics.TransferDecisionDuration.WithLabelValues(string(registry.TransferStatusFallbackTimeout)).
		Observe(float64(now-tc.CreatedAtMs) / 1000.0)
}
