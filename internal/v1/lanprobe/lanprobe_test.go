package lanprobe

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipboardpush/signal-coordinator/internal/v1/registry"
)

type recordingNotifier struct {
	mu          sync.Mutex
	emitted     []emission
	roomStates  []string
	activityLog []activity
}

type emission struct {
	sockets []string
	event   string
	payload any
}

type activity struct {
	room, reason string
	detail       map[string]any
}

func (n *recordingNotifier) EmitToSockets(sockets []string, event string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.emitted = append(n.emitted, emission{sockets, event, payload})
}

func (n *recordingNotifier) EmitRoomState(room string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.roomStates = append(n.roomStates, room)
}

func (n *recordingNotifier) LogActivity(room, reason string, detail map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.activityLog = append(n.activityLog, activity{room, reason, detail})
}

func newTestOrchestrator(reg *registry.Registry) (*Orchestrator, *recordingNotifier) {
	n := &recordingNotifier{}
	o := New(reg, n)
	return o, n
}

func TestMaybeTrigger_SameLANProbeSucceeds(t *testing.T) {
	reg := registry.New()
	now := registry.NowMs()
	reg.AttachSocket("pc-1", "sock-1", registry.ClientTypePC, "PC", "room-1",
		&registry.Network{PrivateIP: "192.168.1.10"},
		&registry.Probe{ProbeURL: "http://192.168.1.10:7777/"}, now)
	reg.AttachSocket("app-1", "sock-2", registry.ClientTypeApp, "Phone", "room-1", nil, nil, now)

	o, n := newTestOrchestrator(reg)
	o.timeoutMs = DefaultTimeoutMs
	o.MaybeTrigger("room-1")

	require.Len(t, n.emitted, 1)
	assert.Equal(t, "lan_probe_request", n.emitted[0].event)
	assert.Equal(t, []string{"sock-2"}, n.emitted[0].sockets)

	payload := n.emitted[0].payload.(map[string]any)
	assert.Equal(t, 1200, payload["timeout_ms"])
	probeID := payload["probe_id"].(string)
	require.NotEmpty(t, probeID)

	o.HandleResult(probeID, "ok", 42)

	state := reg.BuildRoomState("room-1")
	assert.Equal(t, registry.RoomStatePairSameLAN, state.State)
	assert.True(t, state.SameLAN)
	assert.Equal(t, registry.ConfidenceConfirmed, state.LANConfidence)
}

func TestMaybeTrigger_PublicProbeURLRejected(t *testing.T) {
	reg := registry.New()
	now := registry.NowMs()
	reg.AttachSocket("pc-1", "sock-1", registry.ClientTypePC, "PC", "room-1",
		nil, &registry.Probe{ProbeURL: "http://8.8.8.8/"}, now)
	reg.AttachSocket("app-1", "sock-2", registry.ClientTypeApp, "Phone", "room-1", nil, nil, now)

	o, n := newTestOrchestrator(reg)
	o.MaybeTrigger("room-1")

	assert.Empty(t, n.emitted, "no lan_probe_request must be sent for a public probe url")

	state := reg.BuildRoomState("room-1")
	assert.Equal(t, registry.RoomStatePairDiffLAN, state.State)
	require.NotNil(t, state.LastProbe)
	assert.Equal(t, "fail", state.LastProbe.Status)
	assert.Equal(t, "invalid_probe_url", state.LastProbe.Reason)

	require.Len(t, n.activityLog, 1)
	assert.Equal(t, "probe_url_invalid", n.activityLog[0].reason)
}

func TestHandleResult_OnlyFirstResultAccepted(t *testing.T) {
	reg := registry.New()
	now := registry.NowMs()
	reg.AttachSocket("pc-1", "sock-1", registry.ClientTypePC, "PC", "room-1",
		&registry.Network{PrivateIP: "192.168.1.10"},
		&registry.Probe{ProbeURL: "http://192.168.1.10:7777/"}, now)
	reg.AttachSocket("app-1", "sock-2", registry.ClientTypeApp, "Phone", "room-1", nil, nil, now)

	o, n := newTestOrchestrator(reg)
	o.MaybeTrigger("room-1")
	probeID := n.emitted[0].payload.(map[string]any)["probe_id"].(string)

	o.HandleResult(probeID, "ok", 10)
	o.HandleResult(probeID, "fail", 999)

	state := reg.BuildRoomState("room-1")
	assert.Equal(t, "ok", state.LastProbe.Status, "the second result must be ignored")
}

func TestHandleResult_CoercesUnknownStatusToFail(t *testing.T) {
	reg := registry.New()
	now := registry.NowMs()
	reg.AttachSocket("pc-1", "sock-1", registry.ClientTypePC, "PC", "room-1",
		&registry.Network{PrivateIP: "192.168.1.10"},
		&registry.Probe{ProbeURL: "http://192.168.1.10:7777/"}, now)
	reg.AttachSocket("app-1", "sock-2", registry.ClientTypeApp, "Phone", "room-1", nil, nil, now)

	o, n := newTestOrchestrator(reg)
	o.MaybeTrigger("room-1")
	probeID := n.emitted[0].payload.(map[string]any)["probe_id"].(string)

	o.HandleResult(probeID, "garbage", 0)

	state := reg.BuildRoomState("room-1")
	assert.Equal(t, "fail", state.LastProbe.Status)
}

func TestMaybeTrigger_NoReplyLeavesProbePendingForLaterResult(t *testing.T) {
	reg := registry.New()
	now := registry.NowMs()
	reg.AttachSocket("pc-1", "sock-1", registry.ClientTypePC, "PC", "room-1",
		&registry.Network{PrivateIP: "192.168.1.10"},
		&registry.Probe{ProbeURL: "http://192.168.1.10:7777/"}, now)
	reg.AttachSocket("app-1", "sock-2", registry.ClientTypeApp, "Phone", "room-1", nil, nil, now)

	o, n := newTestOrchestrator(reg)
	o.MaybeTrigger("room-1")
	probeID := n.emitted[0].payload.(map[string]any)["probe_id"].(string)

	state := reg.BuildRoomState("room-1")
	assert.Nil(t, state.LastProbe, "no server-side timer should resolve the probe on its own")

	require.True(t, o.HandleResult(probeID, "ok", 12), "a late-but-valid result must still resolve the pending probe")
	state = reg.BuildRoomState("room-1")
	require.NotNil(t, state.LastProbe)
	assert.Equal(t, "ok", state.LastProbe.Status)
}

func TestIsValidPrivateProbeURL(t *testing.T) {
	assert.True(t, isValidPrivateProbeURL("http://192.168.1.10:7777/", ""))
	assert.True(t, isValidPrivateProbeURL("http://192.168.1.10:7777/", "192.168.1.10"))
	assert.False(t, isValidPrivateProbeURL("http://192.168.1.10:7777/", "10.0.0.5"))
	assert.False(t, isValidPrivateProbeURL("https://192.168.1.10:7777/", ""))
	assert.False(t, isValidPrivateProbeURL("http://8.8.8.8/", ""))
	assert.False(t, isValidPrivateProbeURL("", ""))
	assert.False(t, isValidPrivateProbeURL("http://example.com/", ""))
}
