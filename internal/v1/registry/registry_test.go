package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachSocket_LoneJoinerIsSingle(t *testing.T) {
	r := New()
	now := NowMs()

	evicted := r.AttachSocket("pc-1", "sock-1", ClientTypePC, "My PC", "room-1", nil, nil, now)
	assert.Empty(t, evicted)

	state := r.BuildRoomState("room-1")
	assert.Equal(t, RoomStateSingle, state.State)
	assert.Len(t, state.Peers, 1)
	assert.False(t, state.SameLAN)
}

func TestAttachSocket_PairWithoutProbeIsUnknown(t *testing.T) {
	r := New()
	now := NowMs()

	r.AttachSocket("pc-1", "sock-1", ClientTypePC, "My PC", "room-1", nil, nil, now)
	r.AttachSocket("app-1", "sock-2", ClientTypeApp, "My Phone", "room-1", nil, nil, now)

	state := r.BuildRoomState("room-1")
	assert.Equal(t, RoomStatePairUnknown, state.State)
	assert.Len(t, state.Peers, 2)
}

func TestAttachSocket_EnforcesCapacityByEvictingFirstNonPC(t *testing.T) {
	r := New()
	now := NowMs()

	r.AttachSocket("pc-1", "sock-1", ClientTypePC, "PC", "room-1", nil, nil, now)
	r.AttachSocket("app-1", "sock-2", ClientTypeApp, "Phone1", "room-1", nil, nil, now)
	evicted := r.AttachSocket("app-2", "sock-3", ClientTypeApp, "Phone2", "room-1", nil, nil, now)

	require.Len(t, evicted, 1)
	assert.Equal(t, "app-1", evicted[0].ClientID)
	assert.Equal(t, "room_capacity_exceeded", evicted[0].Reason)

	members := r.RoomMembers("room-1")
	assert.ElementsMatch(t, []string{"pc-1", "app-2"}, members)

	_, ok := r.Client("app-1")
	assert.False(t, ok, "evicted client must be fully purged")
}

func TestAttachSocket_EvictsOldestWhenAllSameType(t *testing.T) {
	r := New()
	now := NowMs()

	r.AttachSocket("app-1", "sock-1", ClientTypeApp, "First", "room-1", nil, nil, now)
	r.AttachSocket("app-2", "sock-2", ClientTypeApp, "Second", "room-1", nil, nil, now)
	evicted := r.AttachSocket("app-3", "sock-3", ClientTypeApp, "Third", "room-1", nil, nil, now)

	require.Len(t, evicted, 1)
	assert.Equal(t, "app-1", evicted[0].ClientID)
}

func TestDetachSocket_LastSocketPurgesClient(t *testing.T) {
	r := New()
	now := NowMs()
	r.AttachSocket("pc-1", "sock-1", ClientTypePC, "PC", "room-1", nil, nil, now)

	clientID, room, purged := r.DetachSocket("sock-1", "room-1")
	assert.Equal(t, "pc-1", clientID)
	assert.Equal(t, "room-1", room)
	assert.True(t, purged)

	members := r.RoomMembers("room-1")
	assert.Empty(t, members)
}

func TestDetachSocket_KeepsClientWithRemainingSocket(t *testing.T) {
	r := New()
	now := NowMs()
	r.AttachSocket("pc-1", "sock-1", ClientTypePC, "PC", "room-1", nil, nil, now)
	r.AttachSocket("pc-1", "sock-2", ClientTypePC, "PC", "room-1", nil, nil, now)

	clientID, room, purged := r.DetachSocket("sock-1", "room-1")
	assert.Equal(t, "pc-1", clientID)
	assert.Equal(t, "room-1", room)
	assert.False(t, purged)

	members := r.RoomMembers("room-1")
	assert.Equal(t, []string{"pc-1"}, members)
}

func TestPurgeClient_DropBelowPairDiscardsStaleProbe(t *testing.T) {
	r := New()
	now := NowMs()
	r.AttachSocket("pc-1", "sock-1", ClientTypePC, "PC", "room-1", nil, nil, now)
	r.AttachSocket("app-1", "sock-2", ClientTypeApp, "Phone", "room-1", nil, nil, now)

	r.RegisterPendingProbe(PendingProbe{
		ProbeID:     "pr_1_aaa",
		Room:        "room-1",
		PCClientID:  "pc-1",
		AppClientID: "app-1",
	})
	r.SetLastProbe("room-1", &LastProbe{ProbeID: "pr_1_aaa", Status: "ok"})

	r.PurgeClient("app-1")

	state := r.BuildRoomState("room-1")
	assert.Nil(t, state.LastProbe)

	_, ok := r.ResolvePendingProbe("pr_1_aaa")
	assert.False(t, ok, "pending probe for a dropped room must be discarded")
}

func TestResolvePendingProbe_FirstResultWins(t *testing.T) {
	r := New()
	r.RegisterPendingProbe(PendingProbe{ProbeID: "pr_1_aaa", Room: "room-1"})

	p, ok := r.ResolvePendingProbe("pr_1_aaa")
	require.True(t, ok)
	assert.Equal(t, "room-1", p.Room)

	_, ok = r.ResolvePendingProbe("pr_1_aaa")
	assert.False(t, ok, "second resolution of the same probe must be rejected")
}

func TestBuildRoomState_SameLANAfterOkProbe(t *testing.T) {
	r := New()
	now := NowMs()
	r.AttachSocket("pc-1", "sock-1", ClientTypePC, "PC", "room-1", nil, nil, now)
	r.AttachSocket("app-1", "sock-2", ClientTypeApp, "Phone", "room-1", nil, nil, now)

	r.SetLastProbe("room-1", &LastProbe{ProbeID: "pr_1_aaa", Status: "ok"})

	state := r.BuildRoomState("room-1")
	assert.Equal(t, RoomStatePairSameLAN, state.State)
	assert.True(t, state.SameLAN)
	assert.Equal(t, ConfidenceConfirmed, state.LANConfidence)
}

func TestBuildRoomState_DiffLANAfterFailedProbe(t *testing.T) {
	r := New()
	now := NowMs()
	r.AttachSocket("pc-1", "sock-1", ClientTypePC, "PC", "room-1", nil, nil, now)
	r.AttachSocket("app-1", "sock-2", ClientTypeApp, "Phone", "room-1", nil, nil, now)

	r.SetLastProbe("room-1", &LastProbe{ProbeID: "pr_1_aaa", Status: "timeout"})

	state := r.BuildRoomState("room-1")
	assert.Equal(t, RoomStatePairDiffLAN, state.State)
	assert.False(t, state.SameLAN)
}

func TestGetOrCreateTransferContext_IdempotentOnTransferID(t *testing.T) {
	r := New()
	now := NowMs()
	r.AttachSocket("pc-1", "sock-1", ClientTypePC, "PC", "room-1", nil, nil, now)
	r.AttachSocket("app-1", "sock-2", ClientTypeApp, "Phone", "room-1", nil, nil, now)

	first := r.GetOrCreateTransferContext("tr_1_aaa", "room-1", "pc-1", "file-1", "a.txt", 10000, now)
	second := r.GetOrCreateTransferContext("tr_1_aaa", "room-1", "pc-1", "file-2", "b.txt", 5000, now+1)

	assert.Equal(t, first, second, "re-fetching the same transfer_id must be idempotent")
	assert.Equal(t, "app-1", first.ReceiverClientID)
}

func TestTransitionTransfer_TerminalStateIsSticky(t *testing.T) {
	r := New()
	now := NowMs()
	r.GetOrCreateTransferContext("tr_1_aaa", "room-1", "pc-1", "file-1", "a.txt", 10000, now)

	tc, ok := r.TransitionTransfer("tr_1_aaa", TransferStatusWaitingResult, "lan_offer_sent", now+1)
	require.True(t, ok)
	assert.Equal(t, TransferStatusWaitingResult, tc.Status)

	tc, ok = r.TransitionTransfer("tr_1_aaa", TransferStatusLANSuccess, "lan_probe_result_ok", now+2)
	require.True(t, ok)
	assert.Equal(t, TransferStatusLANSuccess, tc.Status)

	tc, ok = r.TransitionTransfer("tr_1_aaa", TransferStatusFallbackTimeout, "decision_timeout", now+3)
	assert.False(t, ok, "a terminal status must not be overwritten")
	assert.Equal(t, TransferStatusLANSuccess, tc.Status)
}

func TestAwaitingDecision_AcceptsBothWaitingAndOfferedStatuses(t *testing.T) {
	r := New()
	now := NowMs()
	r.GetOrCreateTransferContext("tr_1_aaa", "room-1", "pc-1", "file-1", "a.txt", 10000, now)
	r.TransitionTransfer("tr_1_aaa", TransferStatusWaitingResult, "lan_offer_sent", now+1)

	_, ok := r.AwaitingDecision("tr_1_aaa")
	assert.True(t, ok)

	r.TransitionTransfer("tr_1_aaa", TransferStatusFallbackTimeout, "decision_timeout", now+2)
	_, ok = r.AwaitingDecision("tr_1_aaa")
	assert.False(t, ok, "a terminal transfer is no longer awaiting decision")

	r.GetOrCreateTransferContext("tr_2_bbb", "room-1", "pc-1", "file-2", "b.txt", 10000, now)
	r.TransitionTransfer("tr_2_bbb", TransferStatusOffered, "offered", now+1)
	_, ok = r.AwaitingDecision("tr_2_bbb")
	assert.True(t, ok, "offered is treated like waiting_result")
}

func TestSerializeAll_ReflectsAllRooms(t *testing.T) {
	r := New()
	now := NowMs()
	r.AttachSocket("pc-1", "sock-1", ClientTypePC, "PC", "room-1", nil, nil, now)
	r.AttachSocket("pc-2", "sock-2", ClientTypePC, "PC2", "room-2", nil, nil, now)

	snap := r.SerializeAll()
	assert.Len(t, snap.Rooms, 2)
	assert.Equal(t, RoomStateSingle, snap.Rooms["room-1"].State)
	assert.Equal(t, RoomStateSingle, snap.Rooms["room-2"].State)
}

func TestNormalizeClientType(t *testing.T) {
	assert.Equal(t, ClientTypeApp, NormalizeClientType("Android"))
	assert.Equal(t, ClientTypePC, NormalizeClientType("Windows"))
	assert.Equal(t, ClientTypeUnknown, NormalizeClientType("toaster"))
}
