package registry

// deriveRoomState implements the §4.2 derivation table: room state is never
// stored, only derived from current membership and the last probe result.
func deriveRoomState(memberCount int, lastProbe *LastProbe) (state RoomState, sameLAN bool, confidence LANConfidence) {
	switch memberCount {
	case 0:
		return RoomStateEmpty, false, ConfidenceNone
	case 1:
		return RoomStateSingle, false, ConfidenceNone
	default:
		if lastProbe == nil {
			return RoomStatePairUnknown, false, ConfidenceNone
		}
		switch lastProbe.Status {
		case "ok":
			return RoomStatePairSameLAN, true, ConfidenceConfirmed
		case "fail", "timeout":
			return RoomStatePairDiffLAN, false, ConfidenceConfirmed
		default:
			return RoomStatePairUnknown, false, ConfidenceNone
		}
	}
}
