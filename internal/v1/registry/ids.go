package registry

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// NowMs returns the current time in epoch milliseconds, the coordinator's
// one notion of "now" for timestamps, deadlines and ID minting.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand on a supported platform does not fail; if it somehow
		// does, fall back to a timestamp-derived value rather than panic.
		return hex.EncodeToString([]byte(time.Now().String()))[:n*2]
	}
	return hex.EncodeToString(buf)
}

// NewProbeID mints a probe_id in the pr_<now_ms>_<6hex> format.
func NewProbeID(nowMs int64) string {
	return "pr_" + itoa(nowMs) + "_" + randomHex(3)
}

// NewTransferID mints a transfer_id in the tr_<now_ms>_<6hex> format.
func NewTransferID(nowMs int64) string {
	return "tr_" + itoa(nowMs) + "_" + randomHex(3)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
