package objectstore

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/clipboardpush/signal-coordinator/internal/v1/logging"
)

// CleanupInterval is how often the housekeeper sweeps the local-disk
// backend for expired objects, and also the max age at which an object
// qualifies for deletion.
const CleanupInterval = time.Hour

// Housekeeper periodically purges objects from a LocalStore older than
// CleanupInterval. It is the only writer of scheduled deletions; the
// local store's Write/Read paths never delete.
type Housekeeper struct {
	store  *LocalStore
	ticker *time.Ticker
	done   chan struct{}
}

// NewHousekeeper builds a Housekeeper for store. Call Start to begin the
// periodic sweep and Stop to cancel it.
func NewHousekeeper(store *LocalStore) *Housekeeper {
	return &Housekeeper{store: store, done: make(chan struct{})}
}

// Start runs the sweep loop in its own goroutine until Stop is called.
func (h *Housekeeper) Start() {
	h.ticker = time.NewTicker(CleanupInterval)
	go func() {
		for {
			select {
			case <-h.ticker.C:
				purged := h.store.PurgeOlderThan(CleanupInterval)
				if purged > 0 {
					logging.Info(context.Background(), "housekeeper purged expired objects", zap.Int("purged", purged))
				}
			case <-h.done:
				return
			}
		}
	}()
}

// Stop cancels the sweep loop.
func (h *Housekeeper) Stop() {
	if h.ticker != nil {
		h.ticker.Stop()
	}
	close(h.done)
}
