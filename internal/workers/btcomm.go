// Package workers contains the lower-priority stub worker modules: the
// short-range radio comm worker and the sensor echo worker. Both keep the
// module shape (status artifact, audit log, cooperative cancellation) while
// their real backends are not yet wired.
package workers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lilithos/lilithd/internal/domain"
	"github.com/lilithos/lilithd/internal/store"
)

// BtCommID is the radio comm worker's registry and artifact identifier.
const BtCommID = "bt_comm"

// BtComm is a stub worker standing in for short-range radio communication.
// It heartbeats into its audit log each cycle.
type BtComm struct {
	interval time.Duration
	store    *store.Store
	logger   *zap.Logger
}

// NewBtComm creates the radio comm stub worker.
func NewBtComm(interval time.Duration, st *store.Store, logger *zap.Logger) *BtComm {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &BtComm{interval: interval, store: st, logger: logger}
}

// Descriptor implements the daemon host's Module interface.
func (w *BtComm) Descriptor() domain.ModuleDescriptor {
	return domain.ModuleDescriptor{ID: BtCommID, Name: "Short-Range Radio Comm", Priority: 20, Enabled: true}
}

// Run starts the worker loop. This blocks until the context is canceled.
func (w *BtComm) Run(ctx context.Context) error {
	writeStatus(w.store, w.logger, BtCommID, domain.StateRunning, "")
	appendLog(w.store, w.logger, BtCommID, "radio comm worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			writeStatus(w.store, w.logger, BtCommID, domain.StateStopped, "")
			appendLog(w.store, w.logger, BtCommID, "radio comm worker stopping")
			return ctx.Err()

		case <-ticker.C:
			appendLog(w.store, w.logger, BtCommID, "radio link idle, awaiting backend")
		}
	}
}

func writeStatus(st *store.Store, logger *zap.Logger, id string, state domain.ModuleState, reason string) {
	status := domain.ModuleStatus{State: state, Reason: reason, UpdatedAt: time.Now()}
	if err := st.WriteModuleStatus(id, status); err != nil {
		logger.Warn("status artifact write failed", zap.String("module", id), zap.Error(err))
	}
}

func appendLog(st *store.Store, logger *zap.Logger, id, msg string) {
	if err := st.AppendLog(id+"_log", msg); err != nil {
		logger.Debug("module log write failed", zap.String("module", id), zap.Error(err))
	}
}
