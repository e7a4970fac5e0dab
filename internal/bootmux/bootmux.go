// Package bootmux implements the boot mode multiplexer: it reads persisted
// boot flags from the artifact store and decides which runtime environment
// boots next.
package bootmux

import (
	"time"

	"go.uber.org/zap"

	"github.com/lilithos/lilithd/internal/domain"
	"github.com/lilithos/lilithd/internal/store"
)

const bootLogName = "boot_log"

// Multiplexer selects the next boot environment from persisted flags.
//
// State machine: Init -> ModeSelect -> {DeviceBoot | HostBoot} -> Done.
// There are no retries: a missing or unreadable flag defaults to the host
// environment, and log failures are swallowed so the boot decision is never
// blocked by the audit trail.
type Multiplexer struct {
	store       *store.Store
	logger      *zap.Logger
	liveScan    func() // registered hook, not a direct scanner dependency
	passthrough func()
}

// New creates a multiplexer reading flags from the given store.
func New(st *store.Store, logger *zap.Logger) *Multiplexer {
	return &Multiplexer{store: st, logger: logger}
}

// RegisterLiveScanHook registers the scanner's live-mode entry point.
// Invoked only when a device-mode boot is selected.
func (m *Multiplexer) RegisterLiveScanHook(hook func()) {
	m.liveScan = hook
}

// RegisterPassthroughEnabler registers the passthrough capability enabler.
// Invoked only on device-mode boots with the passthrough flag set.
func (m *Multiplexer) RegisterPassthroughEnabler(enable func()) {
	m.passthrough = enable
}

// Decide runs one boot mode selection. It never fails: every flag I/O error
// is treated as "flag absent" and the decision falls through to the host
// environment default.
func (m *Multiplexer) Decide() domain.BootDecision {
	m.logBoot("boot mode selection started")

	target, present := m.store.ReadBootTarget()
	if present {
		m.logBoot("boot target flag read: " + string(target))
	} else {
		m.logBoot("boot target flag absent, defaulting to host environment")
	}

	decision := domain.BootDecision{Target: target, DecidedAt: time.Now()}

	if target == domain.TargetDevice {
		m.logBoot("device-mode boot selected")
		if m.liveScan != nil {
			m.logBoot("hooking live scan entry point")
			m.liveScan()
		}
		if m.store.PassthroughEnabled() {
			decision.Passthrough = true
			m.logBoot("passthrough flag set, enabling passthrough")
			if m.passthrough != nil {
				m.passthrough()
			}
		} else {
			m.logBoot("passthrough flag absent")
		}
	} else {
		m.logBoot("host-mode boot selected")
	}

	m.logBoot("boot mode selection finished")
	return decision
}

// logBoot appends to the append-only boot log. Failures are swallowed, not
// escalated: the audit trail must never block the boot decision.
func (m *Multiplexer) logBoot(msg string) {
	if err := m.store.AppendLog(bootLogName, msg); err != nil {
		m.logger.Debug("boot log write failed", zap.Error(err))
	}
}
