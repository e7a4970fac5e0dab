package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/lilithos/lilithd/internal/domain"
	"github.com/lilithos/lilithd/internal/store"
)

const daemonLogName = "daemon_log"

// HostConfig holds daemon host configuration.
type HostConfig struct {
	StopTimeout       time.Duration // bounded wait per module on shutdown; must exceed the slowest module's cycle interval
	ReconcileInterval time.Duration // how often to re-read module status artifacts
	WaitForRelay      bool          // gate module load on the bridge readiness sentinel
	RelayPollInterval time.Duration // how often to poll for the sentinel while gated
	Heartbeat         func() error  // optional liveness refresh, invoked once per reconcile tick
}

// DefaultHostConfig returns default host configuration.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		StopTimeout:       10 * time.Second,
		ReconcileInterval: time.Minute,
		RelayPollInterval: 2 * time.Second,
	}
}

// Host maintains a static registry of worker modules and tracks each one's
// lifecycle independently. One module failing to start or stop never
// prevents the others from starting or stopping.
type Host struct {
	config  HostConfig
	store   *store.Store
	logger  *zap.Logger
	modules []Module

	mu     sync.Mutex
	states map[string]domain.ModuleStatus
	done   map[string]chan struct{}
	cancel context.CancelFunc
}

// NewHost creates a daemon host over the given modules.
func NewHost(config HostConfig, st *store.Store, logger *zap.Logger, modules ...Module) *Host {
	if config.StopTimeout <= 0 {
		config.StopTimeout = DefaultHostConfig().StopTimeout
	}
	if config.ReconcileInterval <= 0 {
		config.ReconcileInterval = DefaultHostConfig().ReconcileInterval
	}
	if config.RelayPollInterval <= 0 {
		config.RelayPollInterval = DefaultHostConfig().RelayPollInterval
	}

	states := make(map[string]domain.ModuleStatus, len(modules))
	for _, m := range modules {
		states[m.Descriptor().ID] = domain.ModuleStatus{State: domain.StateUnloaded}
	}

	return &Host{
		config:  config,
		store:   st,
		logger:  logger,
		modules: byPriority(modules),
		states:  states,
		done:    make(map[string]chan struct{}, len(modules)),
	}
}

// Run starts all modules and supervises them until the context is canceled,
// then stops them cooperatively. This blocks until shutdown is complete.
func (h *Host) Run(ctx context.Context) error {
	h.logHost("daemon host started")

	if h.config.WaitForRelay {
		if err := h.waitForRelay(ctx); err != nil {
			h.logHost("daemon host stopping before module load")
			return err
		}
	}

	h.LoadAll(ctx)

	ticker := time.NewTicker(h.config.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logHost("daemon host stopping")
			err := h.StopAll()
			h.logHost("daemon host stopped")
			return err

		case <-ticker.C:
			h.Reconcile()
			h.beat()
		}
	}
}

// beat refreshes the process registry's liveness timestamp. Failures are
// logged, never escalated.
func (h *Host) beat() {
	if h.config.Heartbeat == nil {
		return
	}
	if err := h.config.Heartbeat(); err != nil {
		h.logger.Warn("heartbeat update failed", zap.Error(err))
	}
}

// waitForRelay blocks until the bridge readiness sentinel appears or the
// context is canceled.
func (h *Host) waitForRelay(ctx context.Context) error {
	h.logHost("waiting for bridge relay readiness")
	ticker := time.NewTicker(h.config.RelayPollInterval)
	defer ticker.Stop()

	for !h.store.ReadySentinelExists() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	h.logHost("bridge relay ready, loading modules")
	return nil
}

// LoadAll iterates the registry in priority order and spawns each enabled
// module as an independent goroutine. It does not block waiting for module
// readiness: startup fan-out is bounded by spawn time, not serialized.
func (h *Host) LoadAll(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	loaded := 0
	for _, m := range h.modules {
		desc := m.Descriptor()
		if !desc.Enabled {
			h.logHost(fmt.Sprintf("module %s disabled, skipping", desc.ID))
			continue
		}

		done := make(chan struct{})
		h.mu.Lock()
		h.done[desc.ID] = done
		h.mu.Unlock()

		h.setState(desc.ID, domain.ModuleStatus{State: domain.StateStarting})
		h.logHost(fmt.Sprintf("starting module %s (%s)", desc.ID, desc.Name))
		loaded++

		go h.runModule(runCtx, m, done)
	}

	h.logHost(fmt.Sprintf("spawned %d modules", loaded))
}

// runModule executes one module and records its terminal state. A panic or
// error inside one module is isolated to its own status.
func (h *Host) runModule(ctx context.Context, m Module, done chan struct{}) {
	defer close(done)
	id := m.Descriptor().ID

	defer func() {
		if r := recover(); r != nil {
			reason := fmt.Sprintf("panic: %v", r)
			h.logger.Error("module panicked", zap.String("module", id), zap.String("reason", reason))
			h.setState(id, domain.ModuleStatus{State: domain.StateError, Reason: reason})
			h.logHost(fmt.Sprintf("module %s failed: %s", id, reason))
		}
	}()

	err := m.Run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		h.setState(id, domain.ModuleStatus{State: domain.StateStopped})
		h.logHost(fmt.Sprintf("module %s stopped", id))
	default:
		h.setState(id, domain.ModuleStatus{State: domain.StateError, Reason: err.Error()})
		h.logger.Error("module exited with error", zap.String("module", id), zap.Error(err))
		h.logHost(fmt.Sprintf("module %s failed: %s", id, err.Error()))
	}
}

// StopAll signals every running module to stop via the shared cancellation
// context, then waits up to StopTimeout per module. The waits run
// concurrently, so one stuck module cannot delay or block the others.
func (h *Host) StopAll() error {
	h.mu.Lock()
	cancel := h.cancel
	waiting := make(map[string]chan struct{}, len(h.done))
	for id, done := range h.done {
		waiting[id] = done
		if h.states[id].State == domain.StateStarting || h.states[id].State == domain.StateRunning {
			h.states[id] = domain.ModuleStatus{State: domain.StateStopping, UpdatedAt: time.Now()}
		}
	}
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs error
	)
	for id, done := range waiting {
		wg.Add(1)
		go func(id string, done chan struct{}) {
			defer wg.Done()
			select {
			case <-done:
				// runModule already recorded the terminal state.
			case <-time.After(h.config.StopTimeout):
				h.setState(id, domain.ModuleStatus{State: domain.StateError, Reason: "stop timeout"})
				h.logHost(fmt.Sprintf("module %s stop timeout", id))
				emu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("module %s: stop timeout", id))
				emu.Unlock()
			}
		}(id, done)
	}
	wg.Wait()

	return errs
}

// Reconcile re-reads each module's status artifact and folds it into the
// in-memory state, so a module that wrote ERROR after startup is observable
// without the host polling the module directly.
func (h *Host) Reconcile() {
	for _, m := range h.modules {
		id := m.Descriptor().ID
		artifact, err := h.store.ReadModuleStatus(id)
		if err != nil {
			h.logger.Warn("status artifact unreadable", zap.String("module", id), zap.Error(err))
			continue
		}

		h.mu.Lock()
		current := h.states[id]
		// The artifact is authoritative for what the module says about
		// itself; the host remains authoritative for terminal states it
		// recorded (stop timeout, panic).
		if current.State != domain.StateError && artifact.State != domain.StateUnloaded &&
			artifact.State != current.State {
			artifact.UpdatedAt = time.Now()
			h.states[id] = artifact
		}
		h.mu.Unlock()
	}
}

// States returns a copy of the current per-module lifecycle states.
func (h *Host) States() map[string]domain.ModuleStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]domain.ModuleStatus, len(h.states))
	for id, st := range h.states {
		out[id] = st
	}
	return out
}

func (h *Host) setState(id string, status domain.ModuleStatus) {
	status.UpdatedAt = time.Now()
	h.mu.Lock()
	h.states[id] = status
	h.mu.Unlock()
}

// logHost appends to the daemon audit log; failures are swallowed.
func (h *Host) logHost(msg string) {
	if err := h.store.AppendLog(daemonLogName, msg); err != nil {
		h.logger.Debug("daemon log write failed", zap.Error(err))
	}
	h.logger.Info(msg)
}
