package daemon

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lilithos/lilithd/internal/domain"
	"github.com/lilithos/lilithd/internal/store"
)

// fakeModule is a scriptable worker module for host tests.
type fakeModule struct {
	desc     domain.ModuleDescriptor
	started  atomic.Bool
	runErr   error         // returned immediately when set
	panicMsg string        // panics when set
	stopLag  time.Duration // extra delay after cancellation before returning
}

func (m *fakeModule) Descriptor() domain.ModuleDescriptor { return m.desc }

func (m *fakeModule) Run(ctx context.Context) error {
	m.started.Store(true)
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	if m.runErr != nil {
		return m.runErr
	}
	<-ctx.Done()
	if m.stopLag > 0 {
		time.Sleep(m.stopLag)
	}
	return ctx.Err()
}

func desc(id string, priority int) domain.ModuleDescriptor {
	return domain.ModuleDescriptor{ID: id, Name: id, Priority: priority, Enabled: true}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.New(t.TempDir())
	require.NoError(t, st.EnsureLayout())
	return st
}

func waitForState(t *testing.T, h *Host, id string, want domain.ModuleState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.States()[id].State == want
	}, 2*time.Second, 10*time.Millisecond, "module %s never reached %s", id, want)
}

func TestLoadAll_StartsEnabledModules(t *testing.T) {
	m1 := &fakeModule{desc: desc("signal_scan", 10)}
	m2 := &fakeModule{desc: desc("bt_comm", 20)}
	disabled := &fakeModule{desc: domain.ModuleDescriptor{ID: "sensor_echo", Priority: 30, Enabled: false}}

	h := NewHost(HostConfig{StopTimeout: time.Second}, newTestStore(t), zap.NewNop(), m1, m2, disabled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.LoadAll(ctx)

	require.Eventually(t, func() bool {
		return m1.started.Load() && m2.started.Load()
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, disabled.started.Load())

	states := h.States()
	assert.Equal(t, domain.StateUnloaded, states["sensor_echo"].State)

	require.NoError(t, h.StopAll())
}

func TestRunModule_ErrorIsIsolated(t *testing.T) {
	failing := &fakeModule{desc: desc("bt_comm", 20), runErr: errors.New("radio init failed")}
	healthy := &fakeModule{desc: desc("signal_scan", 10)}

	h := NewHost(HostConfig{StopTimeout: time.Second}, newTestStore(t), zap.NewNop(), failing, healthy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.LoadAll(ctx)

	waitForState(t, h, "bt_comm", domain.StateError)
	assert.Equal(t, "radio init failed", h.States()["bt_comm"].Reason)

	// The sibling keeps running.
	require.Eventually(t, func() bool { return healthy.started.Load() }, 2*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, domain.StateError, h.States()["signal_scan"].State)

	require.NoError(t, h.StopAll())
}

func TestRunModule_PanicIsRecovered(t *testing.T) {
	panicky := &fakeModule{desc: desc("sensor_echo", 30), panicMsg: "nil sensor handle"}

	h := NewHost(HostConfig{StopTimeout: time.Second}, newTestStore(t), zap.NewNop(), panicky)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.LoadAll(ctx)

	waitForState(t, h, "sensor_echo", domain.StateError)
	assert.Contains(t, h.States()["sensor_echo"].Reason, "panic")

	require.NoError(t, h.StopAll())
}

func TestStopAll_StopsCleanModules(t *testing.T) {
	m1 := &fakeModule{desc: desc("signal_scan", 10)}
	m2 := &fakeModule{desc: desc("bt_comm", 20)}

	h := NewHost(HostConfig{StopTimeout: 2 * time.Second}, newTestStore(t), zap.NewNop(), m1, m2)

	h.LoadAll(context.Background())
	require.Eventually(t, func() bool {
		return m1.started.Load() && m2.started.Load()
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.StopAll())

	states := h.States()
	assert.Equal(t, domain.StateStopped, states["signal_scan"].State)
	assert.Equal(t, domain.StateStopped, states["bt_comm"].State)
}

func TestStopAll_TimeoutDoesNotBlockSiblings(t *testing.T) {
	stuck := &fakeModule{desc: desc("bt_comm", 20), stopLag: 5 * time.Second}
	prompt := &fakeModule{desc: desc("signal_scan", 10)}

	h := NewHost(HostConfig{StopTimeout: 200 * time.Millisecond}, newTestStore(t), zap.NewNop(), stuck, prompt)

	h.LoadAll(context.Background())
	require.Eventually(t, func() bool {
		return stuck.started.Load() && prompt.started.Load()
	}, 2*time.Second, 10*time.Millisecond)

	start := time.Now()
	err := h.StopAll()
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "bt_comm")
	assert.Less(t, elapsed, 2*time.Second, "waits must run concurrently, bounded by the timeout")

	states := h.States()
	assert.Equal(t, domain.StateStopped, states["signal_scan"].State)
	assert.Equal(t, domain.StateError, states["bt_comm"].State)
	assert.Equal(t, "stop timeout", states["bt_comm"].Reason)
}

func TestReconcile_AdoptsArtifactState(t *testing.T) {
	st := newTestStore(t)
	m := &fakeModule{desc: desc("signal_scan", 10)}
	h := NewHost(HostConfig{StopTimeout: time.Second}, st, zap.NewNop(), m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.LoadAll(ctx)
	require.Eventually(t, func() bool { return m.started.Load() }, 2*time.Second, 10*time.Millisecond)

	// The module reports an error through its status artifact.
	require.NoError(t, st.WriteModuleStatus("signal_scan", domain.ModuleStatus{
		State:  domain.StateError,
		Reason: "hardware fault",
	}))
	h.Reconcile()

	got := h.States()["signal_scan"]
	assert.Equal(t, domain.StateError, got.State)
	assert.Equal(t, "hardware fault", got.Reason)

	_ = h.StopAll()
}

func TestReconcile_KeepsHostRecordedError(t *testing.T) {
	st := newTestStore(t)
	failing := &fakeModule{desc: desc("bt_comm", 20), runErr: errors.New("boom")}
	h := NewHost(HostConfig{StopTimeout: time.Second}, st, zap.NewNop(), failing)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.LoadAll(ctx)
	waitForState(t, h, "bt_comm", domain.StateError)

	// A stale RUNNING artifact must not mask the recorded failure.
	require.NoError(t, st.WriteModuleStatus("bt_comm", domain.ModuleStatus{State: domain.StateRunning}))
	h.Reconcile()

	assert.Equal(t, domain.StateError, h.States()["bt_comm"].State)
}

func TestRun_WaitsForRelaySentinel(t *testing.T) {
	st := newTestStore(t)
	m := &fakeModule{desc: desc("signal_scan", 10)}
	h := NewHost(HostConfig{
		StopTimeout:       time.Second,
		WaitForRelay:      true,
		RelayPollInterval: 20 * time.Millisecond,
	}, st, zap.NewNop(), m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	// No sentinel yet: the module must stay unloaded.
	time.Sleep(100 * time.Millisecond)
	assert.False(t, m.started.Load())

	require.NoError(t, st.WriteReadySentinel())
	require.Eventually(t, func() bool { return m.started.Load() }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("host did not shut down")
	}
}

func TestRun_HeartbeatOnReconcileTick(t *testing.T) {
	st := newTestStore(t)
	m := &fakeModule{desc: desc("signal_scan", 10)}

	var beats atomic.Int32
	h := NewHost(HostConfig{
		StopTimeout:       time.Second,
		ReconcileInterval: 20 * time.Millisecond,
		Heartbeat:         func() error { beats.Add(1); return nil },
	}, st, zap.NewNop(), m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	require.Eventually(t, func() bool { return beats.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("host did not shut down")
	}
}

func TestRun_HeartbeatFailureDoesNotStopHost(t *testing.T) {
	st := newTestStore(t)
	m := &fakeModule{desc: desc("signal_scan", 10)}

	var beats atomic.Int32
	h := NewHost(HostConfig{
		StopTimeout:       time.Second,
		ReconcileInterval: 20 * time.Millisecond,
		Heartbeat:         func() error { beats.Add(1); return errors.New("registry gone") },
	}, st, zap.NewNop(), m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	require.Eventually(t, func() bool { return beats.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, m.started.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("host did not shut down")
	}
}

func TestByPriority_Ordering(t *testing.T) {
	a := &fakeModule{desc: desc("c", 30)}
	b := &fakeModule{desc: desc("a", 10)}
	c := &fakeModule{desc: desc("b", 20)}

	sorted := byPriority([]Module{a, b, c})
	require.Len(t, sorted, 3)
	assert.Equal(t, "a", sorted[0].Descriptor().ID)
	assert.Equal(t, "b", sorted[1].Descriptor().ID)
	assert.Equal(t, "c", sorted[2].Descriptor().ID)
}

func TestWithDescriptor_OverridesMetadata(t *testing.T) {
	m := &fakeModule{desc: desc("signal_scan", 10)}
	override := domain.ModuleDescriptor{ID: "signal_scan", Name: "Scanner", Priority: 5, Enabled: false}

	wrapped := WithDescriptor(m, override)
	assert.Equal(t, override, wrapped.Descriptor())
}
