// Package store implements the artifact store: the shared storage area that
// is the only communication medium between the two runtime environments.
//
// Files and directories are the message bus. Every artifact path has exactly
// one writer, fixed at design time, so no locking protocol is needed:
//
//	flags/boot_target, flags/passthrough  - configuration tooling
//	status/<module-id>.status             - the module itself
//	out/scan_snapshot, out/scan_log       - signal scanner
//	out/daemon_log                        - daemon host
//	out/<module-id>_log                   - the module itself
//	out/boot_log                          - boot mode multiplexer
//	relay/bridge_status, relay/ready      - bridge process
//
// Any artifact a reader might observe mid-write is replaced via
// write-to-temp-then-rename, never written in place.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lilithos/lilithd/internal/domain"
)

const (
	flagBootTarget  = "boot_target"
	flagPassthrough = "passthrough"

	snapshotName     = "scan_snapshot"
	scanLogName      = "scan_log"
	bridgeStatusName = "bridge_status"
	readySentinel    = "ready"
)

// ErrUnavailable indicates the store root is missing or unmounted.
// Callers treat this as "no data", not as a failure.
var ErrUnavailable = errors.New("artifact store unavailable")

// Store provides access to one artifact store root.
type Store struct {
	root string
}

// New creates a store handle rooted at dir. The directory layout is not
// created until EnsureLayout is called.
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the store root directory.
func (s *Store) Root() string { return s.root }

// EnsureLayout creates the store directory hierarchy.
func (s *Store) EnsureLayout() error {
	for _, dir := range []string{"flags", "status", "out", "relay", "signals"} {
		if err := os.MkdirAll(filepath.Join(s.root, dir), 0755); err != nil {
			return fmt.Errorf("create store layout: %w", err)
		}
	}
	return nil
}

// Available reports whether the store root is currently reachable.
func (s *Store) Available() bool {
	info, err := os.Stat(s.root)
	return err == nil && info.IsDir()
}

// SignalsDir is where mock signal drop files live (file-backed source provider).
func (s *Store) SignalsDir() string { return filepath.Join(s.root, "signals") }

// SnapshotPath is the logical payload reference recorded in transfer jobs.
func (s *Store) SnapshotPath() string { return filepath.Join(s.root, "out", snapshotName) }

// --- boot flags (read-only to this subsystem except for tooling helpers) ---

// ReadBootTarget reads flags/boot_target. A missing flag or any I/O error is
// treated as "flag absent": it fails open to the host environment default.
func (s *Store) ReadBootTarget() (domain.BootTarget, bool) {
	content, ok := s.readFlag(flagBootTarget)
	if !ok {
		return domain.TargetHost, false
	}
	if strings.TrimSpace(content) == string(domain.TargetDevice) {
		return domain.TargetDevice, true
	}
	return domain.TargetHost, true
}

// PassthroughEnabled reports whether the passthrough flag is present.
// Presence alone encodes the condition; content is ignored.
func (s *Store) PassthroughEnabled() bool {
	_, ok := s.readFlag(flagPassthrough)
	return ok
}

// SetBootTarget writes flags/boot_target. Used by configuration tooling and tests.
func (s *Store) SetBootTarget(target domain.BootTarget) error {
	return s.atomicWrite(filepath.Join(s.root, "flags", flagBootTarget), []byte(target))
}

// SetPassthrough creates or removes the passthrough flag.
func (s *Store) SetPassthrough(enabled bool) error {
	path := filepath.Join(s.root, "flags", flagPassthrough)
	if !enabled {
		err := os.Remove(path)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return s.atomicWrite(path, []byte("1"))
}

func (s *Store) readFlag(name string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(s.root, "flags", name))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// --- scan report artifacts (single writer: signal scanner) ---

// WriteSnapshot atomically replaces out/scan_snapshot with the given report.
// A concurrent reader never observes a half-written report.
func (s *Store) WriteSnapshot(report *domain.ScanReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.atomicWrite(s.SnapshotPath(), data)
}

// ReadSnapshot returns the current scan report, or (nil, nil) when no
// snapshot exists yet or the store is unreachable.
func (s *Store) ReadSnapshot() (*domain.ScanReport, error) {
	data, err := os.ReadFile(s.SnapshotPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var report domain.ScanReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &report, nil
}

// AppendScanLog appends one report to the cumulative audit log (JSON lines).
func (s *Store) AppendScanLog(report *domain.ScanReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return s.appendLine(filepath.Join(s.root, "out", scanLogName), string(data))
}

// --- audit logs (append-only, one writer per file) ---

// AppendLog appends one timestamped line to out/<name>. Log writes must
// never block or fail a caller's decision; callers swallow the error.
func (s *Store) AppendLog(name, line string) error {
	stamped := fmt.Sprintf("[%s] %s", time.Now().Format(time.RFC3339), line)
	return s.appendLine(filepath.Join(s.root, "out", name), stamped)
}

func (s *Store) appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, line)
	return err
}

// --- module status artifacts (single writer: the module itself) ---

// WriteModuleStatus atomically replaces status/<id>.status.
// The artifact holds the state name, or "ERROR: reason" for errors.
func (s *Store) WriteModuleStatus(moduleID string, status domain.ModuleStatus) error {
	content := string(status.State)
	if status.State == domain.StateError && status.Reason != "" {
		content = fmt.Sprintf("%s: %s", domain.StateError, status.Reason)
	}
	return s.atomicWrite(s.statusPath(moduleID), []byte(content))
}

// ReadModuleStatus parses status/<id>.status. Missing artifacts report
// StateUnloaded rather than an error.
func (s *Store) ReadModuleStatus(moduleID string) (domain.ModuleStatus, error) {
	data, err := os.ReadFile(s.statusPath(moduleID))
	if err != nil {
		if os.IsNotExist(err) {
			return domain.ModuleStatus{State: domain.StateUnloaded}, nil
		}
		return domain.ModuleStatus{}, err
	}
	content := strings.TrimSpace(string(data))
	if reason, ok := strings.CutPrefix(content, string(domain.StateError)+": "); ok {
		return domain.ModuleStatus{State: domain.StateError, Reason: reason}, nil
	}
	return domain.ModuleStatus{State: domain.ModuleState(content)}, nil
}

func (s *Store) statusPath(moduleID string) string {
	return filepath.Join(s.root, "status", moduleID+".status")
}

// --- relay artifacts (single writer: bridge process) ---

// WriteBridgeStatus atomically replaces relay/bridge_status.
func (s *Store) WriteBridgeStatus(status *domain.BridgeStatus) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("encode bridge status: %w", err)
	}
	return s.atomicWrite(filepath.Join(s.root, "relay", bridgeStatusName), data)
}

// ReadBridgeStatus returns the bridge health record, or (nil, nil) when the
// bridge has never written one.
func (s *Store) ReadBridgeStatus() (*domain.BridgeStatus, error) {
	data, err := os.ReadFile(filepath.Join(s.root, "relay", bridgeStatusName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var status domain.BridgeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("decode bridge status: %w", err)
	}
	return &status, nil
}

// WriteReadySentinel creates relay/ready. Its mere presence signals that the
// bridge has completed at least one sync; content is irrelevant.
func (s *Store) WriteReadySentinel() error {
	f, err := os.OpenFile(filepath.Join(s.root, "relay", readySentinel), os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

// ReadySentinelExists checks for the readiness sentinel.
func (s *Store) ReadySentinelExists() bool {
	_, err := os.Stat(filepath.Join(s.root, "relay", readySentinel))
	return err == nil
}

// RemoveReadySentinel deletes the sentinel on bridge shutdown.
func (s *Store) RemoveReadySentinel() error {
	err := os.Remove(filepath.Join(s.root, "relay", readySentinel))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// WriteOutArtifact atomically replaces out/<name> with raw data. For worker
// artifacts outside the scan report family (e.g. sensor samples).
func (s *Store) WriteOutArtifact(name string, data []byte) error {
	return s.atomicWrite(filepath.Join(s.root, "out", name), data)
}

// ReadOutArtifact reads out/<name>, or (nil, nil) when it does not exist.
func (s *Store) ReadOutArtifact(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, "out", name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// atomicWrite writes data to path via a temp file and rename (write + rename).
// The temp name is unique per process to avoid cross-process races.
func (s *Store) atomicWrite(path string, data []byte) error {
	tmpPath := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath) // Clean up on failure
		return err
	}
	return nil
}
