package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lilithos/lilithd/internal/domain"
)

const registryFileName = "registry.json"

// FileRegistry records the daemon host and bridge PIDs in a JSON file so the
// status command can check liveness. Both processes write the same file, so
// updates are guarded by a file lock and applied via atomic rename.
type FileRegistry struct {
	path           string
	processManager domain.ProcessManager
}

// NewFileRegistry creates a registry file under the given data directory.
func NewFileRegistry(dataDir string, pm domain.ProcessManager) *FileRegistry {
	return &FileRegistry{
		path:           filepath.Join(dataDir, registryFileName),
		processManager: pm,
	}
}

// NewFileRegistryWithPath creates a registry at a specific path (for testing).
func NewFileRegistryWithPath(path string, pm domain.ProcessManager) *FileRegistry {
	return &FileRegistry{path: path, processManager: pm}
}

// Register saves the current process PID under the given role.
func (r *FileRegistry) Register(role domain.ProcessRole, pid int, version string) error {
	// File lock prevents a race between the daemon and bridge processes.
	lockPath := r.path + ".lock"
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN) }()

	entry, _ := r.GetAll() // May not exist yet
	if entry == nil {
		entry = &domain.RegistryEntry{Version: 1}
	}

	switch role {
	case domain.RoleDaemon:
		entry.DaemonPID = pid
	case domain.RoleBridge:
		entry.BridgePID = pid
	default:
		return fmt.Errorf("unknown role: %s", role)
	}
	entry.LastHeartbeat = time.Now().Unix()
	if version != "" {
		entry.AppVersion = version
	}

	return r.atomicWrite(entry)
}

// UpdateHeartbeat refreshes the liveness timestamp.
func (r *FileRegistry) UpdateHeartbeat() error {
	entry, err := r.GetAll()
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("registry not initialized")
	}
	entry.LastHeartbeat = time.Now().Unix()
	return r.atomicWrite(entry)
}

// IsAlive checks whether the registered process for a role is running.
func (r *FileRegistry) IsAlive(role domain.ProcessRole) (bool, error) {
	entry, err := r.GetAll()
	if err != nil || entry == nil {
		return false, err
	}

	var pid int
	switch role {
	case domain.RoleDaemon:
		pid = entry.DaemonPID
	case domain.RoleBridge:
		pid = entry.BridgePID
	}
	if pid == 0 {
		return false, nil
	}
	return r.processManager.IsRunning(pid), nil
}

// GetAll returns full registry state, or (nil, nil) when no registry exists.
func (r *FileRegistry) GetAll() (*domain.RegistryEntry, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entry domain.RegistryEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Clear removes the registry file.
func (r *FileRegistry) Clear() error {
	err := os.Remove(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// atomicWrite writes registry to file atomically (write + rename).
func (r *FileRegistry) atomicWrite(entry *domain.RegistryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	// Write to temp file first (unique per process to avoid race)
	tmpPath := fmt.Sprintf("%s.%d.tmp", r.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}

	// Atomic rename
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath) // Clean up on failure
		return err
	}
	return nil
}
