package domain

import "context"

// SourceProvider produces signal records for a given scan cycle.
// Simulated providers stand in for real hardware scans; a real backend can
// replace a provider without touching aggregation or transfer logic.
type SourceProvider interface {
	// Type returns the signal type this provider scans for.
	Type() SignalType

	// Collect performs one scan pass and returns zero or more records.
	Collect(ctx context.Context) ([]SignalRecord, error)
}

// Transport delivers a scan report to the external relay.
// Implementations: websocket push (primary), mounted-directory copy (fallback).
type Transport interface {
	// Name identifies the transport in job records and logs.
	Name() string

	// Deliver relays one report. Any error counts as a transport failure.
	Deliver(ctx context.Context, report *ScanReport) error
}

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// KeyProvider abstracts the source of the archive encryption key.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}
