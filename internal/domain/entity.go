// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// BootTarget selects which runtime environment boots next.
type BootTarget string

const (
	// TargetDevice is the constrained environment (daemon host + workers).
	TargetDevice BootTarget = "device"
	// TargetHost is the richer environment (bridge process). Default when
	// no boot flag is present or the flag cannot be read.
	TargetHost BootTarget = "host"
)

// BootDecision is the outcome of one boot mode selection.
type BootDecision struct {
	Target      BootTarget
	Passthrough bool
	DecidedAt   time.Time
}

// ModuleDescriptor defines a worker module the daemon host may start.
// Immutable once loaded.
type ModuleDescriptor struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"` // lower starts first
	Enabled  bool   `yaml:"enabled"`
}

// ModuleState is the lifecycle state of a loaded worker module.
type ModuleState string

const (
	StateUnloaded ModuleState = "UNLOADED"
	StateStarting ModuleState = "STARTING"
	StateRunning  ModuleState = "RUNNING"
	StateStopping ModuleState = "STOPPING"
	StateStopped  ModuleState = "STOPPED"
	StateError    ModuleState = "ERROR"
)

// ModuleStatus is the current lifecycle state of one module, owned by the
// daemon host (in memory) and mirrored by the module's own status artifact.
type ModuleStatus struct {
	State     ModuleState
	Reason    string // set when State is ERROR
	UpdatedAt time.Time
}

// SignalType is the closed set of signal sources a scan cycle may query.
type SignalType string

const (
	SignalRadio     SignalType = "radio"     // short-range radio
	SignalNetwork   SignalType = "network"   // local network
	SignalProximity SignalType = "proximity" // proximity tag
	SignalInfrared  SignalType = "infrared"
	SignalAudio     SignalType = "audio"
)

// SignalTypes lists every valid signal type, in report ordering.
var SignalTypes = []SignalType{
	SignalRadio, SignalNetwork, SignalProximity, SignalInfrared, SignalAudio,
}

// SignalRecord is one detected signal. Immutable once written.
type SignalRecord struct {
	Type      SignalType `json:"type"`
	Source    string     `json:"source"`
	Payload   string     `json:"payload"`
	Timestamp time.Time  `json:"timestamp"`
	Strength  int        `json:"strength"` // 0-100 inclusive
	Encrypted bool       `json:"encrypted"`
}

// ScanReport is the structured output of one scan cycle.
// Sequence is strictly increasing within a single scanner lifetime, and
// Counts must tally the records of each type in this same report.
type ScanReport struct {
	Sequence  uint64             `json:"sequence"`
	Timestamp time.Time          `json:"timestamp"`
	Records   []SignalRecord     `json:"records"`
	Counts    map[SignalType]int `json:"counts"`
}

// CountRecords computes exact per-type tallies for a record set.
func CountRecords(records []SignalRecord) map[SignalType]int {
	counts := make(map[SignalType]int)
	for _, r := range records {
		counts[r.Type]++
	}
	return counts
}

// TransferStatus is the lifecycle state of a transfer job.
type TransferStatus string

const (
	TransferPending        TransferStatus = "PENDING"
	TransferInFlight       TransferStatus = "IN_FLIGHT"
	TransferSucceeded      TransferStatus = "SUCCEEDED"
	TransferFailedRetry    TransferStatus = "FAILED_RETRYABLE"
	TransferFailedTerminal TransferStatus = "FAILED_TERMINAL"
)

// TransferJob is one attempt (with retries and fallback) to relay a scan
// report out of the constrained environment.
type TransferJob struct {
	ID          string
	Sequence    uint64
	PayloadRef  string // path into the artifact store
	Destination string
	Transport   string // name of the last transport attempted
	Attempts    int    // full cycles attempted (primary + fallback)
	Status      TransferStatus
	CreatedAt   time.Time
	FinishedAt  time.Time // zero until terminal
}

// Terminal reports whether the job has reached a final state.
func (j *TransferJob) Terminal() bool {
	return j.Status == TransferSucceeded || j.Status == TransferFailedTerminal
}

// BridgeStatus is the singleton health record written by the bridge process
// and read by the constrained environment.
type BridgeStatus struct {
	Ready             bool      `json:"ready"`
	LastSync          time.Time `json:"last_sync,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
	TotalTransfers    int       `json:"total_transfers"`
	PrimaryTransfers  int       `json:"primary_transfers"`
	FallbackTransfers int       `json:"fallback_transfers"`
	FailedTransfers   int       `json:"failed_transfers"`
}

// ProcessRole identifies one of the two long-running processes.
type ProcessRole string

const (
	RoleDaemon ProcessRole = "daemon" // daemon host, constrained environment
	RoleBridge ProcessRole = "bridge" // bridge process, richer environment
)

// RegistryEntry stores the state of both processes for liveness inspection.
// Persisted to a JSON file so the status command can find them.
type RegistryEntry struct {
	Version       int    `json:"version"`
	DaemonPID     int    `json:"daemon_pid"`
	BridgePID     int    `json:"bridge_pid"`
	LastHeartbeat int64  `json:"last_heartbeat"`
	AppVersion    string `json:"app_version,omitempty"`
}

// ClampStrength forces a generator-reported strength into the 0-100 range.
// Out-of-range generator output is clamped, never passed through.
func ClampStrength(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
