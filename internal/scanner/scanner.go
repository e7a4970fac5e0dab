// Package scanner implements the signal scanner worker module: a periodic
// multi-source scan loop that publishes snapshot and cumulative-log artifacts.
package scanner

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lilithos/lilithd/internal/domain"
	"github.com/lilithos/lilithd/internal/store"
)

// ModuleID is the scanner's identifier in the module registry and in
// artifact paths (status/signal_scan.status, out/signal_scan_log).
const ModuleID = "signal_scan"

const logName = ModuleID + "_log"

// Config holds scanner configuration.
type Config struct {
	Interval time.Duration // how often to run a scan cycle (default 3s)
}

// DefaultConfig returns default scanner configuration.
func DefaultConfig() Config {
	return Config{Interval: 3 * time.Second}
}

// Scanner runs the periodic scan loop. Each cycle queries every source
// provider, clamps out-of-range strengths, and assembles a ScanReport whose
// sequence number strictly increases for the lifetime of this instance.
type Scanner struct {
	config    Config
	store     *store.Store
	providers []domain.SourceProvider
	logger    *zap.Logger
	seq       uint64
}

// New creates a scanner over the given source providers. Providers are
// queried in the order given; records keep that ordering in the report.
func New(config Config, st *store.Store, providers []domain.SourceProvider, logger *zap.Logger) *Scanner {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &Scanner{
		config:    config,
		store:     st,
		providers: providers,
		logger:    logger,
	}
}

// Descriptor implements the daemon host's Module interface.
func (s *Scanner) Descriptor() domain.ModuleDescriptor {
	return domain.ModuleDescriptor{ID: ModuleID, Name: "Signal Scanner", Priority: 10, Enabled: true}
}

// Run starts the scan loop. This blocks until the context is canceled.
// A single cycle failure never terminates the loop.
func (s *Scanner) Run(ctx context.Context) error {
	s.writeStatus(domain.ModuleStatus{State: domain.StateRunning})
	s.logModule("signal scanner started")

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// First cycle immediately, then on the interval.
	s.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			s.writeStatus(domain.ModuleStatus{State: domain.StateStopped})
			s.logModule("signal scanner stopping")
			return ctx.Err()

		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// runCycle performs one scan pass and publishes the artifacts. The sequence
// number is consumed only when the snapshot write succeeds, so it can never
// regress across retried cycles.
func (s *Scanner) runCycle(ctx context.Context) {
	report := s.buildReport(ctx, s.seq+1)

	if err := s.store.WriteSnapshot(report); err != nil {
		// Storage failure: skip this cycle, keep the loop alive.
		s.logger.Warn("snapshot write failed, skipping cycle",
			zap.Uint64("sequence", report.Sequence),
			zap.Error(err))
		s.logModule("snapshot write failed: " + err.Error())
		return
	}
	s.seq = report.Sequence

	if err := s.store.AppendScanLog(report); err != nil {
		s.logger.Warn("scan log append failed", zap.Error(err))
	}

	s.logger.Debug("scan cycle completed",
		zap.Uint64("sequence", report.Sequence),
		zap.Int("records", len(report.Records)))
}

// ScanOnce runs a single scan pass without publishing artifacts.
// Used by the one-shot scan command.
func (s *Scanner) ScanOnce(ctx context.Context) *domain.ScanReport {
	return s.buildReport(ctx, s.seq+1)
}

func (s *Scanner) buildReport(ctx context.Context, seq uint64) *domain.ScanReport {
	var records []domain.SignalRecord

	for _, p := range s.providers {
		collected, err := p.Collect(ctx)
		if err != nil {
			// Provider failures are isolated: the cycle proceeds with
			// whatever the remaining sources produced.
			s.logger.Warn("source provider failed",
				zap.String("type", providerLabel(p)),
				zap.Error(err))
			continue
		}
		for _, r := range collected {
			r.Strength = domain.ClampStrength(r.Strength)
			records = append(records, r)
		}
	}

	return &domain.ScanReport{
		Sequence:  seq,
		Timestamp: time.Now(),
		Records:   records,
		Counts:    domain.CountRecords(records),
	}
}

// providerLabel names a provider in logs. A provider spanning multiple
// signal types reports an empty type.
func providerLabel(p domain.SourceProvider) string {
	if t := p.Type(); t != "" {
		return string(t)
	}
	return "multi"
}

func (s *Scanner) writeStatus(status domain.ModuleStatus) {
	status.UpdatedAt = time.Now()
	if err := s.store.WriteModuleStatus(ModuleID, status); err != nil {
		s.logger.Warn("status artifact write failed", zap.Error(err))
	}
}

func (s *Scanner) logModule(msg string) {
	if err := s.store.AppendLog(logName, msg); err != nil {
		s.logger.Debug("module log write failed", zap.Error(err))
	}
}

// SortedTypes returns the report's signal types in stable display order.
// Used by the scan command output.
func SortedTypes(report *domain.ScanReport) []domain.SignalType {
	types := make([]domain.SignalType, 0, len(report.Counts))
	for t := range report.Counts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
