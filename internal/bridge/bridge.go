// Package bridge implements the bridge process: it watches the artifact
// store for new scan reports and relays them onward over a primary transport
// with an automatic fallback, signalling readiness back to the constrained
// environment via the relay/ready sentinel.
package bridge

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lilithos/lilithd/internal/config"
	"github.com/lilithos/lilithd/internal/domain"
	"github.com/lilithos/lilithd/internal/store"
)

// Config holds bridge configuration.
type Config struct {
	Interval       time.Duration // poll interval between cycles
	MaxAttempts    int           // full cycles (primary + fallback) before a job is terminal
	FallbackPolicy string        // config.PolicySameCycle or config.PolicyNextCycle
	Destination    string        // destination descriptor recorded on jobs
	Heartbeat      func() error  // optional liveness refresh, invoked once per poll cycle
}

// DefaultConfig returns default bridge configuration.
func DefaultConfig() Config {
	return Config{
		Interval:       5 * time.Second,
		MaxAttempts:    3,
		FallbackPolicy: config.PolicySameCycle,
	}
}

// pendingJob pairs an in-progress transfer with the report it carries.
type pendingJob struct {
	job          domain.TransferJob
	report       *domain.ScanReport
	triedPrimary bool // set under the next-cycle policy once primary has failed
}

// Bridge is the single-threaded polling loop of the richer environment.
type Bridge struct {
	config   Config
	store    *store.Store
	primary  domain.Transport
	fallback domain.Transport
	archive  *Archive // nil when job archiving is disabled
	logger   *zap.Logger

	lastRelayed uint64
	pending     *pendingJob
	status      domain.BridgeStatus
}

// New creates a bridge over the given transports. archive may be nil.
func New(cfg Config, st *store.Store, primary, fallback domain.Transport, archive *Archive, logger *zap.Logger) *Bridge {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.FallbackPolicy == "" {
		cfg.FallbackPolicy = config.PolicySameCycle
	}
	return &Bridge{
		config:   cfg,
		store:    st,
		primary:  primary,
		fallback: fallback,
		archive:  archive,
		logger:   logger,
	}
}

// Run starts the bridge loop. This blocks until the context is canceled.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("bridge started",
		zap.String("primary", b.primary.Name()),
		zap.String("fallback", b.fallback.Name()),
		zap.String("fallback_policy", b.config.FallbackPolicy))
	b.writeStatus()

	ticker := time.NewTicker(b.config.Interval)
	defer ticker.Stop()

	// First cycle immediately, then on the interval.
	b.Cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return ctx.Err()

		case <-ticker.C:
			b.Cycle(ctx)
			b.beat()
		}
	}
}

// beat refreshes the process registry's liveness timestamp. Failures are
// logged, never escalated.
func (b *Bridge) beat() {
	if b.config.Heartbeat == nil {
		return
	}
	if err := b.config.Heartbeat(); err != nil {
		b.logger.Warn("heartbeat update failed", zap.Error(err))
	}
}

// Cycle runs one poll/relay pass. A store that is unreachable or holds no
// new report is treated identically to "nothing to do", never as an error.
func (b *Bridge) Cycle(ctx context.Context) {
	if b.pending == nil {
		report, err := b.store.ReadSnapshot()
		if err != nil {
			b.logger.Debug("snapshot unavailable", zap.Error(err))
			return
		}
		if report == nil || report.Sequence <= b.lastRelayed {
			return
		}
		b.pending = &pendingJob{
			job: domain.TransferJob{
				ID:          uuid.NewString(),
				Sequence:    report.Sequence,
				PayloadRef:  b.store.SnapshotPath(),
				Destination: b.config.Destination,
				Status:      domain.TransferPending,
				CreatedAt:   time.Now(),
			},
			report: report,
		}
		b.logger.Info("new scan report observed",
			zap.Uint64("sequence", report.Sequence),
			zap.String("job", b.pending.job.ID))
	}

	b.attempt(ctx)
}

// attempt advances the pending job one step. Under the same-cycle policy the
// fallback transport is an immediate escape hatch after a primary failure,
// not a separately scheduled retry.
func (b *Bridge) attempt(ctx context.Context) {
	p := b.pending
	p.job.Status = domain.TransferInFlight

	if !p.triedPrimary {
		p.job.Transport = b.primary.Name()
		err := b.primary.Deliver(ctx, p.report)
		if err == nil {
			b.succeed(p, true)
			return
		}
		b.logger.Warn("primary transport failed",
			zap.String("job", p.job.ID), zap.Error(err))
		p.job.Status = domain.TransferFailedRetry

		if b.config.FallbackPolicy == config.PolicyNextCycle {
			// Defer the fallback attempt to the next cycle.
			p.triedPrimary = true
			b.writeStatus()
			return
		}
	}
	p.triedPrimary = false

	p.job.Transport = b.fallback.Name()
	err := b.fallback.Deliver(ctx, p.report)
	if err == nil {
		b.succeed(p, false)
		return
	}
	b.logger.Warn("fallback transport failed",
		zap.String("job", p.job.ID), zap.Error(err))

	// Both transports failed this cycle.
	p.job.Attempts++
	p.job.Status = domain.TransferFailedRetry
	if p.job.Attempts >= b.config.MaxAttempts {
		b.fail(p)
		return
	}
	b.status.LastError = "transfer retrying: both transports failed"
	b.writeStatus()
}

func (b *Bridge) succeed(p *pendingJob, viaPrimary bool) {
	p.job.Attempts++
	p.job.Status = domain.TransferSucceeded
	p.job.FinishedAt = time.Now()

	b.lastRelayed = p.job.Sequence
	b.status.Ready = true
	b.status.LastSync = p.job.FinishedAt
	b.status.LastError = ""
	b.status.TotalTransfers++
	if viaPrimary {
		b.status.PrimaryTransfers++
	} else {
		b.status.FallbackTransfers++
	}

	b.logger.Info("transfer succeeded",
		zap.String("job", p.job.ID),
		zap.String("transport", p.job.Transport),
		zap.Uint64("sequence", p.job.Sequence))

	// The sentinel is the only control signal flowing back across the
	// boundary; its presence means at least one sync completed.
	if err := b.store.WriteReadySentinel(); err != nil {
		b.logger.Warn("ready sentinel write failed", zap.Error(err))
	}

	b.finish(p)
}

func (b *Bridge) fail(p *pendingJob) {
	p.job.Status = domain.TransferFailedTerminal
	p.job.FinishedAt = time.Now()

	b.status.FailedTransfers++
	b.status.LastError = "transfer failed terminally: both transports exhausted"

	b.logger.Error("transfer failed terminally",
		zap.String("job", p.job.ID),
		zap.Uint64("sequence", p.job.Sequence),
		zap.Int("attempts", p.job.Attempts))

	// The report is abandoned; do not re-create jobs for the same sequence.
	b.lastRelayed = p.job.Sequence

	b.finish(p)
}

// finish archives the terminal job if an archive is configured, destroys the
// pending slot, and publishes the new bridge status.
func (b *Bridge) finish(p *pendingJob) {
	if b.archive != nil {
		if err := b.archive.Record(&p.job); err != nil {
			b.logger.Warn("job archive write failed", zap.String("job", p.job.ID), zap.Error(err))
		}
	}
	b.pending = nil
	b.writeStatus()
}

// Status returns a copy of the current bridge status.
func (b *Bridge) Status() domain.BridgeStatus {
	return b.status
}

// LastRelayed returns the sequence number of the last relayed report.
func (b *Bridge) LastRelayed() uint64 {
	return b.lastRelayed
}

// writeStatus publishes relay/bridge_status on every state change.
func (b *Bridge) writeStatus() {
	if err := b.store.WriteBridgeStatus(&b.status); err != nil {
		b.logger.Debug("bridge status write failed", zap.Error(err))
	}
}

func (b *Bridge) shutdown() {
	b.logger.Info("bridge stopping")
	if err := b.store.RemoveReadySentinel(); err != nil {
		b.logger.Warn("ready sentinel remove failed", zap.Error(err))
	}
	b.status.Ready = false
	b.writeStatus()
}
