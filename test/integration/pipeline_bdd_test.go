//go:build integration

package integration

import (
	"context"
	"errors"
	"math/rand"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/lilithos/lilithd/internal/bootmux"
	"github.com/lilithos/lilithd/internal/bridge"
	"github.com/lilithos/lilithd/internal/config"
	"github.com/lilithos/lilithd/internal/daemon"
	"github.com/lilithos/lilithd/internal/domain"
	"github.com/lilithos/lilithd/internal/scanner"
	"github.com/lilithos/lilithd/internal/store"
	"github.com/lilithos/lilithd/internal/workers"
)

// capturingTransport delivers into memory so the suite can observe exactly
// what crossed the bridge.
type capturingTransport struct {
	name      string
	failing   bool
	delivered []*domain.ScanReport
}

func (c *capturingTransport) Name() string { return c.name }

func (c *capturingTransport) Deliver(_ context.Context, report *domain.ScanReport) error {
	if c.failing {
		return errors.New(c.name + " unreachable")
	}
	c.delivered = append(c.delivered, report)
	return nil
}

var _ = Describe("Scan pipeline", func() {
	var (
		st     *store.Store
		logger *zap.Logger
	)

	BeforeEach(func() {
		st = store.New(GinkgoT().TempDir())
		Expect(st.EnsureLayout()).To(Succeed())
		logger = zap.NewNop()
	})

	Describe("Boot mode selection", func() {
		Context("with no boot flags", func() {
			It("defaults to the host environment", func() {
				mux := bootmux.New(st, logger)
				decision := mux.Decide()
				Expect(decision.Target).To(Equal(domain.TargetHost))
			})
		})

		Context("with the device flag set", func() {
			It("selects the device environment and fires the live scan hook", func() {
				Expect(st.SetBootTarget(domain.TargetDevice)).To(Succeed())

				hooked := false
				mux := bootmux.New(st, logger)
				mux.RegisterLiveScanHook(func() { hooked = true })

				decision := mux.Decide()
				Expect(decision.Target).To(Equal(domain.TargetDevice))
				Expect(hooked).To(BeTrue())
			})
		})
	})

	Describe("Daemon host running the scanner", func() {
		It("publishes snapshots the bridge can relay", func() {
			rng := rand.New(rand.NewSource(7))
			scan := scanner.New(scanner.Config{Interval: 50 * time.Millisecond},
				st, scanner.SimulatedSources(rng), logger)
			comm := workers.NewBtComm(time.Hour, st, logger)

			host := daemon.NewHost(daemon.HostConfig{StopTimeout: 2 * time.Second},
				st, logger, scan, comm)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- host.Run(ctx) }()

			// The scanner produces increasing snapshot sequences.
			Eventually(func() uint64 {
				snap, err := st.ReadSnapshot()
				if err != nil || snap == nil {
					return 0
				}
				return snap.Sequence
			}, 3*time.Second, 20*time.Millisecond).Should(BeNumerically(">=", 2))

			// Both modules report running through their status artifacts.
			Eventually(func() domain.ModuleState {
				status, _ := st.ReadModuleStatus(scanner.ModuleID)
				return status.State
			}, 2*time.Second, 20*time.Millisecond).Should(Equal(domain.StateRunning))
			Eventually(func() domain.ModuleState {
				status, _ := st.ReadModuleStatus(workers.BtCommID)
				return status.State
			}, 2*time.Second, 20*time.Millisecond).Should(Equal(domain.StateRunning))

			cancel()
			Eventually(done, 3*time.Second).Should(Receive(BeNil()))

			status, err := st.ReadModuleStatus(scanner.ModuleID)
			Expect(err).NotTo(HaveOccurred())
			Expect(status.State).To(Equal(domain.StateStopped))
		})
	})

	Describe("Bridge relaying snapshots", func() {
		var (
			primary  *capturingTransport
			fallback *capturingTransport
		)

		BeforeEach(func() {
			primary = &capturingTransport{name: "primary"}
			fallback = &capturingTransport{name: "fallback"}
		})

		newBridge := func() *bridge.Bridge {
			cfg := bridge.Config{
				Interval:       time.Hour,
				MaxAttempts:    2,
				FallbackPolicy: config.PolicySameCycle,
			}
			return bridge.New(cfg, st, primary, fallback, nil, logger)
		}

		writeSnapshot := func(seq uint64) {
			Expect(st.WriteSnapshot(&domain.ScanReport{
				Sequence:  seq,
				Timestamp: time.Now(),
			})).To(Succeed())
		}

		Context("when the primary transport works", func() {
			It("relays each new sequence exactly once and raises the ready sentinel", func() {
				b := newBridge()

				writeSnapshot(1)
				b.Cycle(context.Background())
				b.Cycle(context.Background())
				writeSnapshot(2)
				b.Cycle(context.Background())

				Expect(primary.delivered).To(HaveLen(2))
				Expect(fallback.delivered).To(BeEmpty())
				Expect(st.ReadySentinelExists()).To(BeTrue())

				status, err := st.ReadBridgeStatus()
				Expect(err).NotTo(HaveOccurred())
				Expect(status.Ready).To(BeTrue())
				Expect(status.TotalTransfers).To(Equal(2))
			})
		})

		Context("when the primary transport is down", func() {
			It("falls back within the same cycle", func() {
				primary.failing = true
				b := newBridge()

				writeSnapshot(1)
				b.Cycle(context.Background())

				Expect(fallback.delivered).To(HaveLen(1))
				Expect(st.ReadySentinelExists()).To(BeTrue())
			})
		})

		Context("when both transports are down", func() {
			It("abandons the report once attempts are exhausted and reports the failure", func() {
				primary.failing = true
				fallback.failing = true
				b := newBridge()

				writeSnapshot(1)
				b.Cycle(context.Background())
				b.Cycle(context.Background())

				status, err := st.ReadBridgeStatus()
				Expect(err).NotTo(HaveOccurred())
				Expect(status.FailedTransfers).To(Equal(1))
				Expect(status.LastError).NotTo(BeEmpty())
				Expect(st.ReadySentinelExists()).To(BeFalse())

				// Transports recover: the abandoned sequence stays abandoned,
				// the next one goes through.
				primary.failing = false
				b.Cycle(context.Background())
				Expect(primary.delivered).To(BeEmpty())

				writeSnapshot(2)
				b.Cycle(context.Background())
				Expect(primary.delivered).To(HaveLen(1))
				Expect(primary.delivered[0].Sequence).To(Equal(uint64(2)))
			})
		})
	})

	Describe("Relay-gated startup", func() {
		It("holds module load until the bridge signals readiness", func() {
			rng := rand.New(rand.NewSource(7))
			scan := scanner.New(scanner.Config{Interval: 50 * time.Millisecond},
				st, scanner.SimulatedSources(rng), logger)

			host := daemon.NewHost(daemon.HostConfig{
				StopTimeout:       2 * time.Second,
				WaitForRelay:      true,
				RelayPollInterval: 20 * time.Millisecond,
			}, st, logger, scan)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- host.Run(ctx) }()

			Consistently(func() *domain.ScanReport {
				snap, _ := st.ReadSnapshot()
				return snap
			}, 200*time.Millisecond, 20*time.Millisecond).Should(BeNil())

			Expect(st.WriteReadySentinel()).To(Succeed())

			Eventually(func() *domain.ScanReport {
				snap, _ := st.ReadSnapshot()
				return snap
			}, 3*time.Second, 20*time.Millisecond).ShouldNot(BeNil())

			cancel()
			Eventually(done, 3*time.Second).Should(Receive(BeNil()))
		})
	})
})
