// Package main is the CLI entry point for lilithd.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lilithos/lilithd/internal/bootmux"
	"github.com/lilithos/lilithd/internal/bridge"
	"github.com/lilithos/lilithd/internal/config"
	"github.com/lilithos/lilithd/internal/daemon"
	"github.com/lilithos/lilithd/internal/domain"
	"github.com/lilithos/lilithd/internal/infra"
	"github.com/lilithos/lilithd/internal/scanner"
	"github.com/lilithos/lilithd/internal/store"
	"github.com/lilithos/lilithd/internal/workers"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lilithd",
	Short: "Dual-mode daemon core and cross-device bridge",
	Long: `lilithd is the dual-mode daemon core of the handheld console stack.
It multiplexes boot modes, hosts the worker modules of the constrained
device-mode environment, and bridges their scan artifacts into the richer
host-mode environment over a primary transport with automatic fallback.

The two environments share nothing but the artifact store: files and
directories are the message bus.`,
	Version: Version,
}

var bootmuxCmd = &cobra.Command{
	Use:   "bootmux",
	Short: "Run one boot mode selection",
	Long: `Reads the persisted boot flags from the artifact store and decides which
environment boots next. A missing or unreadable boot_target flag defaults to
the host environment. Every flag read and the decision itself are appended
to the boot log.`,
	RunE: runBootmux,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the daemon host (device-mode environment)",
	Long: `Starts the daemon host: loads the worker module registry in priority
order, supervises each module independently, and reconciles their status
artifacts once per minute. Modules stop cooperatively on SIGINT/SIGTERM.`,
	RunE: runDaemon,
}

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Run the bridge process (host-mode environment)",
	Long: `Starts the bridge: polls the artifact store for new scan reports and
relays each one over the primary websocket transport, falling back to the
mounted-directory transport on failure. Readiness is signalled back to the
device-mode environment via the relay/ready sentinel.`,
	RunE: runBridge,
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a single scan cycle and print the report",
	RunE:  runScan,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon, module, and bridge health",
	Long:  `Shows process liveness from the registry plus the module status and bridge status artifacts.`,
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

var jsonOutput bool

func init() {
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(bootmuxCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(bridgeCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func runBootmux(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st := store.New(cfg.StoreDir)
	if err := st.EnsureLayout(); err != nil {
		return err
	}

	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	mux := bootmux.New(st, logger)
	decision := mux.Decide()

	fmt.Printf("Boot target: %s\n", decision.Target)
	if decision.Target == domain.TargetDevice {
		fmt.Printf("Passthrough: %v\n", decision.Passthrough)
	}
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st := store.New(cfg.StoreDir)
	if err := st.EnsureLayout(); err != nil {
		return err
	}

	logger := createLogger()
	defer func() { _ = logger.Sync() }()

	pm := infra.NewProcessManager()
	registry := infra.NewFileRegistry(cfg.DataDir, pm)
	if err := registry.Register(domain.RoleDaemon, pm.GetCurrentPID(), Version); err != nil {
		logger.Warn("registry registration failed", zap.Error(err))
	}

	modules, err := buildModules(cfg, st, logger)
	if err != nil {
		return err
	}

	host := daemon.NewHost(daemon.HostConfig{
		StopTimeout:       cfg.StopTimeout,
		ReconcileInterval: cfg.ReconcileInterval,
		WaitForRelay:      cfg.WaitForRelay,
		Heartbeat:         registry.UpdateHeartbeat,
	}, st, logger, modules...)

	ctx, cancel := signalContext(logger)
	defer cancel()

	err = host.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

// buildModules assembles the worker set from the built-in registry,
// optionally reshaped by the YAML module manifest.
func buildModules(cfg *config.Config, st *store.Store, logger *zap.Logger) ([]daemon.Module, error) {
	descriptors, err := config.LoadManifest(cfg.ModulesFile)
	if err != nil {
		return nil, err
	}
	if descriptors == nil {
		descriptors = config.DefaultModules()
	}

	// Modules run as separate goroutines and *rand.Rand is not
	// concurrency-safe, so each module gets its own source.
	seed := time.Now().UnixNano()

	var modules []daemon.Module
	for i, desc := range descriptors {
		rng := rand.New(rand.NewSource(seed + int64(i)))
		var m daemon.Module
		switch desc.ID {
		case scanner.ModuleID:
			providers := scanner.SimulatedSources(rng)
			providers = append(providers, scanner.NewFileProvider(st.SignalsDir()))
			m = scanner.New(scanner.Config{Interval: cfg.ScanInterval}, st, providers, logger)
		case workers.BtCommID:
			m = workers.NewBtComm(10*time.Second, st, logger)
		case workers.SensorEchoID:
			m = workers.NewSensorEcho(5*time.Second, st, rng, logger)
		default:
			return nil, fmt.Errorf("unknown module id %q in manifest", desc.ID)
		}
		modules = append(modules, daemon.WithDescriptor(m, desc))
	}
	return modules, nil
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st := store.New(cfg.StoreDir)
	if err := st.EnsureLayout(); err != nil {
		return err
	}

	logger := createLogger()
	defer func() { _ = logger.Sync() }()

	pm := infra.NewProcessManager()
	registry := infra.NewFileRegistry(cfg.DataDir, pm)
	if err := registry.Register(domain.RoleBridge, pm.GetCurrentPID(), Version); err != nil {
		logger.Warn("registry registration failed", zap.Error(err))
	}

	var archive *bridge.Archive
	if cfg.ArchiveJobs {
		keys := infra.NewFileKeyProvider(cfg.DataDir)
		key, err := infra.EnsureKey(keys)
		if err != nil {
			return fmt.Errorf("archive key: %w", err)
		}
		archive, err = bridge.OpenArchive(cfg.DataDir, key)
		if err != nil {
			return fmt.Errorf("open job archive: %w", err)
		}
		defer archive.Close()
	}

	b := bridge.New(bridge.Config{
		Interval:       cfg.BridgeInterval,
		MaxAttempts:    cfg.MaxAttempts,
		FallbackPolicy: cfg.FallbackPolicy,
		Destination:    cfg.RelayURL,
		Heartbeat:      registry.UpdateHeartbeat,
	}, st,
		bridge.NewWebsocketTransport(cfg.RelayURL),
		bridge.NewDirTransport(cfg.FallbackDir),
		archive, logger)

	ctx, cancel := signalContext(logger)
	defer cancel()

	err = b.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st := store.New(cfg.StoreDir)
	if err := st.EnsureLayout(); err != nil {
		return err
	}

	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	providers := scanner.SimulatedSources(rng)
	providers = append(providers, scanner.NewFileProvider(st.SignalsDir()))
	sc := scanner.New(scanner.Config{Interval: cfg.ScanInterval}, st, providers, logger)

	report := sc.ScanOnce(cmd.Context())

	fmt.Println("\n=== Scan Report ===")
	fmt.Printf("Sequence:  %d\n", report.Sequence)
	fmt.Printf("Timestamp: %s\n", report.Timestamp.Format(time.RFC3339))
	fmt.Printf("Records:   %d\n", len(report.Records))
	for _, t := range scanner.SortedTypes(report) {
		fmt.Printf("  %-10s %d\n", t, report.Counts[t])
	}
	fmt.Println("===================")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st := store.New(cfg.StoreDir)
	pm := infra.NewProcessManager()
	registry := infra.NewFileRegistry(cfg.DataDir, pm)

	fmt.Println("\n=== lilithd Status ===")

	entry, err := registry.GetAll()
	if err != nil || entry == nil {
		fmt.Println("Processes: NOT RUNNING (no registry)")
	} else {
		daemonAlive, _ := registry.IsAlive(domain.RoleDaemon)
		bridgeAlive, _ := registry.IsAlive(domain.RoleBridge)
		fmt.Printf("Daemon host: %s\n", liveness(daemonAlive, entry.DaemonPID))
		fmt.Printf("Bridge:      %s\n", liveness(bridgeAlive, entry.BridgePID))
		if entry.LastHeartbeat > 0 {
			lastBeat := time.Unix(entry.LastHeartbeat, 0)
			fmt.Printf("Last heartbeat: %s ago\n", time.Since(lastBeat).Round(time.Second))
		}
	}

	fmt.Println("\nModule status artifacts:")
	for _, desc := range config.DefaultModules() {
		status, err := st.ReadModuleStatus(desc.ID)
		if err != nil {
			fmt.Printf("  %-12s unreadable: %v\n", desc.ID, err)
			continue
		}
		line := string(status.State)
		if status.Reason != "" {
			line += " (" + status.Reason + ")"
		}
		fmt.Printf("  %-12s %s\n", desc.ID, line)
	}

	if bs, err := st.ReadBridgeStatus(); err == nil && bs != nil {
		fmt.Println("\nBridge:")
		fmt.Printf("  Ready:     %v\n", bs.Ready)
		if !bs.LastSync.IsZero() {
			fmt.Printf("  Last sync: %s\n", bs.LastSync.Format(time.RFC3339))
		}
		if bs.LastError != "" {
			fmt.Printf("  Last error: %s\n", bs.LastError)
		}
		fmt.Printf("  Transfers: %d total (%d primary, %d fallback, %d failed)\n",
			bs.TotalTransfers, bs.PrimaryTransfers, bs.FallbackTransfers, bs.FailedTransfers)
	}
	fmt.Printf("\nReady sentinel: %v\n", st.ReadySentinelExists())

	fmt.Println("======================")
	return nil
}

func liveness(alive bool, pid int) string {
	if alive {
		return fmt.Sprintf("RUNNING (pid %d)", pid)
	}
	if pid == 0 {
		return "NOT REGISTERED"
	}
	return fmt.Sprintf("DOWN (last pid %d)", pid)
}

func signalContext(logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	return ctx, cancel
}

func createLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"/var/tmp/lilithd.log"}
	cfg.ErrorOutputPaths = []string{"/var/tmp/lilithd.error.log"}
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		// Fallback to stdout if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("lilithd %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
