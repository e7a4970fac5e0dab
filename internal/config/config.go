// Package config loads runtime configuration from the environment and the
// optional module manifest.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/lilithos/lilithd/internal/domain"
)

// Fallback transport policies. SameCycle attempts the fallback transport
// immediately after a primary failure; NextCycle defers it to the following
// bridge cycle.
const (
	PolicySameCycle = "same-cycle"
	PolicyNextCycle = "next-cycle"
)

// Config holds all runtime settings, parsed from LILITHD_* environment
// variables over documented defaults.
type Config struct {
	StoreDir string `env:"LILITHD_STORE_DIR" envDefault:"/var/tmp/lilithd/store"`
	DataDir  string `env:"LILITHD_DATA_DIR" envDefault:"/var/tmp/lilithd/data"`

	ScanInterval      time.Duration `env:"LILITHD_SCAN_INTERVAL" envDefault:"3s"`
	StopTimeout       time.Duration `env:"LILITHD_STOP_TIMEOUT" envDefault:"10s"`
	ReconcileInterval time.Duration `env:"LILITHD_RECONCILE_INTERVAL" envDefault:"1m"`
	WaitForRelay      bool          `env:"LILITHD_WAIT_RELAY" envDefault:"false"`

	BridgeInterval time.Duration `env:"LILITHD_BRIDGE_INTERVAL" envDefault:"5s"`
	RelayURL       string        `env:"LILITHD_RELAY_URL"`
	FallbackDir    string        `env:"LILITHD_FALLBACK_DIR"`
	MaxAttempts    int           `env:"LILITHD_MAX_ATTEMPTS" envDefault:"3"`
	FallbackPolicy string        `env:"LILITHD_FALLBACK_POLICY" envDefault:"same-cycle"`
	ArchiveJobs    bool          `env:"LILITHD_ARCHIVE_JOBS" envDefault:"false"`

	ModulesFile string `env:"LILITHD_MODULES_FILE"`
}

// Load parses configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.FallbackPolicy != PolicySameCycle && cfg.FallbackPolicy != PolicyNextCycle {
		return nil, fmt.Errorf("invalid fallback policy %q", cfg.FallbackPolicy)
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1, got %d", cfg.MaxAttempts)
	}
	return cfg, nil
}

// DefaultModules is the built-in module registry, in priority order.
func DefaultModules() []domain.ModuleDescriptor {
	return []domain.ModuleDescriptor{
		{ID: "signal_scan", Name: "Signal Scanner", Priority: 10, Enabled: true},
		{ID: "bt_comm", Name: "Short-Range Radio Comm", Priority: 20, Enabled: true},
		{ID: "sensor_echo", Name: "Sensor Echo", Priority: 30, Enabled: true},
	}
}

type manifest struct {
	Modules []manifestEntry `yaml:"modules"`
}

type manifestEntry struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`
	Enabled  *bool  `yaml:"enabled"` // nil means enabled
}

// LoadManifest reads an optional YAML module manifest. A missing file is not
// an error: (nil, nil) means "use the built-in registry". An entry without an
// explicit enabled field defaults to enabled.
func LoadManifest(path string) ([]domain.ModuleDescriptor, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read module manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse module manifest: %w", err)
	}

	descriptors := make([]domain.ModuleDescriptor, 0, len(m.Modules))
	for _, e := range m.Modules {
		if e.ID == "" {
			return nil, fmt.Errorf("module manifest entry missing id")
		}
		enabled := e.Enabled == nil || *e.Enabled
		descriptors = append(descriptors, domain.ModuleDescriptor{
			ID:       e.ID,
			Name:     e.Name,
			Priority: e.Priority,
			Enabled:  enabled,
		})
	}
	return descriptors, nil
}
