package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/tmp/lilithd/store", cfg.StoreDir)
	assert.Equal(t, 3*time.Second, cfg.ScanInterval)
	assert.Equal(t, 5*time.Second, cfg.BridgeInterval)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, PolicySameCycle, cfg.FallbackPolicy)
	assert.False(t, cfg.WaitForRelay)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("LILITHD_STORE_DIR", "/mnt/ms0/lilith")
	t.Setenv("LILITHD_SCAN_INTERVAL", "500ms")
	t.Setenv("LILITHD_MAX_ATTEMPTS", "5")
	t.Setenv("LILITHD_FALLBACK_POLICY", "next-cycle")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/mnt/ms0/lilith", cfg.StoreDir)
	assert.Equal(t, 500*time.Millisecond, cfg.ScanInterval)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, PolicyNextCycle, cfg.FallbackPolicy)
}

func TestLoad_RejectsUnknownPolicy(t *testing.T) {
	t.Setenv("LILITHD_FALLBACK_POLICY", "eventually")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid fallback policy")
}

func TestLoad_RejectsZeroAttempts(t *testing.T) {
	t.Setenv("LILITHD_MAX_ATTEMPTS", "0")

	_, err := Load()
	assert.Error(t, err)
}

func TestDefaultModules_PriorityOrder(t *testing.T) {
	mods := DefaultModules()
	require.Len(t, mods, 3)
	assert.Equal(t, "signal_scan", mods[0].ID)
	for i := 1; i < len(mods); i++ {
		assert.Less(t, mods[i-1].Priority, mods[i].Priority)
	}
	for _, m := range mods {
		assert.True(t, m.Enabled)
	}
}

func TestLoadManifest_MissingFileMeansBuiltins(t *testing.T) {
	mods, err := LoadManifest(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.NoError(t, err)
	assert.Nil(t, mods)

	mods, err = LoadManifest("")
	assert.NoError(t, err)
	assert.Nil(t, mods)
}

func TestLoadManifest_ParsesEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modules.yaml")
	content := `modules:
  - id: signal_scan
    name: Signal Scanner
    priority: 10
  - id: bt_comm
    name: Short-Range Radio Comm
    priority: 20
    enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	mods, err := LoadManifest(path)
	require.NoError(t, err)
	require.Len(t, mods, 2)

	assert.Equal(t, "signal_scan", mods[0].ID)
	assert.True(t, mods[0].Enabled, "enabled defaults to true when omitted")
	assert.False(t, mods[1].Enabled)
}

func TestLoadManifest_RejectsMissingID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("modules:\n  - name: anonymous\n"), 0644))

	_, err := LoadManifest(path)
	assert.Error(t, err)
}

func TestLoadManifest_RejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("modules: [unclosed"), 0644))

	_, err := LoadManifest(path)
	assert.Error(t, err)
}
