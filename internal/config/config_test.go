package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, ModeMonitor, cfg.Mode)
	assert.Equal(t, StoreInMemory, cfg.Store.Type)
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"ACTIVE", ModeActive},
		{"active", ModeActive},
		{" Active ", ModeActive},
		{"MONITOR", ModeMonitor},
		{"garbage", ModeMonitor},
		{"", ModeMonitor},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseMode(tt.in), "ParseMode(%q)", tt.in)
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/path/sentinai.yaml")
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, ModeMonitor, cfg.Mode)
}

func TestLoad_OptionsOverrideDefaults(t *testing.T) {
	cfg, err := Load("", WithMode(ModeActive), WithEnabled(false))
	require.NoError(t, err)
	assert.Equal(t, ModeActive, cfg.Mode)
	assert.False(t, cfg.Enabled)
}

func TestLoad_EnvOverridesDefaultsButNotOptions(t *testing.T) {
	t.Setenv("SENTINAI_MODE", "ACTIVE")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ModeActive, cfg.Mode)

	cfg2, err := Load("", WithMode(ModeMonitor))
	require.NoError(t, err)
	assert.Equal(t, ModeMonitor, cfg2.Mode, "a functional option must win over the environment")
}

func TestLoad_RejectsDistributedStoreWithoutURL(t *testing.T) {
	_, err := Load("", WithStore(StoreConfig{Type: StoreDistributed}))
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
}

func TestLoad_YAMLFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "sentinai-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString("enabled: true\nmode: ACTIVE\nexclude_paths:\n  - /healthz\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg, err := Load(f.Name())
	require.NoError(t, err)
	assert.Equal(t, ModeActive, cfg.Mode)
	assert.True(t, cfg.IsExcluded("/healthz"))
}

func TestIsExcluded(t *testing.T) {
	cfg := Default()
	cfg.ExcludePaths = []string{"/healthz", "/static/**"}

	assert.True(t, cfg.IsExcluded("/healthz"))
	assert.True(t, cfg.IsExcluded("/static/app.js"))
	assert.False(t, cfg.IsExcluded("/staticfoo"))
	assert.False(t, cfg.IsExcluded("/api/orders"))
}

func TestModuleEnabled_DefaultsToTrueWhenUnconfigured(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.ModuleEnabled("unknown-module"))
}

func TestModuleEnabled_RespectsExplicitFlag(t *testing.T) {
	cfg := Default()
	cfg.Modules = map[string]ModuleConfig{"query-shield": {Enabled: false}}
	assert.False(t, cfg.ModuleEnabled("query-shield"))
}

func TestModuleConfigured(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.ModuleConfigured("cost-protection"))

	cfg.Modules = map[string]ModuleConfig{"cost-protection": {Enabled: true}}
	assert.True(t, cfg.ModuleConfigured("cost-protection"))
}

func TestModuleOptionInt(t *testing.T) {
	cfg := Default()
	cfg.Modules = map[string]ModuleConfig{
		"m": {Config: map[string]interface{}{
			"from-float":  float64(42),
			"from-string": "7",
		}},
	}
	assert.Equal(t, 42, cfg.ModuleOptionInt("m", "from-float", 1))
	assert.Equal(t, 7, cfg.ModuleOptionInt("m", "from-string", 1))
	assert.Equal(t, 99, cfg.ModuleOptionInt("m", "missing", 99))
}

func TestModuleOptionFloat(t *testing.T) {
	cfg := Default()
	cfg.Modules = map[string]ModuleConfig{
		"m": {Config: map[string]interface{}{"cost": 0.003}},
	}
	assert.InDelta(t, 0.003, cfg.ModuleOptionFloat("m", "cost", 1), 1e-9)
	assert.InDelta(t, 1.5, cfg.ModuleOptionFloat("m", "missing", 1.5), 1e-9)
}
