package bss

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, 200, cfg.TotalRuns())
}

func TestLoadConfig_YAML(t *testing.T) {
	path := writeConfig(t, `
nComponents: 7
nBootstrappedRuns: 50
nPlainRuns: 10
clusterMinSize: 20
allPairs: true
seed: 42
labelRules:
  - label: topography
    signal: dem
    minAbsCorrelation: 0.8
mqtt:
  broker: tcp://localhost:1883
  publishPrefix: insar
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.NComponents)
	assert.Equal(t, 60, cfg.TotalRuns())
	assert.Equal(t, 20, cfg.ClusterMinSize)
	assert.True(t, cfg.AllPairs)
	assert.Equal(t, int64(42), cfg.Seed)
	assert.Equal(t, 30.0, cfg.EmbeddingPerplexity, "unset keys keep defaults")
	assert.Equal(t, SentinelWavelength, cfg.Wavelength)
	require.Len(t, cfg.LabelRules, 1)
	assert.Equal(t, SignalDEM, cfg.LabelRules[0].Signal)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, "insar", cfg.MQTT.PublishPrefix)
	assert.Equal(t, "icasar", cfg.MQTT.ClientID)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "nComponents: 7\n")
	t.Setenv("ICASAR_NCOMPONENTS", "4")
	t.Setenv("ICASAR_MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("ICASAR_CACHEPREVIOUSRUNS", "true")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.NComponents)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.True(t, cfg.CachePreviousRuns)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "config file not found")

	_, err = LoadConfig(writeConfig(t, "nComponents: [1"))
	assert.ErrorContains(t, err, "parsing config YAML")

	_, err = LoadConfig(writeConfig(t, "nComponents: 0\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	t.Setenv("ICASAR_NCOMPONENTS", "five")
	_, err = LoadConfig("")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		msg     string
	}{
		{"defaults", func(*Config) {}, false, ""},
		{"no runs", func(c *Config) { c.NBootstrappedRuns, c.NPlainRuns = 0, 0 }, true, "at least 1"},
		{"min size above pool", func(c *Config) { c.NBootstrappedRuns, c.ClusterMinSize = 2, 11 }, true, "exceeds"},
		{"min size one", func(c *Config) { c.ClusterMinSize = 1 }, true, "ClusterMinSize"},
		{"exaggeration", func(c *Config) { c.EmbeddingExaggeration = 0.5 }, true, "EmbeddingExaggeration"},
		{"negative tolerance", func(c *Config) { c.ICATolerance = -1 }, true, "ICATolerance"},
		{"bad rule", func(c *Config) {
			c.LabelRules = []LabelRule{{Label: "x", Signal: "slope", MinAbsCorrelation: 0.5}}
		}, true, "Signal"},
		{"plain only", func(c *Config) { c.NBootstrappedRuns, c.NPlainRuns = 0, 30 }, false, ""},
		{"allPairs and cumulative", func(c *Config) { c.AllPairs, c.Cumulative = true, true }, true, "mutually exclusive"},
		{"zero wavelength", func(c *Config) { c.Wavelength = 0 }, true, "Wavelength"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := ValidateConfig(cfg)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.ErrorContains(t, err, tt.msg)
		})
	}

	assert.ErrorIs(t, ValidateConfig(nil), ErrInvalidConfig)
}

func TestSaveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.yaml")
	cfg := DefaultConfig()
	cfg.NComponents = 3
	cfg.LabelRules = []LabelRule{{Label: "deformation", Signal: SignalBaseline, MinAbsCorrelation: 0.7}}
	require.NoError(t, SaveConfig(path, cfg))

	back, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}
