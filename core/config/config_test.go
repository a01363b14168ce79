package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Defaults
// ============================================================================

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestDefault_ThresholdOrdering(t *testing.T) {
	cfg := Default()

	assert.Less(t, cfg.Simulation.LogicThreshold, cfg.Simulation.ChaosThreshold)
	assert.GreaterOrEqual(t, cfg.Simulation.SafetyCeiling, cfg.Simulation.ChaosThreshold)
	assert.LessOrEqual(t, cfg.LLM.LogicTemperature, cfg.LLM.ChaosTemperature)
}

// ============================================================================
// Validate
// ============================================================================

func TestValidate_FillsZeroValues(t *testing.T) {
	cfg := Default()
	cfg.Entropy.BitLength = 0
	cfg.Runtime.MaxRetries = 0
	cfg.Runtime.StageTimeout = 0
	cfg.Memory.MaxLessons = 0
	cfg.Server.Addr = ""

	require.NoError(t, cfg.Validate())

	assert.Equal(t, 16, cfg.Entropy.BitLength)
	assert.Equal(t, 3, cfg.Runtime.MaxRetries)
	assert.Equal(t, 120*time.Second, cfg.Runtime.StageTimeout)
	assert.Equal(t, 5, cfg.Memory.MaxLessons)
	assert.Equal(t, ":8420", cfg.Server.Addr)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bias above one",
			mutate:  func(c *Config) { c.Entropy.Bias = 1.5 },
			wantErr: "entropy.bias",
		},
		{
			name:    "bias negative",
			mutate:  func(c *Config) { c.Entropy.Bias = -0.1 },
			wantErr: "entropy.bias",
		},
		{
			name:    "chaos threshold above one",
			mutate:  func(c *Config) { c.Entropy.ChaosThreshold = 1.1 },
			wantErr: "entropy.chaos_threshold",
		},
		{
			name:    "logic threshold zero",
			mutate:  func(c *Config) { c.Simulation.LogicThreshold = 0 },
			wantErr: "must be in (0,1]",
		},
		{
			name: "logic at or above chaos",
			mutate: func(c *Config) {
				c.Simulation.LogicThreshold = 0.65
				c.Simulation.ChaosThreshold = 0.65
			},
			wantErr: "must be below chaos_threshold",
		},
		{
			name: "ceiling below chaos threshold",
			mutate: func(c *Config) {
				c.Simulation.SafetyCeiling = 0.5
			},
			wantErr: "safety_ceiling",
		},
		{
			name:    "negative lesson penalty",
			mutate:  func(c *Config) { c.Simulation.LessonPenalty = -0.1 },
			wantErr: "penalties must be non-negative",
		},
		{
			name: "logic temperature above chaos",
			mutate: func(c *Config) {
				c.LLM.LogicTemperature = 1.0
				c.LLM.ChaosTemperature = 0.5
			},
			wantErr: "logic_temperature",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// ============================================================================
// LoadFile
// ============================================================================

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadFile_OverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
entropy:
  bit_length: 32
  chaos_threshold: 0.6
simulation:
  logic_threshold: 0.3
llm:
  model: llama3.1:8b
server:
  addr: ":9000"
log_level: debug
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	// Overridden keys.
	assert.Equal(t, 32, cfg.Entropy.BitLength)
	assert.Equal(t, 0.6, cfg.Entropy.ChaosThreshold)
	assert.Equal(t, 0.3, cfg.Simulation.LogicThreshold)
	assert.Equal(t, "llama3.1:8b", cfg.LLM.Model)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.LogLevel)

	// Untouched keys keep their defaults.
	assert.Equal(t, 0.65, cfg.Simulation.ChaosThreshold)
	assert.Equal(t, 0.8, cfg.Simulation.SafetyCeiling)
	assert.Equal(t, "http://localhost:11434", cfg.LLM.Host)
	assert.Equal(t, 3, cfg.Runtime.MaxRetries)
}

func TestLoadFile_ValidatesResult(t *testing.T) {
	path := writeConfigFile(t, `
simulation:
  logic_threshold: 0.9
`)

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logic_threshold")
}

func TestLoadFile_MissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestLoadFile_MalformedYAML(t *testing.T) {
	path := writeConfigFile(t, "entropy: [not a mapping")
	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}
