// Package config holds engine configuration: entropy calibration, risk
// thresholds, retry and timeout bounds, and collaborator endpoints.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EntropyConfig calibrates the decision-bit source and the mode selector.
type EntropyConfig struct {
	// BitLength is the number of bits per draw.
	BitLength int `yaml:"bit_length" json:"bit_length"`
	// Bias is the per-bit probability of being set. 0.5 is unbiased.
	Bias float64 `yaml:"bias" json:"bias"`
	// ChaosThreshold is the set-bit fraction at or above which a draw
	// selects Chaos mode.
	ChaosThreshold float64 `yaml:"chaos_threshold" json:"chaos_threshold"`
	// Seed, when non-zero, switches to a deterministic PRNG source.
	// Intended for replay and offline tuning only.
	Seed uint64 `yaml:"seed,omitempty" json:"seed,omitempty"`
}

// SimulationConfig sets the risk-scoring formula parameters. The ordering
// relationships matter more than the exact values: Chaos must be more
// permissive than Logic, and the safety ceiling binds both.
type SimulationConfig struct {
	// LogicThreshold is the maximum risk score accepted in Logic mode.
	LogicThreshold float64 `yaml:"logic_threshold" json:"logic_threshold"`
	// ChaosThreshold is the maximum risk score accepted in Chaos mode.
	// Must exceed LogicThreshold.
	ChaosThreshold float64 `yaml:"chaos_threshold" json:"chaos_threshold"`
	// SafetyCeiling is the absolute ceiling for irreversible actions,
	// applied before mode thresholds and not mode-tunable.
	SafetyCeiling float64 `yaml:"safety_ceiling" json:"safety_ceiling"`
	// IrreversiblePenalty is added to the base risk score of any action
	// flagged irreversible.
	IrreversiblePenalty float64 `yaml:"irreversible_penalty" json:"irreversible_penalty"`
	// LessonPenalty is added per matching retrieved lesson.
	LessonPenalty float64 `yaml:"lesson_penalty" json:"lesson_penalty"`
	// LessonPenaltyCap bounds the total lesson contribution.
	LessonPenaltyCap float64 `yaml:"lesson_penalty_cap" json:"lesson_penalty_cap"`
}

// RuntimeConfig bounds a run's execution.
type RuntimeConfig struct {
	// MaxRetries is the shared retry ceiling across simulation
	// rejections and critic failures.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// StageTimeout bounds each stage's wall-clock execution.
	StageTimeout time.Duration `yaml:"stage_timeout" json:"stage_timeout"`
	// MaxConcurrentRuns bounds in-flight runs. Zero means unbounded.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs" json:"max_concurrent_runs"`
}

// LLMConfig points at the Ollama backend.
type LLMConfig struct {
	Host  string `yaml:"host" json:"host"`
	Model string `yaml:"model" json:"model"`
	// LogicTemperature and ChaosTemperature are generation temperatures
	// per behavioral mode. Chaos should exceed Logic.
	LogicTemperature float64       `yaml:"logic_temperature" json:"logic_temperature"`
	ChaosTemperature float64       `yaml:"chaos_temperature" json:"chaos_temperature"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
}

// MemoryConfig configures the lesson store.
type MemoryConfig struct {
	// Path is the SQLite database file. ":memory:" keeps lessons
	// in-process (tests).
	Path string `yaml:"path" json:"path"`
	// MaxLessons bounds how many lessons a retrieval returns.
	MaxLessons int `yaml:"max_lessons" json:"max_lessons"`
	// MinOverlap is the minimum token-overlap score for a lesson to be
	// considered relevant.
	MinOverlap float64 `yaml:"min_overlap" json:"min_overlap"`
}

// SearchConfig configures the knowledge collaborator.
type SearchConfig struct {
	Endpoint   string        `yaml:"endpoint" json:"endpoint"`
	MaxResults int           `yaml:"max_results" json:"max_results"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr" json:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Endpoint    string `yaml:"endpoint" json:"endpoint"`
	ServiceName string `yaml:"service_name" json:"service_name"`
}

// Config is the full engine configuration.
type Config struct {
	Entropy    EntropyConfig    `yaml:"entropy" json:"entropy"`
	Simulation SimulationConfig `yaml:"simulation" json:"simulation"`
	Runtime    RuntimeConfig    `yaml:"runtime" json:"runtime"`
	LLM        LLMConfig        `yaml:"llm" json:"llm"`
	Memory     MemoryConfig     `yaml:"memory" json:"memory"`
	Search     SearchConfig     `yaml:"search" json:"search"`
	Server     ServerConfig     `yaml:"server" json:"server"`
	Tracing    TracingConfig    `yaml:"tracing" json:"tracing"`
	LogLevel   string           `yaml:"log_level" json:"log_level"`
}

// Default returns the engine defaults. The numeric risk constants satisfy
// the required orderings: logic < chaos thresholds, ceiling above both.
func Default() *Config {
	return &Config{
		Entropy: EntropyConfig{
			BitLength:      16,
			Bias:           0.5,
			ChaosThreshold: 0.5,
		},
		Simulation: SimulationConfig{
			LogicThreshold:      0.35,
			ChaosThreshold:      0.65,
			SafetyCeiling:       0.8,
			IrreversiblePenalty: 0.25,
			LessonPenalty:       0.15,
			LessonPenaltyCap:    0.3,
		},
		Runtime: RuntimeConfig{
			MaxRetries:        3,
			StageTimeout:      120 * time.Second,
			MaxConcurrentRuns: 32,
		},
		LLM: LLMConfig{
			Host:             "http://localhost:11434",
			Model:            "qwen2.5:7b",
			LogicTemperature: 0.2,
			ChaosTemperature: 0.9,
			Timeout:          90 * time.Second,
		},
		Memory: MemoryConfig{
			Path:       "fusionbrain.db",
			MaxLessons: 5,
			MinOverlap: 0.2,
		},
		Search: SearchConfig{
			MaxResults: 5,
			Timeout:    15 * time.Second,
		},
		Server: ServerConfig{
			Addr:            ":8420",
			ShutdownTimeout: 10 * time.Second,
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "fusionbrain",
		},
		LogLevel: "info",
	}
}

// Validate checks internal consistency. Zero values that have sensible
// defaults are filled in rather than rejected.
func (c *Config) Validate() error {
	if c.Entropy.BitLength <= 0 {
		c.Entropy.BitLength = 16
	}
	if c.Entropy.Bias < 0 || c.Entropy.Bias > 1 {
		return fmt.Errorf("entropy.bias must be in [0,1], got %v", c.Entropy.Bias)
	}
	if c.Entropy.ChaosThreshold < 0 || c.Entropy.ChaosThreshold > 1 {
		return fmt.Errorf("entropy.chaos_threshold must be in [0,1], got %v", c.Entropy.ChaosThreshold)
	}

	s := &c.Simulation
	for name, v := range map[string]float64{
		"simulation.logic_threshold": s.LogicThreshold,
		"simulation.chaos_threshold": s.ChaosThreshold,
		"simulation.safety_ceiling":  s.SafetyCeiling,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%s must be in (0,1], got %v", name, v)
		}
	}
	if s.LogicThreshold >= s.ChaosThreshold {
		return fmt.Errorf("simulation.logic_threshold (%v) must be below chaos_threshold (%v)", s.LogicThreshold, s.ChaosThreshold)
	}
	if s.SafetyCeiling < s.ChaosThreshold {
		return fmt.Errorf("simulation.safety_ceiling (%v) must be at or above chaos_threshold (%v)", s.SafetyCeiling, s.ChaosThreshold)
	}
	if s.IrreversiblePenalty < 0 || s.LessonPenalty < 0 || s.LessonPenaltyCap < 0 {
		return fmt.Errorf("simulation penalties must be non-negative")
	}

	if c.Runtime.MaxRetries <= 0 {
		c.Runtime.MaxRetries = 3
	}
	if c.Runtime.StageTimeout <= 0 {
		c.Runtime.StageTimeout = 120 * time.Second
	}
	if c.LLM.LogicTemperature > c.LLM.ChaosTemperature {
		return fmt.Errorf("llm.logic_temperature (%v) must not exceed chaos_temperature (%v)", c.LLM.LogicTemperature, c.LLM.ChaosTemperature)
	}
	if c.Memory.MaxLessons <= 0 {
		c.Memory.MaxLessons = 5
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8420"
	}
	return nil
}

// LoadFile reads a YAML config file over the defaults. Missing keys keep
// their default values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
