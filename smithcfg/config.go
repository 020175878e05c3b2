// Package smithcfg holds RuntimeConfig — every option spec.md §6
// "Configuration" names — and its YAML loader. Environment-variable
// overrides and secret resolution are out of scope (spec.md §1); the
// embedding application constructs a RuntimeConfig and hands it to the
// runtime as a value.
package smithcfg

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RuntimeConfig is the full set of recognized runtime options.
type RuntimeConfig struct {
	// RequireApproval gates dangerous=true tools on an external approval
	// callback when true.
	RequireApproval bool `yaml:"require_approval"`

	// MaxRetries is handed to the Orchestrator as its default retry budget
	// (orchestrator.WithDefaults). The Orchestrator runs every node with
	// the node's own `retry` value; a node that omits `retry` decodes to 0
	// and gets no retries, so this default is not applied to it.
	MaxRetries int `yaml:"max_retries"`

	// DefaultTimeout is the default per-node timeout when a node omits
	// `timeout`.
	DefaultTimeout time.Duration `yaml:"-"`
	DefaultTimeoutSeconds float64 `yaml:"default_timeout"`

	// MaxSubagentDepth bounds the sub-agent tree (spec.md §4.7).
	MaxSubagentDepth int `yaml:"max_subagent_depth"`

	// MaxFleetSize bounds peers in a fleet (spec.md §4.7).
	MaxFleetSize int `yaml:"max_fleet_size"`

	// MaxConcurrentTools bounds the Orchestrator's worker pool; 1 means
	// sequential fallback.
	MaxConcurrentTools int `yaml:"max_concurrent_tools"`

	// EnableRateLimiting is the Rate Limiter's master switch.
	EnableRateLimiting bool `yaml:"enable_rate_limiting"`

	// RateIntervals overrides default_rate_interval per tool name, in
	// seconds.
	RateIntervals map[string]float64 `yaml:"rate_intervals"`

	// MaxRepairAttempts bounds the Planner's repair loop (spec.md §4.5).
	MaxRepairAttempts int `yaml:"max_repair_attempts"`

	// RateLimiterBackend selects "memory" (default) or "redis" for the
	// Rate Limiter and Resource Lock Manager, per SPEC_FULL.md §6.2/§6.3.
	RateLimiterBackend string `yaml:"rate_limiter_backend"`
	RedisAddr          string `yaml:"redis_addr"`
}

// Default returns the configuration's sensible defaults, grounded on the
// teacher's DefaultAgentConfig/DefaultPlannerConfig pattern.
func Default() *RuntimeConfig {
	return &RuntimeConfig{
		RequireApproval:       false,
		MaxRetries:            2,
		DefaultTimeout:        30 * time.Second,
		DefaultTimeoutSeconds: 30,
		MaxSubagentDepth:      3,
		MaxFleetSize:          5,
		MaxConcurrentTools:    4,
		EnableRateLimiting:    true,
		RateIntervals:         map[string]float64{},
		MaxRepairAttempts:     3,
		RateLimiterBackend:    "memory",
	}
}

// Validate checks internal consistency. Mirrors the teacher's
// PlannerConfig.Validate shape: one clause per field, plain errors.
func (c *RuntimeConfig) Validate() error {
	if c.MaxRetries < 0 {
		return errors.New("max_retries must be >= 0")
	}
	if c.DefaultTimeoutSeconds <= 0 {
		return errors.New("default_timeout must be > 0")
	}
	if c.MaxSubagentDepth < 0 {
		return errors.New("max_subagent_depth must be >= 0")
	}
	if c.MaxFleetSize <= 0 {
		return errors.New("max_fleet_size must be > 0")
	}
	if c.MaxConcurrentTools <= 0 {
		return errors.New("max_concurrent_tools must be > 0")
	}
	if c.MaxRepairAttempts < 0 {
		return errors.New("max_repair_attempts must be >= 0")
	}
	switch c.RateLimiterBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("rate_limiter_backend must be memory or redis, got %q", c.RateLimiterBackend)
	}
	if c.RateLimiterBackend == "redis" && c.RedisAddr == "" {
		return errors.New("redis_addr is required when rate_limiter_backend is redis")
	}
	return nil
}

// Load reads a YAML file onto Default()'s values, then validates —
// grounded on the teacher's config_loader.go LoadAgentConfig pattern,
// without the environment-override step (out of scope here).
func Load(path string) (*RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}
	cfg.DefaultTimeout = time.Duration(cfg.DefaultTimeoutSeconds * float64(time.Second))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
