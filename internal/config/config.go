// Package config loads engine configuration from .specsync/config.yaml
// with environment overrides for the secrets and model names.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/specsync/specsync/internal/cost"
	"github.com/specsync/specsync/internal/types"
)

// StateDirName is the workspace state directory holding the config
// file, the session database, and the exclusive lock
const StateDirName = ".specsync"

// Config is the engine configuration
type Config struct {
	// SpecRoot is the spec corpus directory, relative to the workspace
	SpecRoot string `yaml:"spec_root"`

	// CodeRoot is the code artifact directory, relative to the workspace
	CodeRoot string `yaml:"code_root"`

	// ExclusionFile lists residue-exempt path globs, one per line
	ExclusionFile string `yaml:"exclusion_file"`

	// Workers bounds concurrent scope execution
	// Default: 3, Range: 1-16
	Workers int `yaml:"workers"`

	// ScopeAttempts bounds coder retries per scope before it fails
	// Default: 3, Range: 1-10
	ScopeAttempts int `yaml:"scope_attempts"`

	// ProportionThreshold flags code diffs above this many weighted
	// lines per spec line changed
	// Default: 50
	ProportionThreshold float64 `yaml:"proportion_threshold"`

	// ProportionFileWeight is the per-file term of the weighted diff
	// Default: 10
	ProportionFileWeight float64 `yaml:"proportion_file_weight"`

	// ResidueBlocking selects which residue hints flag a session:
	// none, suspect (everything but dead-code), or any
	// Default: suspect
	ResidueBlocking string `yaml:"residue_blocking"`

	// TrustFlagged permits committing a flagged session without an
	// explicit per-run override
	// Default: false
	TrustFlagged bool `yaml:"trust_flagged"`

	Oracle OracleConfig `yaml:"oracle"`

	// Budget caps oracle spend per session; zero values mean unlimited
	Budget cost.Config `yaml:"budget"`
}

// OracleConfig configures the model client
type OracleConfig struct {
	// Model overrides the default model; SPECSYNC_MODEL_DEFAULT wins
	Model string `yaml:"model"`

	// SimpleModel overrides the narrowing/hint model;
	// SPECSYNC_MODEL_SIMPLE wins
	SimpleModel string `yaml:"simple_model"`

	// MaxConcurrentCalls bounds in-flight oracle calls
	// Default: 3, Range: 1-10
	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`

	// RequestsPerSecond rate-limits outbound calls
	// Default: 2
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// MaxRetries bounds retry attempts per call
	// Default: 3, Range: 0-10
	MaxRetries int `yaml:"max_retries"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		SpecRoot:             "spec",
		CodeRoot:             ".",
		ExclusionFile:        filepath.Join(StateDirName, "exclusions"),
		Workers:              3,
		ScopeAttempts:        3,
		ProportionThreshold:  50,
		ProportionFileWeight: 10,
		ResidueBlocking:      string(types.ResidueBlockSuspect),
		Oracle: OracleConfig{
			MaxConcurrentCalls: 3,
			RequestsPerSecond:  2,
			MaxRetries:         3,
		},
	}
}

// Load reads .specsync/config.yaml under workspaceRoot, falling back
// to defaults when the file does not exist. Environment overrides
// apply either way.
func Load(workspaceRoot string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(workspaceRoot, StateDirName, "config.yaml")
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers environment overrides on top of the file
func applyEnv(cfg *Config) {
	if v := os.Getenv("SPECSYNC_MODEL_DEFAULT"); v != "" {
		cfg.Oracle.Model = v
	}
	if v := os.Getenv("SPECSYNC_MODEL_SIMPLE"); v != "" {
		cfg.Oracle.SimpleModel = v
	}
	if v := os.Getenv("SPECSYNC_SPEC_ROOT"); v != "" {
		cfg.SpecRoot = v
	}
	if v := os.Getenv("SPECSYNC_CODE_ROOT"); v != "" {
		cfg.CodeRoot = v
	}
}

// Validate checks if the configuration has valid values
func (c *Config) Validate() error {
	if c.SpecRoot == "" {
		return fmt.Errorf("spec_root is required")
	}
	if c.CodeRoot == "" {
		return fmt.Errorf("code_root is required")
	}
	if c.Workers < 1 || c.Workers > 16 {
		return fmt.Errorf("workers must be between 1 and 16 (got %d)", c.Workers)
	}
	if c.ScopeAttempts < 1 || c.ScopeAttempts > 10 {
		return fmt.Errorf("scope_attempts must be between 1 and 10 (got %d)", c.ScopeAttempts)
	}
	if c.ProportionThreshold <= 0 {
		return fmt.Errorf("proportion_threshold must be positive (got %g)", c.ProportionThreshold)
	}
	if c.ProportionFileWeight < 0 {
		return fmt.Errorf("proportion_file_weight cannot be negative (got %g)", c.ProportionFileWeight)
	}
	if !types.ResidueBlocking(c.ResidueBlocking).IsValid() {
		return fmt.Errorf("residue_blocking must be none, suspect, or any (got %q)", c.ResidueBlocking)
	}
	if c.Oracle.MaxConcurrentCalls < 1 || c.Oracle.MaxConcurrentCalls > 10 {
		return fmt.Errorf("oracle.max_concurrent_calls must be between 1 and 10 (got %d)",
			c.Oracle.MaxConcurrentCalls)
	}
	if c.Oracle.RequestsPerSecond <= 0 {
		return fmt.Errorf("oracle.requests_per_second must be positive (got %g)",
			c.Oracle.RequestsPerSecond)
	}
	if c.Oracle.MaxRetries < 0 || c.Oracle.MaxRetries > 10 {
		return fmt.Errorf("oracle.max_retries must be between 0 and 10 (got %d)",
			c.Oracle.MaxRetries)
	}
	if err := c.Budget.Validate(); err != nil {
		return fmt.Errorf("budget: %w", err)
	}
	return nil
}

// StateDir returns the workspace state directory path
func StateDir(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, StateDirName)
}

// DatabasePath returns the session database path
func DatabasePath(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, StateDirName, "specsync.db")
}

// WriteDefault writes a commented default config file, refusing to
// overwrite an existing one. Used by init.
func WriteDefault(workspaceRoot string) (string, error) {
	dir := StateDir(workspaceRoot)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%s already exists", path)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("failed to marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}
