// Package cost enforces a per-session oracle spend budget. The budget
// is advisory below the limit and hard above it: once exceeded, further
// oracle calls fail fast instead of burning tokens on a session that a
// human has not reviewed.
package cost

import (
	"fmt"
	"sync"
)

// Status is the current budget state
type Status int

const (
	Healthy  Status = iota // Under the warning threshold
	Warning                // Past the warning fraction of the limit
	Exceeded               // Limit reached; calls are refused
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "HEALTHY"
	case Warning:
		return "WARNING"
	case Exceeded:
		return "EXCEEDED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Config holds budget limits. Zero values mean unlimited.
type Config struct {
	// MaxTokens caps total tokens (input plus output) per session
	MaxTokens int64 `yaml:"max_tokens"`

	// MaxCalls caps total oracle calls per session
	MaxCalls int64 `yaml:"max_calls"`

	// WarnFraction of the limit at which Status turns Warning
	WarnFraction float64 `yaml:"warn_fraction"`
}

// Validate checks config ranges
func (c *Config) Validate() error {
	if c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be >= 0, got %d", c.MaxTokens)
	}
	if c.MaxCalls < 0 {
		return fmt.Errorf("max_calls must be >= 0, got %d", c.MaxCalls)
	}
	if c.WarnFraction < 0 || c.WarnFraction > 1 {
		return fmt.Errorf("warn_fraction must be in [0, 1], got %f", c.WarnFraction)
	}
	return nil
}

// Tracker accumulates oracle usage against the configured limits.
// Safe for concurrent use; scope workers all record through one
// tracker.
type Tracker struct {
	cfg Config

	mu     sync.Mutex
	tokens int64
	calls  int64
}

// NewTracker creates a tracker for one session
func NewTracker(cfg Config) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid budget config: %w", err)
	}
	if cfg.WarnFraction == 0 {
		cfg.WarnFraction = 0.8
	}
	return &Tracker{cfg: cfg}, nil
}

// Record adds one call's usage
func (t *Tracker) Record(inputTokens, outputTokens int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens += inputTokens + outputTokens
	t.calls++
}

// Status returns the current budget state
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked()
}

func (t *Tracker) statusLocked() Status {
	s := Healthy
	if t.cfg.MaxTokens > 0 {
		switch {
		case t.tokens >= t.cfg.MaxTokens:
			return Exceeded
		case float64(t.tokens) >= t.cfg.WarnFraction*float64(t.cfg.MaxTokens):
			s = Warning
		}
	}
	if t.cfg.MaxCalls > 0 {
		switch {
		case t.calls >= t.cfg.MaxCalls:
			return Exceeded
		case float64(t.calls) >= t.cfg.WarnFraction*float64(t.cfg.MaxCalls):
			s = Warning
		}
	}
	return s
}

// CanProceed reports whether another oracle call fits the budget
func (t *Tracker) CanProceed() bool {
	return t.Status() != Exceeded
}

// Usage returns tokens and calls consumed so far
func (t *Tracker) Usage() (tokens, calls int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tokens, t.calls
}
