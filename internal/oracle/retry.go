package oracle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// RetryConfig bounds retries and backoff for oracle API calls.
// Thresholds are policy decisions, so everything here is exposed as
// configuration rather than hardcoded at call sites.
type RetryConfig struct {
	MaxRetries        int           // Maximum retries after the first attempt (default: 3)
	InitialBackoff    time.Duration // First backoff sleep (default: 1s)
	MaxBackoff        time.Duration // Backoff ceiling (default: 30s)
	BackoffMultiplier float64       // Exponential growth factor (default: 2.0)
	Timeout           time.Duration // Per-attempt timeout (default: 120s)

	// Circuit breaker settings
	CircuitBreakerEnabled bool
	FailureThreshold      int           // Failures before opening (default: 5)
	SuccessThreshold      int           // Half-open successes before closing (default: 2)
	OpenTimeout           time.Duration // Open duration before probing (default: 30s)

	// Concurrency and rate limits
	MaxConcurrentCalls int     // 0 = unlimited (default: 3)
	RequestsPerSecond  float64 // 0 = unlimited (default: 2)
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:            3,
		InitialBackoff:        1 * time.Second,
		MaxBackoff:            30 * time.Second,
		BackoffMultiplier:     2.0,
		Timeout:               120 * time.Second,
		CircuitBreakerEnabled: true,
		FailureThreshold:      5,
		SuccessThreshold:      2,
		OpenTimeout:           30 * time.Second,
		MaxConcurrentCalls:    3,
		RequestsPerSecond:     2,
	}
}

// BreakerState is the state of the oracle circuit breaker
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Normal operation
	BreakerOpen                         // Failing fast
	BreakerHalfOpen                     // Probing for recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrBreakerOpen is returned when the breaker blocks a call
var ErrBreakerOpen = errors.New("oracle circuit breaker is open")

// breaker prevents cascades of doomed oracle calls once the API is
// visibly unhealthy
type breaker struct {
	mu sync.Mutex

	state            BreakerState
	failures         int
	successes        int
	lastFailure      time.Time
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
}

func newBreaker(cfg RetryConfig) *breaker {
	return &breaker{
		state:            BreakerClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		openTimeout:      cfg.OpenTimeout,
	}
}

// allow reports whether a call may proceed, transitioning open →
// half-open once the open timeout has elapsed
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return nil
	case BreakerOpen:
		if time.Since(b.lastFailure) > b.openTimeout {
			b.state = BreakerHalfOpen
			b.successes = 0
			return nil
		}
		return ErrBreakerOpen
	default:
		return ErrBreakerOpen
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.state = BreakerOpen
			fmt.Fprintf(os.Stderr, "warning: oracle circuit breaker opened after %d failures (reopen in %v)\n",
				b.failures, b.openTimeout)
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
	}
}

// State returns the current breaker state (for monitoring and tests)
func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// withRetry runs fn with bounded retries, exponential backoff, and
// breaker accounting. Transient oracle errors are retried internally
// up to the hard bound; whatever remains is returned to the caller to
// surface verbatim.
func (c *Client) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("failed to acquire oracle slot for %s: %w", op, err)
		}
		defer c.sem.Release(1)
	}

	var lastErr error
	backoff := c.retry.InitialBackoff

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if c.breaker != nil {
			if err := c.breaker.allow(); err != nil {
				return fmt.Errorf("%s blocked: %w", op, err)
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%s failed waiting for rate limiter: %w", op, err)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.retry.Timeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			if c.breaker != nil {
				c.breaker.recordSuccess()
			}
			if attempt > 0 {
				fmt.Printf("oracle %s succeeded after %d retries\n", op, attempt)
			}
			return nil
		}
		lastErr = err

		if !isRetriable(err) {
			return err
		}
		if c.breaker != nil {
			c.breaker.recordFailure()
		}
		if attempt == c.retry.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s failed: %w", op, ctx.Err())
		}

		fmt.Printf("oracle %s failed (attempt %d/%d), retrying in %v: %v\n",
			op, attempt+1, c.retry.MaxRetries+1, backoff, err)

		select {
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * c.retry.BackoffMultiplier)
			if backoff > c.retry.MaxBackoff {
				backoff = c.retry.MaxBackoff
			}
		case <-ctx.Done():
			return fmt.Errorf("%s failed during backoff: %w", op, ctx.Err())
		}
	}

	return fmt.Errorf("%s: %w: %w", op, ErrRetriesExhausted, lastErr)
}

// isRetriable classifies transient API errors. Rate limits, server
// errors, and network failures retry; auth and bad-request errors do
// not.
func isRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := err.Error()
	for _, s := range []string{"429", "rate limit", "500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable",
		"gateway timeout", "connection refused", "connection reset",
		"timeout", "temporary failure"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	for _, s := range []string{"400", "401", "403", "404"} {
		if strings.Contains(msg, s) {
			return false
		}
	}
	return false
}
