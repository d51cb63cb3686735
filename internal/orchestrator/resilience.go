package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/agentpipe/internal/pipeline"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 2min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// BreakerConfig configures the per-agent circuit breakers.
type BreakerConfig struct {
	MaxRequests         uint32        // Probe requests allowed while half-open (default 3)
	OpenTimeout         time.Duration // Time spent open before probing (default 30s)
	ConsecutiveFailures uint32        // Failures that trip the breaker (default 5)
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         3,
		OpenTimeout:         30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// CircuitBreakerRegistry manages one circuit breaker per agent key.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	logger   *slog.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewCircuitBreakerRegistry creates a registry. Zero fields in cfg take the
// defaults.
func NewCircuitBreakerRegistry(cfg BreakerConfig, logger *slog.Logger) *CircuitBreakerRegistry {
	def := DefaultBreakerConfig()
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreakerRegistry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for agentKey, creating it on first use.
func (r *CircuitBreakerRegistry) Get(agentKey string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[agentKey]; ok {
		return cb
	}

	threshold := r.cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agentKey,
		MaxRequests: r.cfg.MaxRequests,
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change", "agent_key", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Cancellation and deadlines are the caller's doing, not the agent's.
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return false
		},
	})

	r.breakers[agentKey] = cb
	return cb
}

// ResilientExecutor wraps an AgentExecutor with retries and a circuit
// breaker per agent key.
type ResilientExecutor struct {
	next     pipeline.AgentExecutor
	breakers *CircuitBreakerRegistry
	retry    RetryConfig
	logger   *slog.Logger
}

// NewResilientExecutor wraps next. A nil registry gets a default one and
// zero retry fields take the defaults.
func NewResilientExecutor(next pipeline.AgentExecutor, retry RetryConfig, breakers *CircuitBreakerRegistry, logger *slog.Logger) *ResilientExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if breakers == nil {
		breakers = NewCircuitBreakerRegistry(BreakerConfig{}, logger)
	}
	def := DefaultRetryConfig()
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = def.InitialInterval
	}
	if retry.MaxInterval <= 0 {
		retry.MaxInterval = def.MaxInterval
	}
	if retry.MaxElapsedTime <= 0 {
		retry.MaxElapsedTime = def.MaxElapsedTime
	}
	if retry.Multiplier <= 0 {
		retry.Multiplier = def.Multiplier
	}
	return &ResilientExecutor{next: next, breakers: breakers, retry: retry, logger: logger}
}

// Execute implements pipeline.AgentExecutor.
func (r *ResilientExecutor) Execute(ctx context.Context, agentKey string, inputs map[string]any, timeout time.Duration) (map[string]any, error) {
	return executeWithRetry(ctx, r.next, agentKey, inputs, timeout, r.breakers.Get(agentKey), r.retry, r.logger)
}

// executeWithRetry calls the agent with exponential backoff retry and circuit breaker protection.
func executeWithRetry(ctx context.Context, exec pipeline.AgentExecutor, agentKey string, inputs map[string]any, timeout time.Duration, cb *gobreaker.CircuitBreaker, retryCfg RetryConfig, logger *slog.Logger) (map[string]any, error) {
	var out map[string]any
	attempt := 0

	operation := func() error {
		// Check context first - fail fast if cancelled
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		attempt++

		result, err := cb.Execute(func() (interface{}, error) {
			return exec.Execute(ctx, agentKey, inputs, timeout)
		})

		if err != nil {
			// Circuit is open - don't retry
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			// Cancellation or a deadline - retrying cannot help
			if ctx.Err() != nil || pipeline.IsTimeoutError(err) ||
				errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return backoff.Permanent(err)
			}
			logger.Debug("agent call failed, retrying", "agent_key", agentKey, "attempt", attempt, "error", err)
			return err
		}

		out, _ = result.(map[string]any)
		return nil
	}

	backoffPolicy := backoff.NewExponentialBackOff()
	backoffPolicy.InitialInterval = retryCfg.InitialInterval
	backoffPolicy.MaxInterval = retryCfg.MaxInterval
	backoffPolicy.MaxElapsedTime = retryCfg.MaxElapsedTime
	backoffPolicy.Multiplier = retryCfg.Multiplier
	backoffPolicy.RandomizationFactor = retryCfg.RandomizationFactor

	// Wrap with context to respect cancellation
	backoffWithContext := backoff.WithContext(backoffPolicy, ctx)

	err := backoff.Retry(operation, backoffWithContext)
	return out, err
}
