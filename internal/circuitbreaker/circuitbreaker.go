// Package circuitbreaker stops delivery workers from hammering a provider
// that is already failing.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-relay/internal/metrics"
)

// State of a breaker.
//
//	Closed -> Open:      consecutive failures reach MaxFailures
//	Open -> HalfOpen:    RecoveryTimeout has passed since the last failure
//	HalfOpen -> Closed:  a probe succeeds
//	HalfOpen -> Open:    a probe fails
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while a breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a CircuitBreaker.
type Config struct {
	// Name identifies the provider, e.g. "ses" or "whatsapp".
	Name string

	MaxFailures         int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int
}

// DefaultConfig returns the thresholds used for every provider.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker tracks consecutive provider failures. Its state is
// exported as the relay_circuit_state gauge.
type CircuitBreaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state            State
	failures         int
	lastFailure      time.Time
	halfOpenRequests int
	rejected         int64
}

// New creates a closed breaker.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}

	metrics.SetCircuitState(cfg.Name, int(StateClosed))

	return &CircuitBreaker{
		config: cfg,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
}

// Allow reports whether a call may go through now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if cb.now().Sub(cb.lastFailure) >= cb.config.RecoveryTimeout {
			cb.transitionTo(StateHalfOpen)
			cb.halfOpenRequests = 1
			cb.logger.Info("circuit breaker allowing probe",
				zap.String("name", cb.config.Name),
			)
			return true
		}

	case StateHalfOpen:
		if cb.halfOpenRequests < cb.config.HalfOpenMaxRequests {
			cb.halfOpenRequests++
			return true
		}
	}

	cb.rejected++
	return false
}

// RecordSuccess resets the failure count and closes a half-open breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.transitionTo(StateClosed)
		cb.logger.Info("circuit breaker closed, provider recovered",
			zap.String("name", cb.config.Name),
		)
	}
}

// RecordFailure counts a failure and opens the breaker when the threshold
// is reached or a probe fails.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.transitionTo(StateOpen)
			cb.logger.Warn("circuit breaker opened",
				zap.String("name", cb.config.Name),
				zap.Int("failures", cb.failures),
				zap.Int("threshold", cb.config.MaxFailures),
			)
		}

	case StateHalfOpen:
		cb.transitionTo(StateOpen)
		cb.logger.Warn("circuit breaker re-opened, probe failed",
			zap.String("name", cb.config.Name),
		)
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Rejected returns how many calls were refused so far.
func (cb *CircuitBreaker) Rejected() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.rejected
}

// Name returns the provider name.
func (cb *CircuitBreaker) Name() string { return cb.config.Name }

// must hold cb.mu
func (cb *CircuitBreaker) transitionTo(next State) {
	if cb.state == next {
		return
	}

	prev := cb.state
	cb.state = next
	cb.halfOpenRequests = 0
	metrics.SetCircuitState(cb.config.Name, int(next))

	cb.logger.Debug("circuit breaker state transition",
		zap.String("name", cb.config.Name),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	)
}

func (cb *CircuitBreaker) String() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return fmt.Sprintf("CircuitBreaker[%s] state=%s failures=%d/%d",
		cb.config.Name, cb.state, cb.failures, cb.config.MaxFailures)
}
