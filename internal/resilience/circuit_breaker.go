package resilience

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/casebook-app/migrate/internal/errors"
	"github.com/casebook-app/migrate/internal/logger"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// StateClosed means calls flow normally.
	StateClosed CircuitState = iota
	// StateHalfOpen means a limited number of probe calls are allowed.
	StateHalfOpen
	// StateOpen means calls are rejected until the cooldown elapses.
	StateOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned when the breaker rejects a call.
	ErrCircuitOpen = errors.Newf("circuit breaker is open").
			Component("resilience").
			Category(errors.CategoryLimit).
			Build()
	// ErrTooManyProbes is returned when the half-open probe budget is used up.
	ErrTooManyProbes = errors.Newf("circuit breaker is half-open, too many requests").
				Component("resilience").
				Category(errors.CategoryLimit).
				Build()
)

// BreakerConfig holds configuration for a circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening.
	MaxFailures int
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// HalfOpenMaxRequests is the probe budget while half-open.
	HalfOpenMaxRequests int
	// IsFailure reports whether err says the dependency is unhealthy. Other
	// errors count as an answer and reset the failure streak. Nil means
	// IsDependencyFailure.
	IsFailure func(error) bool
}

// DefaultBreakerConfig returns default circuit breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:         5,
		Cooldown:            30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// statusCoder is implemented by errors carrying an HTTP response status.
type statusCoder interface {
	HTTPStatus() int
}

// IsDependencyFailure treats network errors, timeouts, 5xx, 408 and 429 as
// failures. Other HTTP answers, validation errors and caller cancellation
// are not.
func IsDependencyFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.IsValidation(err) {
		return false
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		return status >= http.StatusInternalServerError ||
			status == http.StatusRequestTimeout ||
			status == http.StatusTooManyRequests
	}
	return true
}

// Validate checks if the circuit breaker configuration is valid.
func (c BreakerConfig) Validate() error {
	if c.MaxFailures < 1 {
		return fmt.Errorf("max failures must be at least 1, got %d", c.MaxFailures)
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("cooldown must be positive, got %v", c.Cooldown)
	}
	if c.HalfOpenMaxRequests < 1 {
		return fmt.Errorf("half-open max requests must be at least 1, got %d", c.HalfOpenMaxRequests)
	}
	return nil
}

// CircuitBreaker guards one external dependency. It opens after
// MaxFailures consecutive failures and lets a probe through once the
// cooldown has elapsed.
type CircuitBreaker struct {
	name            string
	config          BreakerConfig
	state           CircuitState
	failures        int
	lastStateChange time.Time
	halfOpenCalls   int
	now             func() time.Time
	log             logger.Logger
	onStateChange   func(name string, from, to CircuitState)
	mu              sync.Mutex
}

// BreakerOption customizes a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithLogger sets the logger used for state transitions.
func WithLogger(log logger.Logger) BreakerOption {
	return func(cb *CircuitBreaker) { cb.log = log }
}

// WithStateChangeHook registers a callback invoked on every transition.
func WithStateChangeHook(fn func(name string, from, to CircuitState)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onStateChange = fn }
}

// NewCircuitBreaker creates a breaker for the named dependency. An invalid
// config falls back to DefaultBreakerConfig.
func NewCircuitBreaker(name string, config BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
		now:    time.Now,
		log:    logger.NewDiscardLogger(),
	}
	for _, opt := range opts {
		opt(cb)
	}
	if err := config.Validate(); err != nil {
		cb.log.Warn("invalid circuit breaker config, using defaults",
			logger.String("breaker", name), logger.Error(err))
		isFailure := config.IsFailure
		cb.config = DefaultBreakerConfig()
		cb.config.IsFailure = isFailure
	}
	if cb.config.IsFailure == nil {
		cb.config.IsFailure = IsDependencyFailure
	}
	cb.lastStateChange = cb.now()
	return cb
}

// Call executes fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeCall(); err != nil {
		return fmt.Errorf("%s: %w", cb.name, err)
	}
	err := fn(ctx)
	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.now().Sub(cb.lastStateChange) >= cb.config.Cooldown {
			cb.setState(StateHalfOpen)
			cb.halfOpenCalls = 1
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.config.HalfOpenMaxRequests {
			return ErrTooManyProbes
		}
		cb.halfOpenCalls++
		return nil
	default:
		return ErrCircuitOpen
	}
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Caller cancellation says nothing about the dependency's health.
	if err != nil && errors.Is(err, context.Canceled) {
		return
	}

	if err == nil || !cb.config.IsFailure(err) {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.setState(StateClosed)
		}
		return
	}

	cb.failures++
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	}
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(next CircuitState) {
	prev := cb.state
	if prev == next {
		return
	}
	cb.state = next
	cb.lastStateChange = cb.now()
	if next != StateHalfOpen {
		cb.halfOpenCalls = 0
	}

	cb.log.Info("circuit breaker state changed",
		logger.String("breaker", cb.name),
		logger.String("from", prev.String()),
		logger.String("to", next.String()),
		logger.Int("failures", cb.failures))
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, next)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.setState(StateClosed)
}
