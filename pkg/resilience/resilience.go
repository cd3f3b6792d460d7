package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"consultlink-backend/pkg/logger"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// ErrCircuitOpen is returned without calling the operation while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker open")

// Config tunes a Breaker
type Config struct {
	// FailureThreshold consecutive failures open the circuit
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe is let through
	Cooldown time.Duration
	// MaxAttempts per Execute call, including the first
	MaxAttempts int
	// Backoff is multiplied by the attempt number between retries
	Backoff time.Duration
	// Timeout bounds one Execute call
	Timeout time.Duration
}

// DefaultConfig returns the settings used for object storage
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Cooldown:         10 * time.Second,
		MaxAttempts:      3,
		Backoff:          100 * time.Millisecond,
		Timeout:          10 * time.Second,
	}
}

// Breaker wraps calls to a dependency with retry, timeout, and circuit breaker
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time

	metrics *breakerMetrics
}

type breakerMetrics struct {
	requestsTotal       *prometheus.CounterVec
	errorsTotal         *prometheus.CounterVec
	circuitBreakerState prometheus.Gauge
}

// NewBreaker creates a breaker; reg may be nil to skip metrics
func NewBreaker(name string, cfg Config, reg prometheus.Registerer) *Breaker {
	b := &Breaker{
		name:  name,
		cfg:   cfg,
		now:   time.Now,
		state: CircuitBreakerClosed,
	}
	if reg != nil {
		b.metrics = &breakerMetrics{
			requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: name + "_requests_total",
				Help: "Total number of " + name + " requests",
			}, []string{"operation", "status"}),
			errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: name + "_errors_total",
				Help: "Total number of " + name + " errors",
			}, []string{"operation", "error_type"}),
			circuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: name + "_circuit_breaker_state",
				Help: "State of the " + name + " circuit breaker (0=closed, 1=half_open, 2=open)",
			}),
		}
		reg.MustRegister(b.metrics.requestsTotal, b.metrics.errorsTotal, b.metrics.circuitBreakerState)
	}
	return b
}

// Execute runs fn, retrying failures with linear backoff until MaxAttempts,
// the timeout, or an open circuit stops it
func (b *Breaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; attempt <= max(b.cfg.MaxAttempts, 1); attempt++ {
		if !b.allow() {
			b.record(operation, "circuit_breaker_open")
			logger.Warn("Circuit breaker is OPEN - request blocked",
				zap.String("breaker", b.name),
				zap.String("operation", operation))
			if lastErr != nil {
				return fmt.Errorf("%w after %d attempts: %w", ErrCircuitOpen, attempt-1, lastErr)
			}
			return ErrCircuitOpen
		}

		err := fn(ctx)
		if err == nil {
			b.onSuccess()
			b.record(operation, "success")
			return nil
		}
		lastErr = err
		b.onFailure()
		b.record(operation, "failure")
		if b.metrics != nil {
			b.metrics.errorsTotal.WithLabelValues(operation, classifyError(err)).Inc()
		}

		logger.Warn("Operation failed",
			zap.String("breaker", b.name),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == b.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s %s: %w", b.name, operation, errors.Join(ctx.Err(), lastErr))
		case <-time.After(time.Duration(attempt) * b.cfg.Backoff):
		}
	}
	return fmt.Errorf("%s %s failed after %d attempts: %w", b.name, operation, b.cfg.MaxAttempts, lastErr)
}

// State returns the current circuit breaker state
func (b *Breaker) State() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitBreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		// one probe at a time while half-open
		b.setState(CircuitBreakerHalfOpen)
		return true
	case CircuitBreakerHalfOpen:
		return false
	default:
		return true
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	if b.state != CircuitBreakerClosed {
		logger.Info("Circuit breaker CLOSED", zap.String("breaker", b.name))
		b.setState(CircuitBreakerClosed)
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	if b.state == CircuitBreakerHalfOpen || b.consecutiveFailures >= b.cfg.FailureThreshold {
		if b.state != CircuitBreakerOpen {
			logger.Error("Circuit breaker OPEN - too many consecutive failures",
				zap.String("breaker", b.name),
				zap.Int("consecutive_failures", b.consecutiveFailures))
		}
		b.openedAt = b.now()
		b.setState(CircuitBreakerOpen)
	}
}

// setState must be called with mu held
func (b *Breaker) setState(s CircuitBreakerState) {
	b.state = s
	if b.metrics == nil {
		return
	}
	switch s {
	case CircuitBreakerClosed:
		b.metrics.circuitBreakerState.Set(0)
	case CircuitBreakerHalfOpen:
		b.metrics.circuitBreakerState.Set(1)
	case CircuitBreakerOpen:
		b.metrics.circuitBreakerState.Set(2)
	}
}

func (b *Breaker) record(operation, status string) {
	if b.metrics != nil {
		b.metrics.requestsTotal.WithLabelValues(operation, status).Inc()
	}
}

// classifyError classifies errors for better metrics
func classifyError(err error) string {
	if err == nil {
		return "none"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "not found"):
		return "not_found"
	case strings.Contains(errMsg, "permission denied") || strings.Contains(errMsg, "access denied"):
		return "permission"
	default:
		return "unknown"
	}
}
