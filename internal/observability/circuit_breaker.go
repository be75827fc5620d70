package observability

import (
	"log/slog"
	"sync"
	"time"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int

const (
	// StateClosed indicates the circuit is closed and requests flow normally.
	StateClosed CircuitBreakerState = iota
	// StateOpen indicates the circuit is open and requests fail fast until
	// the open timeout elapses.
	StateOpen
	// StateHalfOpen indicates a trial state probing whether the upstream
	// recovered.
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
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

// CircuitBreaker guards the provider pipeline. Transitions:
// CLOSED->OPEN after maxFailures consecutive failures; OPEN->HALF_OPEN after
// the open timeout; HALF_OPEN->CLOSED after successThreshold consecutive
// successes; any half-open failure reopens.
type CircuitBreaker struct {
	mu sync.Mutex

	maxFailures      int
	openTimeout      time.Duration
	successThreshold int

	state           CircuitBreakerState
	failureStreak   int
	successStreak   int
	lastFailureTime time.Time

	totalRequests int64
	totalFailures int64
	stateChanges  int64
}

// NewCircuitBreaker creates a closed breaker with the given thresholds.
func NewCircuitBreaker(maxFailures int, openTimeout time.Duration, successThreshold int) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	if successThreshold < 1 {
		successThreshold = 1
	}
	return &CircuitBreaker{
		maxFailures:      maxFailures,
		openTimeout:      openTimeout,
		successThreshold: successThreshold,
		state:            StateClosed,
	}
}

// CanExecute returns true if the breaker allows a request, transitioning
// OPEN->HALF_OPEN once the open timeout has elapsed.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(cb.lastFailureTime) >= cb.openTimeout {
			cb.state = StateHalfOpen
			cb.failureStreak = 0
			cb.successStreak = 0
			cb.stateChanges++
			slog.Info("circuit breaker transitioning to half-open",
				slog.Duration("open_timeout", cb.openTimeout),
				slog.Time("last_failure", cb.lastFailureTime))
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	cb.failureStreak = 0
	cb.successStreak++

	if cb.state == StateHalfOpen && cb.successStreak >= cb.successThreshold {
		cb.state = StateClosed
		cb.successStreak = 0
		cb.stateChanges++
		slog.Info("circuit breaker closed after success streak",
			slog.Int("success_threshold", cb.successThreshold))
	}
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	cb.totalFailures++
	cb.successStreak = 0
	cb.failureStreak++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failureStreak >= cb.maxFailures {
			cb.state = StateOpen
			cb.stateChanges++
			slog.Warn("circuit breaker opened",
				slog.Int("failure_streak", cb.failureStreak),
				slog.Int("max_failures", cb.maxFailures))
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.stateChanges++
		slog.Warn("circuit breaker reopened from half-open")
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns breaker counters for health output.
func (cb *CircuitBreaker) GetStats() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]interface{}{
		"state":             cb.state.String(),
		"max_failures":      cb.maxFailures,
		"open_timeout":      cb.openTimeout.String(),
		"success_threshold": cb.successThreshold,
		"failure_streak":    cb.failureStreak,
		"success_streak":    cb.successStreak,
		"total_requests":    cb.totalRequests,
		"total_failures":    cb.totalFailures,
		"state_changes":     cb.stateChanges,
		"last_failure":      cb.lastFailureTime.Format(time.RFC3339),
	}
}

// Reset returns the breaker to a fresh closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failureStreak = 0
	cb.successStreak = 0
	cb.totalRequests = 0
	cb.totalFailures = 0
	cb.stateChanges = 0
	cb.lastFailureTime = time.Time{}
}
