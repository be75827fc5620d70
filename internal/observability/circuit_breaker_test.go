package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreakerOpensOnFailureStreak(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute, 1)

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.True(t, cb.CanExecute())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.GetState())
	assert.False(t, cb.CanExecute())
}

func TestCircuitBreakerSuccessResetsStreak(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute, 1)

	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond, 2)

	cb.RecordFailure()
	assert.False(t, cb.CanExecute())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, cb.CanExecute())
	assert.Equal(t, StateHalfOpen, cb.GetState())

	// One success is not enough for threshold 2.
	cb.RecordSuccess()
	assert.Equal(t, StateHalfOpen, cb.GetState())
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond, 1)

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	assert.True(t, cb.CanExecute())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.GetState())
	assert.False(t, cb.CanExecute())
}

func TestCircuitBreakerStatsAndReset(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute, 1)
	cb.RecordSuccess()
	cb.RecordFailure()

	stats := cb.GetStats()
	assert.Equal(t, "open", stats["state"])
	assert.Equal(t, int64(2), stats["total_requests"])
	assert.Equal(t, int64(1), stats["total_failures"])

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, int64(0), cb.GetStats()["total_requests"])
}
