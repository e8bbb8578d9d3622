package shard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := newBreaker(3, time.Minute, 10*time.Millisecond, time.Second)

	require.False(t, b.open())
	b.recordFailure()
	b.recordFailure()
	require.False(t, b.open())
	b.recordFailure()
	require.True(t, b.open())
	require.Greater(t, b.openFor(), time.Duration(0))
}

func TestBreakerSuccessResets(t *testing.T) {
	b := newBreaker(2, time.Minute, 10*time.Millisecond, time.Second)
	b.recordFailure()
	b.recordFailure()
	require.True(t, b.open())

	b.recordSuccess()
	require.False(t, b.open())
	require.Equal(t, time.Duration(0), b.openFor())
}

func TestBreakerCooldownDoublesOnRepeatedOpen(t *testing.T) {
	b := newBreaker(1, time.Minute, 10*time.Millisecond, time.Second)
	b.recordFailure()
	first := b.currentCooldown
	// A failed half-open probe re-opens the breaker with no success between.
	b.recordFailure()
	require.Greater(t, b.currentCooldown, first)
}
