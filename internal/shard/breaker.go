package shard

import (
	"sync"
	"time"
)

// breaker is a per-shard circuit breaker: after failureThreshold
// consecutive failures within window, it opens for cooldown, doubling the
// cooldown on each re-open up to cooldownMax. A single success while
// half-open (i.e. the first attempt after cooldown expires) closes it.
type breaker struct {
	mu sync.Mutex

	failureThreshold int
	window           time.Duration
	cooldownBase     time.Duration
	cooldownMax      time.Duration

	consecutiveFailures int
	firstFailureAt      time.Time
	openUntil           time.Time
	currentCooldown     time.Duration
}

func newBreaker(failureThreshold int, window, cooldownBase, cooldownMax time.Duration) *breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	if cooldownBase <= 0 {
		cooldownBase = 10 * time.Second
	}
	if cooldownMax <= 0 {
		cooldownMax = 5 * time.Minute
	}
	return &breaker{
		failureThreshold: failureThreshold,
		window:           window,
		cooldownBase:     cooldownBase,
		cooldownMax:      cooldownMax,
		currentCooldown:  cooldownBase,
	}
}

// recordFailure registers a failed attempt, opening the breaker once
// failureThreshold consecutive failures occur within window.
func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.consecutiveFailures == 0 || now.Sub(b.firstFailureAt) > b.window {
		b.firstFailureAt = now
		b.consecutiveFailures = 0
	}
	b.consecutiveFailures++

	if b.consecutiveFailures >= b.failureThreshold {
		b.openUntil = now.Add(b.currentCooldown)
		b.currentCooldown *= 2
		if b.currentCooldown > b.cooldownMax {
			b.currentCooldown = b.cooldownMax
		}
	}
}

// recordSuccess closes the breaker and resets failure accounting.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.openUntil = time.Time{}
	b.currentCooldown = b.cooldownBase
}

// open reports whether the breaker is currently open.
func (b *breaker) open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Now().Before(b.openUntil)
}

// openFor returns how much longer the breaker remains open, or 0 when
// closed or half-open (cooldown elapsed, one probe attempt permitted).
func (b *breaker) openFor() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.openUntil.Sub(time.Now())
	if remaining <= 0 {
		return 0
	}
	return remaining
}
