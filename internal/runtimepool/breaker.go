package runtimepool

import (
	"sync"
	"time"

	"github.com/basket/agentorch/internal/bus"
)

// harnessBreaker tracks consecutive provisioning/dispatch failures for one
// harness.
type harnessBreaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
	trippedAt   time.Time
}

// Breaker trips per-harness when a runtime consistently fails to provision
// or accept dispatch, and publishes a RuntimeCapabilityDegraded alert via
// the bus so C7 can surface it. Grounded on the prior system's per-provider
// failover circuit breaker, generalised from LLM providers to harnesses.
type Breaker struct {
	mu        sync.Mutex
	breakers  map[string]*harnessBreaker
	threshold int
	cooldown  time.Duration
	bus       *bus.Bus
}

// NewBreaker creates a Breaker. threshold defaults to 5 consecutive
// failures, cooldown to 5 minutes.
func NewBreaker(threshold int, cooldown time.Duration, b *bus.Bus) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &Breaker{
		breakers:  make(map[string]*harnessBreaker),
		threshold: threshold,
		cooldown:  cooldown,
		bus:       b,
	}
}

// IsTripped reports whether harness is currently circuit-open. A tripped
// breaker resets itself once the cooldown has elapsed.
func (b *Breaker) IsTripped(harness string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	hb, ok := b.breakers[harness]
	if !ok || !hb.tripped {
		return false
	}
	if time.Since(hb.lastFailure) >= b.cooldown {
		hb.tripped = false
		hb.failures = 0
		return false
	}
	return true
}

// RecordFailure increments harness's failure count, tripping the breaker
// and publishing a degraded alert once the threshold is reached.
func (b *Breaker) RecordFailure(harness string) {
	b.mu.Lock()
	hb, ok := b.breakers[harness]
	if !ok {
		hb = &harnessBreaker{}
		b.breakers[harness] = hb
	}
	hb.failures++
	hb.lastFailure = time.Now()
	justTripped := !hb.tripped && hb.failures >= b.threshold
	if justTripped {
		hb.tripped = true
		hb.trippedAt = hb.lastFailure
	}
	b.mu.Unlock()

	if justTripped && b.bus != nil {
		b.bus.Publish(bus.TopicAlertFired, bus.AlertFired{
			RuleType: "RuntimeCapabilityDegraded",
			Message:  harness + " runtime repeatedly failed to provision or accept dispatch",
		})
	}
}

// TrippedSince reports when harness's breaker last tripped, for C7's
// RuntimeCapabilityDegraded window check. ok is false if it isn't tripped.
func (b *Breaker) TrippedSince(harness string) (since time.Time, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hb, exists := b.breakers[harness]
	if !exists || !hb.tripped {
		return time.Time{}, false
	}
	return hb.trippedAt, true
}

// Harnesses returns the names of every harness with a breaker entry.
func (b *Breaker) Harnesses() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.breakers))
	for h := range b.breakers {
		out = append(out, h)
	}
	return out
}

// RecordSuccess resets harness's failure count.
func (b *Breaker) RecordSuccess(harness string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hb, ok := b.breakers[harness]
	if !ok {
		return
	}
	hb.failures = 0
	hb.tripped = false
}
