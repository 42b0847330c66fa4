package runtimepool_test

import (
	"testing"
	"time"

	"github.com/basket/agentorch/internal/bus"
	"github.com/basket/agentorch/internal/runtimepool"
)

func TestBreaker_TripsAfterThresholdAndPublishesAlert(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicAlertFired)
	defer b.Unsubscribe(sub)

	breaker := runtimepool.NewBreaker(3, time.Hour, b)
	for i := 0; i < 2; i++ {
		breaker.RecordFailure("codex")
	}
	if breaker.IsTripped("codex") {
		t.Fatal("should not trip before threshold")
	}
	breaker.RecordFailure("codex")
	if !breaker.IsTripped("codex") {
		t.Fatal("expected breaker tripped at threshold")
	}

	select {
	case e := <-sub.Ch():
		a, ok := e.Payload.(bus.AlertFired)
		if !ok || a.RuleType != "RuntimeCapabilityDegraded" {
			t.Fatalf("expected RuntimeCapabilityDegraded alert, got %#v", e.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected alert to be published")
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	breaker := runtimepool.NewBreaker(2, time.Hour, nil)
	breaker.RecordFailure("zai")
	breaker.RecordSuccess("zai")
	breaker.RecordFailure("zai")
	if breaker.IsTripped("zai") {
		t.Fatal("expected breaker not tripped after reset")
	}
}

func TestBreaker_ResetsAfterCooldown(t *testing.T) {
	breaker := runtimepool.NewBreaker(1, time.Millisecond, nil)
	breaker.RecordFailure("codex")
	if !breaker.IsTripped("codex") {
		t.Fatal("expected tripped")
	}
	time.Sleep(5 * time.Millisecond)
	if breaker.IsTripped("codex") {
		t.Fatal("expected reset after cooldown")
	}
}
