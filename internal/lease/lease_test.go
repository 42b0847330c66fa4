package lease_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agentorch/internal/lease"
	"github.com/basket/agentorch/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "orch.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAcquireAndHold_MutualExclusion(t *testing.T) {
	s := openTestStore(t)
	a := lease.New(s, "replica-a", 200*time.Millisecond, nil)
	b := lease.New(s, "replica-b", 200*time.Millisecond, nil)

	ctx := context.Background()
	heldA, tokenA, err := a.AcquireAndHold(ctx, "recovery-sweep")
	if err != nil {
		t.Fatalf("a acquire: %v", err)
	}
	defer a.Release(ctx, "recovery-sweep")

	shortCtx, cancel := context.WithTimeout(ctx, 80*time.Millisecond)
	defer cancel()
	_, _, err = b.AcquireAndHold(shortCtx, "recovery-sweep")
	if err == nil {
		t.Fatal("expected replica-b to fail to acquire while replica-a holds the lease")
	}

	select {
	case <-heldA.Done():
		t.Fatal("replica-a's hold should still be live")
	default:
	}
	if tokenA != 1 {
		t.Fatalf("expected first fencing token 1, got %d", tokenA)
	}
}

func TestAcquireAndHold_FencingTokenIncreasesAfterHandoff(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := lease.New(s, "replica-a", 50*time.Millisecond, nil)

	_, tokenA, err := a.AcquireAndHold(ctx, "name")
	if err != nil {
		t.Fatalf("a acquire: %v", err)
	}
	if err := a.Release(ctx, "name"); err != nil {
		t.Fatalf("release: %v", err)
	}

	b := lease.New(s, "replica-b", 50*time.Millisecond, nil)
	_, tokenB, err := b.AcquireAndHold(ctx, "name")
	if err != nil {
		t.Fatalf("b acquire: %v", err)
	}
	if tokenB <= tokenA {
		t.Fatalf("expected strictly increasing fencing token, got a=%d b=%d", tokenA, tokenB)
	}
}

func TestAcquireAndHold_ContextCancelledStopsWaiting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := lease.New(s, "replica-a", time.Second, nil)
	_, _, err := a.AcquireAndHold(ctx, "busy")
	if err != nil {
		t.Fatalf("a acquire: %v", err)
	}
	defer a.Release(ctx, "busy")

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	b := lease.New(s, "replica-b", time.Second, nil)
	start := time.Now()
	_, _, err = b.AcquireAndHold(waitCtx, "busy")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatal("AcquireAndHold did not respect context deadline promptly")
	}
}
