package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestRegistry_PerKeyBurst(t *testing.T) {
	r := NewRegistry(0.001, 2)
	if !r.Allow("a") || !r.Allow("a") {
		t.Fatal("Expected burst of 2 to be allowed")
	}
	if r.Allow("a") {
		t.Fatal("Expected third event to be throttled")
	}
	if !r.Allow("b") {
		t.Fatal("Expected independent limiter for another key")
	}
	if r.Len() != 2 {
		t.Fatalf("Expected 2 tracked keys, got %d", r.Len())
	}
}

func TestBandwidth_NilNeverWaits(t *testing.T) {
	b := NewBandwidth(0)
	if b != nil {
		t.Fatal("Expected nil limiter for zero rate")
	}
	if err := b.WaitN(context.Background(), 1<<30); err != nil {
		t.Fatalf("nil limiter returned %v", err)
	}
}

func TestBandwidth_SplitsLargeRequests(t *testing.T) {
	b := NewBandwidth(1 << 20)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Twice the burst: the second half waits about one second.
	start := time.Now()
	if err := b.WaitN(ctx, 2<<20); err != nil {
		t.Fatalf("WaitN failed: %v", err)
	}
	if time.Since(start) < 500*time.Millisecond {
		t.Fatalf("Expected throttling, finished in %v", time.Since(start))
	}
}
