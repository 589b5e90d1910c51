package mq

import (
	"context"
	"testing"
	"time"
)

func TestSubscribeOptionsSetDefaultsFillsOnlyZeroFields(t *testing.T) {
	opts := &SubscribeOptions{Concurrency: 5}
	opts.SetDefaults()

	if opts.PrefetchCount != 1 {
		t.Fatalf("expected default prefetch count 1, got %d", opts.PrefetchCount)
	}
	if opts.Concurrency != 5 {
		t.Fatalf("expected the explicit concurrency to survive, got %d", opts.Concurrency)
	}
	if opts.MaxRetries != 3 {
		t.Fatalf("expected default max retries 3, got %d", opts.MaxRetries)
	}
	if opts.RetryDelay != time.Second {
		t.Fatalf("expected default retry delay of 1s, got %v", opts.RetryDelay)
	}
}

func TestNewMessageInitializesHeadersAndRetryBudget(t *testing.T) {
	msg := NewMessage([]byte("payload"))

	if string(msg.Body) != "payload" {
		t.Fatalf("expected body to round-trip, got %q", msg.Body)
	}
	if msg.Headers == nil {
		t.Fatal("expected NewMessage to initialize a non-nil header map")
	}
	if msg.MaxRetries != 3 {
		t.Fatalf("expected default max retries 3, got %d", msg.MaxRetries)
	}
	if !msg.ShouldRetry() {
		t.Fatal("expected a fresh message to be retryable")
	}
}

func TestMessageSetHeaderOnNilMapAllocatesLazily(t *testing.T) {
	msg := &Message{}
	msg.SetHeader("trace-id", "abc")

	val, ok := msg.GetHeader("trace-id")
	if !ok || val != "abc" {
		t.Fatalf("expected header trace-id=abc, got %q (ok=%v)", val, ok)
	}
	if _, ok := msg.GetHeader("missing"); ok {
		t.Fatal("expected a missing header to report ok=false")
	}
}

func TestMessageShouldRetryStopsAtMaxRetries(t *testing.T) {
	msg := &Message{MaxRetries: 2}
	if !msg.ShouldRetry() {
		t.Fatal("expected retry count 0 to be below max retries 2")
	}
	msg.IncrementRetry()
	if !msg.ShouldRetry() {
		t.Fatal("expected retry count 1 to still be below max retries 2")
	}
	msg.IncrementRetry()
	if msg.ShouldRetry() {
		t.Fatal("expected retry count to have reached max retries")
	}
}

func TestTokenLimiterAcquireBlocksUntilReleaseFreesASlot(t *testing.T) {
	limiter := NewTokenLimiter(1)

	ctx := context.Background()
	if err := limiter.Acquire(ctx); err != nil {
		t.Fatalf("first acquire should not block: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		if err := limiter.Acquire(context.Background()); err != nil {
			t.Errorf("second acquire failed: %v", err)
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("expected the second acquire to block while the only token is held")
	case <-time.After(50 * time.Millisecond):
	}

	limiter.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("expected the second acquire to unblock after release")
	}
}

func TestTokenLimiterAcquireReturnsContextErrorOnCancellation(t *testing.T) {
	limiter := NewTokenLimiter(0) // clamped to capacity 1
	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire should not block: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := limiter.Acquire(ctx); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTokenLimiterReleaseIsNonBlockingWhenAlreadyFull(t *testing.T) {
	limiter := NewTokenLimiter(1)
	// The limiter starts full; releasing an extra token must not block or
	// grow capacity beyond what Acquire was constructed with.
	done := make(chan struct{})
	go func() {
		limiter.Release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Release to return immediately when the token channel is full")
	}
}
