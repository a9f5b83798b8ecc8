package dispatch

import (
	"testing"
	"time"
)

func TestHealth_RateLimitStreak(t *testing.T) {
	h := newHealth(0)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if got := h.nextRateLimitAttempt(0, now); got != 1 {
		t.Errorf("first attempt = %d, want 1", got)
	}
	if got := h.nextRateLimitAttempt(0, now.Add(time.Minute)); got != 2 {
		t.Errorf("second attempt = %d, want 2", got)
	}
	if got := h.nextRateLimitAttempt(1, now.Add(time.Minute)); got != 1 {
		t.Errorf("other account attempt = %d, want 1", got)
	}
	if got := h.nextRateLimitAttempt(0, now.Add(3*time.Minute+time.Second)); got != 1 {
		t.Errorf("attempt after window = %d, want 1", got)
	}
}

func TestHealth_FailureStreak(t *testing.T) {
	h := newHealth(0)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= 5; i++ {
		if got := h.recordFailure(3, now.Add(time.Duration(i)*time.Second)); got != i {
			t.Fatalf("failure %d counted as %d", i, got)
		}
	}
	if got := h.failureCount(3, now.Add(10*time.Second)); got != 5 {
		t.Errorf("failureCount() = %d, want 5", got)
	}
	if got := h.failureCount(3, now.Add(3*time.Minute)); got != 0 {
		t.Errorf("failureCount() after window = %d, want 0", got)
	}

	h.succeeded(3)
	if got := h.recordFailure(3, now.Add(11*time.Second)); got != 1 {
		t.Errorf("failure after success = %d, want 1", got)
	}
}

func TestHealth_IndependentCounters(t *testing.T) {
	h := newHealth(time.Minute)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	h.recordFailure(0, now)
	h.nextRateLimitAttempt(0, now)
	h.resetFailures(0)

	if got := h.nextRateLimitAttempt(0, now); got != 2 {
		t.Errorf("rate limit streak = %d, want 2 after failure reset", got)
	}
	if h.capacityHit(0) != 1 || h.capacityHit(0) != 2 {
		t.Error("capacity hits should count up")
	}
	h.forget(0)
	if h.capacityHit(0) != 1 {
		t.Error("forget should clear capacity hits")
	}
}
