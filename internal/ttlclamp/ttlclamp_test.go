package ttlclamp

import (
	"testing"
	"time"
)

func TestCalculateDefaultsWhenRequestedIsZero(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got := Calculate(now, now, time.Hour, 24*time.Hour, 0)
	if got != time.Hour {
		t.Fatalf("Calculate() = %v, want 1h", got)
	}
}

func TestCalculateClampsToMaxLeaseTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	issuedAt := now.Add(-23 * time.Hour)
	got := Calculate(now, issuedAt, time.Hour, 24*time.Hour, 10*time.Hour)
	if got != time.Hour {
		t.Fatalf("Calculate() = %v, want 1h (clamped to max lease expiry)", got)
	}
}

func TestCalculateReturnsZeroPastMaxExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	issuedAt := now.Add(-25 * time.Hour)
	got := Calculate(now, issuedAt, time.Hour, 24*time.Hour, time.Hour)
	if got != 0 {
		t.Fatalf("Calculate() = %v, want 0 (already past max expiry)", got)
	}
}
