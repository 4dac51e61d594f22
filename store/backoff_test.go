package store

import (
	"testing"
	"time"
)

func TestRetryBackoffBounds(t *testing.T) {
	tests := []struct {
		retries int
		minWant time.Duration
		maxWant time.Duration // exclusive of jitter upper bound
	}{
		{retries: 0, minWant: 1 * time.Second, maxWant: 2 * time.Second},
		{retries: 1, minWant: 2 * time.Second, maxWant: 3 * time.Second},
		{retries: 2, minWant: 4 * time.Second, maxWant: 5 * time.Second},
		{retries: 3, minWant: 8 * time.Second, maxWant: 9 * time.Second},
		{retries: 9, minWant: 512 * time.Second, maxWant: 513 * time.Second},
		// 1 << 10 seconds exceeds the cap.
		{retries: 10, minWant: BackoffCap, maxWant: BackoffCap + time.Second},
		{retries: 30, minWant: BackoffCap, maxWant: BackoffCap + time.Second},
	}
	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			got := RetryBackoff(tt.retries)
			if got < tt.minWant || got >= tt.maxWant {
				t.Fatalf("RetryBackoff(%d) = %v, want [%v, %v)", tt.retries, got, tt.minWant, tt.maxWant)
			}
		}
	}
}

func TestRetryBackoffJitterVaries(t *testing.T) {
	seen := make(map[time.Duration]bool)
	for i := 0; i < 100; i++ {
		seen[RetryBackoff(0)] = true
	}
	if len(seen) < 2 {
		t.Errorf("expected jitter to vary the backoff, got %d distinct values", len(seen))
	}
}
