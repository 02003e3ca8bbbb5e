package scheduler

import (
	"testing"
	"time"

	"github.com/aristath/missionctl/internal/config"
)

func TestRetryCeiling(t *testing.T) {
	p := NewRetryPolicy(config.DefaultConfig().Retry)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{10, 60 * time.Second},
	}

	for _, tt := range tests {
		if got := p.Ceiling(tt.attempt); got != tt.want {
			t.Errorf("Ceiling(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryDelayFullJitter(t *testing.T) {
	p := NewRetryPolicy(config.DefaultConfig().Retry)

	for i := 0; i < 100; i++ {
		d := p.Delay(3)
		if d < 0 || d > 8*time.Second {
			t.Fatalf("Delay(3) = %v, want within [0, 8s]", d)
		}
	}

	p.Jitter = func(d time.Duration) time.Duration { return d / 2 }
	if got := p.Delay(2); got != 2*time.Second {
		t.Errorf("Delay(2) with half jitter = %v, want 2s", got)
	}
}
