package scheduler

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/missionctl/internal/config"
)

// RetryPolicy computes the delay before a failed task's next attempt.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          func(ceiling time.Duration) time.Duration // Defaults to full jitter
}

// NewRetryPolicy builds a policy from the retry configuration.
func NewRetryPolicy(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      cfg.Multiplier,
	}
}

// Ceiling returns the un-jittered delay after the given failed attempt:
// InitialInterval after attempt 1, growing by Multiplier, capped at MaxInterval.
func (p RetryPolicy) Ceiling(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // Attempts are bounded by the task, not by elapsed time
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Delay returns the jittered delay after the given failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	ceiling := p.Ceiling(attempt)
	if p.Jitter != nil {
		return p.Jitter(ceiling)
	}
	return fullJitter(ceiling)
}

// fullJitter picks a uniformly random delay in [0, ceiling].
func fullJitter(ceiling time.Duration) time.Duration {
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}
