package upstream

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff computes jittered exponential delays. Attempt numbers are
// one-based: Delay(1) is the wait before the first retry.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// JitterFrac spreads each delay uniformly across ±frac of itself.
	JitterFrac float64
}

// RetryBackoff is the stage retry schedule: 2s, 4s, 8s... capped at 60s,
// each ±20%.
func RetryBackoff() Backoff {
	return Backoff{
		Initial:    2 * time.Second,
		Max:        60 * time.Second,
		Multiplier: 2,
		JitterFrac: 0.2,
	}
}

// PollBackoff is the upstream status-poll schedule: 1s growing to 15s,
// each ±20%.
func PollBackoff() Backoff {
	return Backoff{
		Initial:    time.Second,
		Max:        15 * time.Second,
		Multiplier: 2,
		JitterFrac: 0.2,
	}
}

// Delay returns the wait before the given one-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	if max := float64(b.Max); base > max {
		base = max
	}

	if b.JitterFrac > 0 {
		base += base * b.JitterFrac * (2*rand.Float64() - 1)
	}

	d := time.Duration(base)
	if d < 0 {
		d = 0
	}
	return d
}

// Sleep waits for the attempt's delay or until the context is done.
func (b Backoff) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(b.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
