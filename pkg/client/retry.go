package client

import (
	"context"
	"fmt"
	"math"
	"time"
)

// RetryConfig describes the backoff curve applied to throttled requests.
//
// There is no attempt limit: a 429 is retried until the API
// accepts the request or the process is stopped.
type RetryConfig struct {
	// InitialBackoff is the delay after the first throttled attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps every delay.
	MaxBackoff time.Duration

	// BackoffMultiplier is the growth factor between consecutive delays.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the fixed curve: 1s, 2s, 4s, ... capped at 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Backoff returns min(InitialBackoff * BackoffMultiplier^attempt, MaxBackoff)
// for a zero-based attempt. No jitter is applied.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(c.InitialBackoff) * math.Pow(c.BackoffMultiplier, float64(attempt))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > float64(c.MaxBackoff) {
		return c.MaxBackoff
	}
	return time.Duration(delay)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
	case <-timer.C:
		return nil
	}
}
