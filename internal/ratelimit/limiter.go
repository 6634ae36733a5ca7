// Package ratelimit implements the per-connection receive-side token
// bucket described in spec.md §4.D, on top of golang.org/x/time/rate (the
// same limiter derp.Client uses for its own send-side rate limiting).
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Config configures a per-connection byte-rate limiter.
type Config struct {
	// BytesPerSecond is the steady-state token refill rate.
	// Zero means disabled: Limiter.Wait always returns immediately.
	BytesPerSecond int
	// MaxBurstBytes is the bucket capacity. Zero with a nonzero
	// BytesPerSecond means a burst equal to one second of traffic.
	MaxBurstBytes int
}

// Limiter paces bytes received from a single client connection.
type Limiter struct {
	rl *rate.Limiter
}

// New builds a Limiter from cfg. A zero-value Config disables limiting.
func New(cfg Config) *Limiter {
	if cfg.BytesPerSecond <= 0 {
		return &Limiter{rl: nil}
	}
	burst := cfg.MaxBurstBytes
	if burst <= 0 {
		burst = cfg.BytesPerSecond
	}
	return &Limiter{rl: rate.NewLimiter(rate.Limit(cfg.BytesPerSecond), burst)}
}

// Wait consumes n tokens (n = the byte length of the frame being read,
// header included), blocking the caller's read loop until enough tokens
// have accrued. An n larger than the burst is taken in burst-sized steps.
// It returns an error if ctx is cancelled or its deadline would pass
// before the tokens are available.
func (l *Limiter) Wait(ctx context.Context, n int) error {
	if l == nil || l.rl == nil {
		return nil
	}
	for n > 0 {
		chunk := min(n, l.rl.Burst())
		if err := l.rl.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Disabled reports whether this limiter imposes no limit.
func (l *Limiter) Disabled() bool { return l == nil || l.rl == nil }
