// Package ratelimit caps how many jobs may start within a rolling window.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/portal-extractor/internal/metrics"
)

// Config holds rate limiter configuration: at most Starts job starts per
// Window, refilled evenly.
type Config struct {
	Starts int
	Window time.Duration
}

// Limiter is a token bucket over job starts.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a Limiter. A non-positive Starts or Window disables limiting.
func New(cfg Config) *Limiter {
	if cfg.Starts <= 0 || cfg.Window <= 0 {
		return &Limiter{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	every := cfg.Window / time.Duration(cfg.Starts)
	return &Limiter{limiter: rate.NewLimiter(rate.Every(every), cfg.Starts)}
}

// Wait blocks until a start token is available, respecting the context.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Tokens available immediately are not worth a sample.
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveJobStartDelay(waited)
	}
	return nil
}

// Allow takes a token without waiting.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}
