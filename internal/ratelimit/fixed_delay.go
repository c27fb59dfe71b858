package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// FixedDelayLimiter enforces a fixed delay between requests.
type FixedDelayLimiter struct {
	limiter *rate.Limiter
	config  Config
}

// NewFixedDelayLimiter creates a new fixed delay limiter.
func NewFixedDelayLimiter(cfg Config) *FixedDelayLimiter {
	cfg = applyDefaults(cfg)
	return &FixedDelayLimiter{
		limiter: rate.NewLimiter(rate.Every(cfg.FixedDelay), 1),
		config:  cfg,
	}
}

// Wait blocks until the delay since the previous request has passed.
func (fdl *FixedDelayLimiter) Wait(ctx context.Context) error {
	return fdl.limiter.Wait(ctx)
}

// RetryAfter returns exponential backoff, or the server hint when longer.
func (fdl *FixedDelayLimiter) RetryAfter(attempt int, hint time.Duration) time.Duration {
	return Delay(attempt, fdl.config, hint)
}
