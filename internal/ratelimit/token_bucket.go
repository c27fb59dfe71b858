package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket allows bursts of up to Burst requests refilled at
// RequestsPerSec.
type TokenBucket struct {
	limiter *rate.Limiter
	config  Config
}

// NewTokenBucket creates a new token bucket limiter.
func NewTokenBucket(cfg Config) *TokenBucket {
	cfg = applyDefaults(cfg)
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		config:  cfg,
	}
}

// Wait blocks until a token is available or context is canceled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	return tb.limiter.Wait(ctx)
}

// RetryAfter returns exponential backoff, or the server hint when longer.
func (tb *TokenBucket) RetryAfter(attempt int, hint time.Duration) time.Duration {
	return Delay(attempt, tb.config, hint)
}
