package ratelimit

import (
	"context"
	"time"
)

// Limiter throttles outbound requests and supplies retry delays.
type Limiter interface {
	Wait(ctx context.Context) error
	// RetryAfter returns the wait before retry attempt. A server hint such
	// as Retry-After is honoured up to the configured maximum backoff.
	RetryAfter(attempt int, hint time.Duration) time.Duration
}

// Strategy defines the rate limiting strategy.
type Strategy string

const (
	StrategyTokenBucket Strategy = "token_bucket"
	StrategyFixedDelay  Strategy = "fixed_delay"
)

// NewLimiter creates a rate limiter based on config.
func NewLimiter(cfg Config) Limiter {
	cfg = applyDefaults(cfg)
	switch cfg.Strategy {
	case StrategyFixedDelay:
		return NewFixedDelayLimiter(cfg)
	default:
		return NewTokenBucket(cfg)
	}
}
