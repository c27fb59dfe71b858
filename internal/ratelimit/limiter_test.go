package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketBurstThenRefill(t *testing.T) {
	tb := NewTokenBucket(Config{RequestsPerSec: 5, Burst: 5})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("expected burst without waiting, took %v", elapsed)
	}

	start = time.Now()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("wait after burst: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("expected refill wait after burst, took %v", elapsed)
	}
}

func TestTokenBucketWaitRespectsContext(t *testing.T) {
	tb := NewTokenBucket(Config{RequestsPerSec: 0.5, Burst: 1})

	// consume initial token
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatalf("expected first token: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := tb.Wait(ctx); err == nil {
		t.Fatalf("expected timeout")
	}
}

func TestFixedDelay(t *testing.T) {
	delay := 80 * time.Millisecond
	fdl := NewFixedDelayLimiter(Config{FixedDelay: delay})
	ctx := context.Background()

	if err := fdl.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	start := time.Now()
	if err := fdl.Wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < delay/2 {
		t.Fatalf("expected wait close to delay; got %v", elapsed)
	}
}

func TestNewLimiterStrategy(t *testing.T) {
	if _, ok := NewLimiter(Config{Strategy: StrategyFixedDelay}).(*FixedDelayLimiter); !ok {
		t.Fatalf("expected fixed delay limiter")
	}
	if _, ok := NewLimiter(Config{}).(*TokenBucket); !ok {
		t.Fatalf("expected token bucket by default")
	}
}

func TestLimiterRetryAfterUsesConfig(t *testing.T) {
	cfg := Config{InitialBackoff: 10 * time.Millisecond, MaxBackoff: time.Second, BackoffMultiplier: 2, MaxRetries: 3}

	for _, l := range []Limiter{NewTokenBucket(cfg), NewFixedDelayLimiter(cfg)} {
		if d := l.RetryAfter(1, 0); d <= 0 || d > 20*time.Millisecond {
			t.Fatalf("%T: expected computed backoff, got %v", l, d)
		}
		if d := l.RetryAfter(1, 500*time.Millisecond); d != 500*time.Millisecond {
			t.Fatalf("%T: expected server hint to win, got %v", l, d)
		}
		if d := l.RetryAfter(1, time.Minute); d != time.Second {
			t.Fatalf("%T: expected hint capped at max backoff, got %v", l, d)
		}
	}
}

func TestCalculateBackoffBounds(t *testing.T) {
	cfg := Config{InitialBackoff: time.Second, MaxBackoff: 10 * time.Second, BackoffMultiplier: 2, MaxRetries: 5}

	for attempt := 1; attempt <= 5; attempt++ {
		d := CalculateBackoff(attempt, cfg)
		if d <= 0 {
			t.Fatalf("backoff should be positive")
		}
		if d > cfg.MaxBackoff {
			t.Fatalf("backoff should cap at max")
		}
	}

	if d := CalculateBackoff(10, cfg); d != cfg.MaxBackoff {
		t.Fatalf("expected max backoff when attempts exceed max retries")
	}
}

func TestDelayHonorsServerHint(t *testing.T) {
	cfg := Config{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 5 * time.Second, BackoffMultiplier: 2, MaxRetries: 3}

	if d := Delay(1, cfg, 2*time.Second); d != 2*time.Second {
		t.Fatalf("expected server hint to win, got %v", d)
	}
	if d := Delay(1, cfg, time.Minute); d != cfg.MaxBackoff {
		t.Fatalf("expected hint capped at max backoff, got %v", d)
	}
	if d := Delay(1, cfg, 0); d <= 0 || d > 20*time.Millisecond {
		t.Fatalf("expected computed backoff without hint, got %v", d)
	}
}

func TestSourceConfigsGet(t *testing.T) {
	cfgs := SourceConfigs{RateLimits: map[string]Config{
		"socrata": {RequestsPerSec: 3, MaxBackoff: 60 * time.Second},
	}}

	socrata, ok := cfgs.Get("socrata")
	if !ok {
		t.Fatalf("expected socrata entry")
	}
	if socrata.RequestsPerSec != 3 {
		t.Fatalf("expected requests_per_second=3, got %v", socrata.RequestsPerSec)
	}
	if socrata.Burst != DefaultConfig().Burst {
		t.Fatalf("expected default burst, got %v", socrata.Burst)
	}

	if _, ok := cfgs.Get("missing"); ok {
		t.Fatalf("expected missing source to report ok=false")
	}
}
