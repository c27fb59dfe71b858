package ratelimit

import "time"

// Config holds request throttling and retry settings for one remote source.
type Config struct {
	Strategy          Strategy      `yaml:"strategy" json:"strategy"`
	RequestsPerSec    float64       `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int           `yaml:"burst" json:"burst"`
	FixedDelay        time.Duration `yaml:"fixed_delay" json:"fixed_delay"`
	MaxRetries        int           `yaml:"max_retries" json:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff" json:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
}

// DefaultConfig matches the throttling Socrata applies to clients without
// an app token.
func DefaultConfig() Config {
	return Config{
		Strategy:          StrategyTokenBucket,
		RequestsPerSec:    2.0,
		Burst:             4,
		FixedDelay:        500 * time.Millisecond,
		MaxRetries:        5,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

func applyDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = def.RequestsPerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.FixedDelay <= 0 {
		cfg.FixedDelay = def.FixedDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	return cfg
}

// Normalize fills unset fields with defaults.
func (c Config) Normalize() Config {
	return applyDefaults(c)
}
