package ratelimit

// SourceConfigs maps a remote source name to its limiter config.
type SourceConfigs struct {
	RateLimits map[string]Config `yaml:"rate_limits" json:"rate_limits"`
}

// Get returns the limiter config for a source. Missing entries fall back to
// DefaultConfig and report ok=false.
func (s SourceConfigs) Get(source string) (Config, bool) {
	cfg, ok := s.RateLimits[source]
	if !ok {
		return DefaultConfig(), false
	}
	return applyDefaults(cfg), true
}
