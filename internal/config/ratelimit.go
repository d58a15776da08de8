package config

import "time"

// RateLimit is the normalised token-bucket configuration applied to the
// unauthenticated credential endpoints.
type RateLimit struct {
	Enabled        bool
	Capacity       int
	RefillInterval time.Duration
	TTL            time.Duration
	Prefix         string
}

// RateLimit derives the limiter settings, clamping obviously broken values
// instead of failing startup.
func (c *Config) RateLimit() RateLimit {
	rl := RateLimit{
		Enabled:        c.RateLimitEnabled,
		Capacity:       c.RateLimitCapacity,
		RefillInterval: c.RateLimitRefillEvery,
		TTL:            c.RateLimitTTL,
		Prefix:         c.RateLimitPrefix,
	}
	if rl.Capacity < 1 {
		rl.Capacity = 1
	}
	if rl.RefillInterval <= 0 {
		rl.RefillInterval = time.Second
	}
	// the bucket must outlive a full refill or it resets to capacity early
	if minTTL := time.Duration(rl.Capacity) * rl.RefillInterval; rl.TTL < minTTL {
		rl.TTL = minTTL
	}
	if rl.Prefix == "" {
		rl.Prefix = "rl"
	}
	return rl
}
