package ratelimit

import (
	"context"
	"time"
)

// Limiter gates an action per key, usually a tenant id. Allow consumes one
// token; when the bucket is depleted it returns ok=false with the wait
// until a token becomes available.
type Limiter interface {
	Allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration, err error)
}

// Config holds the token-bucket parameters shared by all backends.
type Config struct {
	// RatePerMinute is the sustained refill rate per key.
	RatePerMinute int `env:"RATE_LIMIT_PER_MINUTE" envDefault:"100"`
	// BurstMultiplier scales the bucket capacity relative to the
	// per-second rate. Capacity = BurstMultiplier * RatePerMinute / 60.
	BurstMultiplier float64 `env:"RATE_LIMIT_BURST_MULTIPLIER" envDefault:"2"`
}

// capacity returns the bucket size in tokens.
func (c Config) capacity() float64 {
	rate := c.refillPerSecond()
	mult := c.BurstMultiplier
	if mult <= 0 {
		mult = 2
	}
	return max(1, mult*rate)
}

// refillPerSecond converts the per-minute rate to tokens per second.
func (c Config) refillPerSecond() float64 {
	rpm := c.RatePerMinute
	if rpm <= 0 {
		rpm = 100
	}
	return float64(rpm) / 60.0
}
