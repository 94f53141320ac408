package queue

import (
	"math/rand/v2"
	"time"
)

const (
	// DefaultRetryBase is the first retry delay.
	DefaultRetryBase = 5 * time.Second
	// DefaultRetryCap bounds the exponential growth.
	DefaultRetryCap = 10 * time.Minute
	// retryJitterFraction is the upper bound of the uniform jitter applied
	// to every delay. Non-zero jitter breaks up synchronized retry storms.
	retryJitterFraction = 0.1
)

// RetryPolicy controls the delay between failed attempts.
type RetryPolicy struct {
	Base time.Duration `env:"RETRY_BASE" envDefault:"5s"`
	Cap  time.Duration `env:"RETRY_CAP" envDefault:"10m"`
}

// DefaultRetryPolicy returns the spec defaults (5s base, 10m cap).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: DefaultRetryBase, Cap: DefaultRetryCap}
}

// Delay computes min(cap, base * 2^(attempt-1)) * (1 + jitter) where jitter
// is uniform in [0, 0.1). Attempt counts from 1, matching Job.Attempt after
// a claim.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultRetryBase
	}
	ceiling := p.Cap
	if ceiling <= 0 {
		ceiling = DefaultRetryCap
	}
	if attempt < 1 {
		attempt = 1
	}

	d := base
	// Double up to the cap; bounded iteration avoids bit-shift overflow for
	// large attempt counts.
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	d = min(d, ceiling)

	jitter := 1 + retryJitterFraction*rand.Float64()
	return time.Duration(float64(d) * jitter)
}
