// Package ratelimit provides per-tenant token-bucket rate limiting for
// job submission.
//
// Bucket size is BurstMultiplier times the per-second rate and refills at
// RatePerMinute/60 tokens per second. Each submission consumes one token;
// a depleted bucket yields a retry-after hint computed from the refill
// rate.
//
// [Memory] keeps buckets in process with per-key locking and suits
// single-instance deployments. [Redis] runs the same bucket math in a
// server-side script so multiple instances share one budget.
package ratelimit
