// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package scmapi

import (
	"github.com/juju/ratelimit"
)

// RateLimiter serializes outbound requests. Every request issued by a
// client instance funnels through one limiter, shared by all
// concurrent callers; a call that would exceed the limit blocks until
// capacity frees rather than failing.
type RateLimiter interface {
	// Acquire blocks until one request's worth of capacity is
	// available.
	Acquire()
}

// tokenBucketLimiter adapts a token bucket to the RateLimiter
// interface.
type tokenBucketLimiter struct {
	bucket *ratelimit.Bucket
}

// NewRateLimiter returns a blocking token-bucket limiter allowing
// requestsPerSecond sustained throughput with the given burst
// capacity.
func NewRateLimiter(requestsPerSecond float64, burst int64) RateLimiter {
	return &tokenBucketLimiter{
		bucket: ratelimit.NewBucketWithRate(requestsPerSecond, burst),
	}
}

// Acquire implements RateLimiter.
func (l *tokenBucketLimiter) Acquire() {
	l.bucket.Wait(1)
}

// unlimited is used when no rate limit is configured.
type unlimited struct{}

// Acquire implements RateLimiter.
func (unlimited) Acquire() {}
