package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter bounds in-flight calls with a semaphore and, optionally, the request rate
// with a token bucket. One limiter is shared by every call site.
type RateLimiter struct {
	sem    chan struct{}
	bucket *rate.Limiter
}

// NewRateLimiter allows concurrency simultaneous calls. rps <= 0 disables the token bucket;
// burst defaults to concurrency.
func NewRateLimiter(concurrency int, rps float64, burst int) *RateLimiter {
	if concurrency <= 0 {
		concurrency = 1
	}
	r := &RateLimiter{sem: make(chan struct{}, concurrency)}
	if rps > 0 {
		if burst <= 0 {
			burst = concurrency
		}
		r.bucket = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return r
}

// Acquire blocks until a permit (and a token, if rate limited) is available.
// The returned release must be called exactly once.
func (r *RateLimiter) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.bucket != nil {
		if err := r.bucket.Wait(ctx); err != nil {
			<-r.sem
			return nil, err
		}
	}
	return func() { <-r.sem }, nil
}

// Capacity returns the number of permits.
func (r *RateLimiter) Capacity() int {
	return cap(r.sem)
}

// InFlight returns the number of permits currently held.
func (r *RateLimiter) InFlight() int {
	return len(r.sem)
}
