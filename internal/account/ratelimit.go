// ratelimit.go wraps golang.org/x/time/rate for the per-account submission
// cap used by the Order Coordinator's policy-limit check.
package account

import (
	"golang.org/x/time/rate"
)

// RateLimiter caps one account's order-submission rate.
type RateLimiter struct {
	lim *rate.Limiter
}

// NewRateLimiter creates a limiter refilling at hz tokens/sec with the
// given burst capacity.
func NewRateLimiter(hz float64, burst int) *RateLimiter {
	return &RateLimiter{lim: rate.NewLimiter(rate.Limit(hz), burst)}
}

// Allow reports whether a submission may proceed right now, consuming a
// token if so. Never blocks, so the coordinator's pre-trade checks stay
// non-suspending.
func (r *RateLimiter) Allow() bool {
	return r.lim.Allow()
}
