package server

import (
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter throttles inbound packets of one session with a token bucket
// holding Burst tokens that refills completely every RefillInterval.
type rateLimiter struct {
	limiter *rate.Limiter
	now     func() time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	capacity, interval := cfg.Burst, cfg.RefillInterval
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	return &rateLimiter{
		limiter: rate.NewLimiter(rate.Limit(float64(capacity)/interval.Seconds()), capacity),
		now:     time.Now,
	}
}

// allow takes one token if available. A nil limiter allows everything.
func (rl *rateLimiter) allow() bool {
	if rl == nil {
		return true
	}
	return rl.limiter.AllowN(rl.now(), 1)
}
