package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestRateLimiterBurstThenRefill(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rl := newRateLimiter(RateLimitConfig{Burst: 3, RefillInterval: time.Second})
	rl.now = func() time.Time { return now }

	for i := range 3 {
		assert.True(t, rl.allow(), "packet %d within burst", i)
	}
	assert.False(t, rl.allow())

	now = now.Add(400 * time.Millisecond)
	assert.True(t, rl.allow())
	assert.False(t, rl.allow())

	now = now.Add(time.Hour)
	for range 3 {
		assert.True(t, rl.allow())
	}
	assert.False(t, rl.allow(), "bucket never exceeds its capacity")
}

func TestRateLimiterDefaults(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{})
	assert.Equal(t, 1, rl.limiter.Burst())
	assert.Equal(t, rate.Limit(1), rl.limiter.Limit())
}

func TestNilRateLimiterAllows(t *testing.T) {
	var rl *rateLimiter
	assert.True(t, rl.allow())
}
