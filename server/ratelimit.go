package server

import (
	"net"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"
)

const maxLimiters = 256 * 100

// RateLimit caps queries per client ip per minute. Zero rate disables
// limiting; loopback clients are exempt.
type RateLimit struct {
	mu       sync.Mutex
	limiters map[uint64]*rate.Limiter

	rate int
}

// NewRateLimit return ratelimit
func NewRateLimit(perMinute int) *RateLimit {
	return &RateLimit{
		limiters: make(map[uint64]*rate.Limiter),
		rate:     perMinute,
	}
}

// Allow reports whether the client is within its rate.
func (r *RateLimit) Allow(ip net.IP) bool {
	if r.rate == 0 || ip == nil || ip.IsLoopback() {
		return true
	}

	return r.getLimiter(ip).Allow()
}

func (r *RateLimit) getLimiter(ip net.IP) *rate.Limiter {
	key := xxhash.Sum64(ip)

	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[key]; ok {
		return l
	}

	// crude bound, a full map is dropped wholesale
	if len(r.limiters) >= maxLimiters {
		r.limiters = make(map[uint64]*rate.Limiter)
	}

	l := rate.NewLimiter(rate.Every(time.Minute/time.Duration(r.rate)), r.rate)
	r.limiters[key] = l

	return l
}
