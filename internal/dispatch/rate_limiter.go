package dispatch

import (
	"sync"
	"time"
)

// RateLimiter allows a fixed number of sends per tenant per minute window.
// A limit of zero or less disables it.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	tenants map[string]*tenantLimit
	now     func() time.Time
}

type tenantLimit struct {
	count       int
	windowStart time.Time
}

func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		limit:   perMinute,
		window:  time.Minute,
		tenants: make(map[string]*tenantLimit),
		now:     time.Now,
	}
}

func (rl *RateLimiter) Allow(tenantID string) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	l, ok := rl.tenants[tenantID]
	if !ok || now.Sub(l.windowStart) >= rl.window {
		rl.tenants[tenantID] = &tenantLimit{count: 1, windowStart: now}
		return true
	}
	if l.count >= rl.limit {
		return false
	}
	l.count++
	return true
}

// Cleanup drops tenants idle for five windows.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for id, l := range rl.tenants {
		if now.Sub(l.windowStart) > 5*rl.window {
			delete(rl.tenants, id)
		}
	}
}
