package server

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nimbuslabs/edge-gateway/internal/metrics"
)

// Limit is a fixed-window cap: at most Requests admitted per Window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// windowCounter is the per-service bookkeeping. The window resets on a fixed
// schedule rather than sliding per request, so state stays constant-size.
type windowCounter struct {
	limit       Limit
	count       int
	windowStart time.Time
}

// LimiterSet holds one fixed-window counter per downstream service, created
// lazily on first use and kept for the life of the process.
type LimiterSet struct {
	mu       sync.Mutex
	counters map[string]*windowCounter
	now      func() time.Time
}

// NewLimiterSet creates an empty limiter set.
func NewLimiterSet() *LimiterSet {
	return &LimiterSet{
		counters: make(map[string]*windowCounter),
		now:      time.Now,
	}
}

// Allow admits or rejects a request against the service's window. It never
// blocks. When rejected, retryAfter is the time remaining until the window
// resets.
func (s *LimiterSet) Allow(service string, limit Limit) (allowed bool, retryAfter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.counters[service]
	if !ok {
		c = &windowCounter{limit: limit, windowStart: now}
		s.counters[service] = c
	}

	if now.Sub(c.windowStart) >= c.limit.Window {
		c.count = 0
		c.windowStart = now
	}

	if c.count >= c.limit.Requests {
		return false, c.windowStart.Add(c.limit.Window).Sub(now)
	}
	c.count++
	return true, 0
}

// RateLimitMiddleware rejects requests over the service's cap with 429
// before any proxying happens.
func RateLimitMiddleware(limits *LimiterSet, service string, limit Limit) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, retryAfter := limits.Allow(service, limit)
			if !allowed {
				metrics.RateLimited.WithLabelValues(service).Inc()
				seconds := int(retryAfter.Seconds())
				if retryAfter > time.Duration(seconds)*time.Second {
					seconds++
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				WriteServiceError(w, r, http.StatusTooManyRequests, CodeRateLimitExceeded,
					fmt.Sprintf("rate limit exceeded for service %s", service), service)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
