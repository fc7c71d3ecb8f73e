// Package ratelimit provides per-client token-bucket limiting for the chat
// endpoints, backed by golang.org/x/time/rate.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Store maintains per-key limiters that share the same rate and burst.
type Store struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

// NewStore creates a Store allowing ratePerSecond requests/s per key with
// the given burst. If burst <= 0 it defaults to ceil(ratePerSecond), min 1.
func NewStore(ratePerSecond float64, burst int) *Store {
	if burst <= 0 {
		burst = int(ratePerSecond + 0.999)
		if burst < 1 {
			burst = 1
		}
	}
	return &Store{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(ratePerSecond),
		burst:    burst,
		now:      time.Now,
	}
}

// Allow reports whether a request for key may proceed, creating the key's
// limiter on first use.
func (s *Store) Allow(key string) bool {
	s.mu.Lock()
	now := s.now()
	e, ok := s.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(s.rate, s.burst)}
		s.limiters[key] = e
	}
	e.lastSeen = now
	s.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// Len returns the number of tracked keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// Sweep drops limiters that have not been used for idle and returns how
// many were removed.
func (s *Store) Sweep(idle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-idle)
	removed := 0
	for k, e := range s.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(s.limiters, k)
			removed++
		}
	}
	return removed
}

// StartSweeper calls Sweep(idle) every interval until ctx is cancelled.
func (s *Store) StartSweeper(ctx context.Context, interval, idle time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(idle)
			}
		}
	}()
}

// ClientIP returns the request's remote host. The server mounts chi's
// RealIP middleware, which rewrites RemoteAddr from X-Forwarded-For or
// X-Real-IP, only when server.trust_proxy_headers is set; otherwise those
// client-supplied headers do not affect the key.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware limits requests per client IP. Rejected requests are handed
// to onLimited, which writes the response.
func Middleware(s *Store, onLimited http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Allow(ClientIP(r)) {
				onLimited(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
