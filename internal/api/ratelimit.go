package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bullyto/maps/internal/auth"
)

// rateLimiter keeps one token bucket per principal. It backs position pushes and
// the request-tracking cooldown.
type rateLimiter struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time
	buckets map[string]*bucket
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newRateLimiter(rps float64, burst int, now func() time.Time) *rateLimiter {
	if now == nil {
		now = time.Now
	}
	return &rateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		idle:    10 * time.Minute,
		now:     now,
		buckets: map[string]*bucket{},
	}
}

func (l *rateLimiter) bucketFor(p auth.Principal, now time.Time) *rate.Limiter {
	key := string(p.Role) + ":" + p.Subject
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) > 4096 {
			l.sweepLocked(now)
		}
		b = &bucket{lim: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.lim
}

func (l *rateLimiter) allow(p auth.Principal) bool {
	if l == nil || l.rps <= 0 {
		return true
	}
	now := l.now()
	return l.bucketFor(p, now).AllowN(now, 1)
}

// reserve takes a token for p. When none is available it returns the wait until the
// next one. Otherwise release hands the token back, for requests that end up failing.
func (l *rateLimiter) reserve(p auth.Principal) (release func(), wait time.Duration) {
	if l == nil || l.rps <= 0 {
		return func() {}, 0
	}
	now := l.now()
	r := l.bucketFor(p, now).ReserveN(now, 1)
	if !r.OK() {
		return nil, l.idle
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return nil, d
	}
	return func() { r.CancelAt(now) }, 0
}

// retryAfter renders d as whole seconds, at least 1.
func retryAfter(d time.Duration) string {
	return strconv.Itoa(max(1, int(d.Round(time.Second)/time.Second)))
}

func (l *rateLimiter) sweepLocked(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.seen) > l.idle {
			delete(l.buckets, k)
		}
	}
}

func (s *Server) rateLimited(h principalHandler) principalHandler {
	return func(w http.ResponseWriter, r *http.Request, p auth.Principal) {
		if !s.limiter.allow(p) {
			w.Header().Set("Retry-After", "1")
			writeFail(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		h(w, r, p)
	}
}

// requestCooldown spaces out session creation per recipient. Only created sessions count.
func (s *Server) requestCooldown(h func(http.ResponseWriter, *http.Request, auth.Principal) bool) principalHandler {
	return func(w http.ResponseWriter, r *http.Request, p auth.Principal) {
		release, wait := s.cooldown.reserve(p)
		if release == nil {
			w.Header().Set("Retry-After", retryAfter(wait))
			writeFail(w, http.StatusTooManyRequests, "tracking requested too recently")
			return
		}
		if !h(w, r, p) {
			release()
		}
	}
}
