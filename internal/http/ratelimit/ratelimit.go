// Package ratelimit throttles requests per client address.
package ratelimit

import (
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apierrors "gitea.jw6.us/james/calsync/internal/http/errors"
)

const maxEntries = 10000

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// IPRateLimiter keeps one token bucket per client address. Forwarding
// headers are honoured only for requests arriving from a trusted proxy, or
// from anywhere when no proxies are configured.
type IPRateLimiter struct {
	rate    rate.Limit
	burst   int
	idle    time.Duration
	trusted []netip.Prefix
	now     func() time.Time

	mu       sync.Mutex
	limiters map[string]*limiterEntry

	stop chan struct{}
	once sync.Once
}

// NewIPRateLimiter allows r requests per second with burst b per address.
// Buckets unused for twice idle are swept every idle.
func NewIPRateLimiter(r rate.Limit, b int, idle time.Duration, trustedProxies []string) *IPRateLimiter {
	l := &IPRateLimiter{
		rate:     r,
		burst:    b,
		idle:     idle,
		trusted:  parsePrefixes(trustedProxies),
		now:      time.Now,
		limiters: make(map[string]*limiterEntry),
		stop:     make(chan struct{}),
	}
	if idle > 0 {
		go l.sweepLoop()
	}
	return l
}

func parsePrefixes(raw []string) []netip.Prefix {
	var out []netip.Prefix
	for _, s := range raw {
		if p, err := netip.ParsePrefix(s); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(s); err == nil {
			out = append(out, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
		}
	}
	return out
}

// Close stops the background sweeper.
func (l *IPRateLimiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

// Allow takes a token from the bucket for key.
func (l *IPRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= maxEntries {
			l.evictOldestLocked()
		}
		e = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = e
	}
	e.lastAccess = now
	return e.limiter.AllowN(now, 1)
}

func (l *IPRateLimiter) evictOldestLocked() {
	var oldest string
	var at time.Time
	for k, e := range l.limiters {
		if oldest == "" || e.lastAccess.Before(at) {
			oldest, at = k, e.lastAccess
		}
	}
	delete(l.limiters, oldest)
}

func (l *IPRateLimiter) sweepLoop() {
	t := time.NewTicker(l.idle)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			l.sweep()
		}
	}
}

func (l *IPRateLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-2 * l.idle)
	for k, e := range l.limiters {
		if e.lastAccess.Before(cutoff) {
			delete(l.limiters, k)
		}
	}
}

// Middleware rejects requests over the limit with 429.
func (l *IPRateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(l.ClientIP(r)) {
				w.Header().Set("Retry-After", "1")
				apierrors.Write(w, r, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP resolves the address a request is attributed to.
func (l *IPRateLimiter) ClientIP(r *http.Request) string {
	remote, ok := parseAddr(r.RemoteAddr)
	if !ok {
		return r.RemoteAddr
	}
	if len(l.trusted) > 0 && !l.isTrusted(remote) {
		return remote.String()
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if a, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			return a.Unmap().String()
		}
	}
	if a, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return a.Unmap().String()
	}
	return remote.String()
}

func (l *IPRateLimiter) isTrusted(a netip.Addr) bool {
	for _, p := range l.trusted {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

func parseAddr(s string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), true
	}
	a, err := netip.ParseAddr(s)
	return a.Unmap(), err == nil
}
