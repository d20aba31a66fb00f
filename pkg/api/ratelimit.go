package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// addrLimiter enforces a per-client-address request budget. Each address
// gets a token bucket of size burst that refills evenly over the window.
type addrLimiter struct {
	mu       sync.Mutex
	limiters map[string]*addrEntry
	burst    int
	window   time.Duration
}

type addrEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newAddrLimiter(burst int, window time.Duration) *addrLimiter {
	return &addrLimiter{
		limiters: make(map[string]*addrEntry),
		burst:    burst,
		window:   window,
	}
}

func (l *addrLimiter) get(addr string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e, ok := l.limiters[addr]
	if !ok {
		e = &addrEntry{limiter: rate.NewLimiter(rate.Every(l.window/time.Duration(l.burst)), l.burst)}
		l.limiters[addr] = e
	}
	e.lastSeen = now

	// Opportunistic prune of addresses idle for two windows.
	if len(l.limiters) > 1000 {
		cutoff := now.Add(-2 * l.window)
		for k, v := range l.limiters {
			if v.lastSeen.Before(cutoff) {
				delete(l.limiters, k)
			}
		}
	}
	return e.limiter
}

// allow consumes one token for addr and reports the remaining budget and
// the wait until the next token.
func (l *addrLimiter) allow(addr string) (ok bool, remaining int, reset time.Duration) {
	lim := l.get(addr)
	ok = lim.Allow()
	remaining = int(math.Floor(lim.Tokens()))
	if remaining < 0 {
		remaining = 0
	}
	if !ok {
		r := lim.Reserve()
		reset = r.Delay()
		r.Cancel()
	}
	return ok, remaining, reset
}

// clientAddr extracts the caller's address, preferring the first
// X-Forwarded-For hop when a proxy sits in front.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// withLimiter gates a handler behind an address limiter and stamps the
// X-RateLimit headers on every response.
func (s *Server) withLimiter(l *addrLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, remaining, reset := l.allow(clientAddr(r))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.burst))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !ok {
			w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(math.Ceil(reset.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}
