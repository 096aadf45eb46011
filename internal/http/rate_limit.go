package httpx

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultRateWindow = time.Minute
	// expired windows are dropped at most this often
	windowSweepEvery = 5 * time.Minute
)

// Callers are counted per kind: readers by client address, writers by the
// subject of their bearer token.
const (
	callerClient   = "client"
	callerOperator = "operator"
)

// RateLimiter admits or rejects a caller's request within a fixed window.
// A limit of zero or less admits everything.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) Decision
	Close()
}

// Decision reports how many requests key has made in the current window and
// when that window resets.
type Decision struct {
	Allowed   bool
	Count     int
	WindowEnd time.Time
}

// windowCounter is the in-process RateLimiter used when Redis is not
// configured. Quotas are per replica.
type windowCounter struct {
	mu        sync.Mutex
	now       func() time.Time
	windows   map[string]*fixedWindow
	nextSweep time.Time
}

type fixedWindow struct {
	hits    int
	resetAt time.Time
}

// NewMemoryRateLimiter returns a RateLimiter that keeps its counters in memory.
func NewMemoryRateLimiter() RateLimiter {
	return newWindowCounter(time.Now)
}

func newWindowCounter(now func() time.Time) *windowCounter {
	return &windowCounter{
		now:       now,
		windows:   make(map[string]*fixedWindow),
		nextSweep: now().Add(windowSweepEvery),
	}
}

func (c *windowCounter) Allow(key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !now.Before(c.nextSweep) {
		c.sweep(now)
	}
	w, ok := c.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &fixedWindow{resetAt: now.Add(window)}
		c.windows[key] = w
	}
	if w.hits >= limit {
		return Decision{Count: w.hits, WindowEnd: w.resetAt}
	}
	w.hits++
	return Decision{Allowed: true, Count: w.hits, WindowEnd: w.resetAt}
}

// sweep drops windows that ended before now. Callers hold c.mu.
func (c *windowCounter) sweep(now time.Time) {
	for key, w := range c.windows {
		if !now.Before(w.resetAt) {
			delete(c.windows, key)
		}
	}
	c.nextSweep = now.Add(windowSweepEvery)
}

func (c *windowCounter) Close() {}

// throttle rejects requests over limit with 429. Callers without a key from
// keyFn are counted by client address.
func (r *Router) throttle(route string, limit int, keyFn func(*http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	if limit <= 0 || r.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, req *http.Request) {
		key := keyFn(req)
		if key == "" {
			key = clientQuotaKey(req)
		}
		decision := r.limiter.Allow(key, limit, r.rateWindow)
		applyRateHeaders(w, limit, decision)
		if decision.Allowed {
			next(w, req)
			return
		}
		r.logger.Warn("deployment api quota exhausted", "route", route, "caller", callerKind(key), "count", decision.Count)
		r.recordRateLimitHit(route, callerKind(key))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	}
}

func quotaKey(kind, id string) string {
	return kind + ":" + id
}

// callerKind is the metric label for key: its kind prefix.
func callerKind(key string) string {
	kind, _, found := strings.Cut(key, ":")
	if !found || kind == "" {
		return "unknown"
	}
	return kind
}

func clientQuotaKey(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return quotaKey(callerClient, host)
}

func operatorQuotaKey(req *http.Request) string {
	info, ok := authInfoFromContext(req.Context())
	if !ok || info.Subject == "" {
		return ""
	}
	return quotaKey(callerOperator, info.Subject)
}
