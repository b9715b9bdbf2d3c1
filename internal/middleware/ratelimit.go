package middleware

import (
	"context"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/baseliner/backend/internal/core"
	"github.com/baseliner/backend/internal/monitoring"
)

// Limiter decides whether a keyed request may proceed. Implementations are
// the in-process token bucket and the Redis fixed window.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// MemoryLimiter keeps one token bucket per key. Buckets refill at rps with
// the given burst and are garbage-collected after an idle period.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
	rps     rate.Limit
	burst   int
}

type memoryBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewMemoryLimiter(perMinute, burst int) *MemoryLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = perMinute
	}
	ml := &MemoryLimiter{
		buckets: make(map[string]*memoryBucket),
		rps:     rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
	}
	go ml.cleanup()
	return ml
}

func (ml *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	ml.mu.Lock()
	b, ok := ml.buckets[key]
	if !ok {
		b = &memoryBucket{lim: rate.NewLimiter(ml.rps, ml.burst)}
		ml.buckets[key] = b
	}
	b.lastSeen = time.Now()
	ml.mu.Unlock()

	if b.lim.Allow() {
		return true, 0, nil
	}
	// Reservation tells us how long until a token frees up; cancel it so the
	// rejected request does not consume it.
	res := b.lim.Reserve()
	wait := res.Delay()
	res.Cancel()
	return false, wait, nil
}

func (ml *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-10 * time.Minute)
		ml.mu.Lock()
		for key, b := range ml.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(ml.buckets, key)
			}
		}
		ml.mu.Unlock()
	}
}

// ScopedLimiter pairs a limiter for authenticated devices with one for
// anonymous clients keyed by IP, so the two scopes carry independent
// budgets.
type ScopedLimiter struct {
	Device Limiter
	IP     Limiter

	// TrustForwarded keys anonymous requests by the first X-Forwarded-For
	// entry instead of the socket address. Enable only behind a proxy that
	// overwrites the header; a client can otherwise spoof its way past the
	// IP budget.
	TrustForwarded bool
}

func (sl *ScopedLimiter) limiterFor(scope string) Limiter {
	if scope == "device" {
		return sl.Device
	}
	return sl.IP
}

// RateLimit enforces the scoped limiters, keyed by the authenticated
// device when present, else by client IP. A limiter backend error fails
// open: a broken Redis must not take down ingestion.
func RateLimit(sl *ScopedLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, scope := limitKey(r, sl.TrustForwarded)
			l := sl.limiterFor(scope)
			if l == nil {
				next.ServeHTTP(w, r)
				return
			}

			allowed, retryAfter, err := l.Allow(r.Context(), key)
			if err != nil {
				log.Printf("[RATE-LIMIT] backend error, allowing request: %v", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				monitoring.RateLimited.WithLabelValues(scope).Inc()
				secs := int(retryAfter.Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				WriteError(w, r, core.E(core.KindRateLimited, "rate limit exceeded").
					WithDetails(map[string]interface{}{"retry_after_seconds": secs}))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func limitKey(r *http.Request, trustForwarded bool) (key, scope string) {
	if d := Device(r.Context()); d != nil {
		return "device:" + d.ID.String(), "device"
	}
	return "ip:" + clientIP(r, trustForwarded), "ip"
}

// clientIP resolves the address an anonymous request limits on. The first
// X-Forwarded-For entry is the original client when the proxy chain is
// trusted.
func clientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		fwd := r.Header.Get("X-Forwarded-For")
		if i := strings.Index(fwd, ","); i >= 0 {
			fwd = fwd[:i]
		}
		if fwd = strings.TrimSpace(fwd); fwd != "" {
			return fwd
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
