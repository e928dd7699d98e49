package handler

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	throttleIdleTTL    = 10 * time.Minute
	throttlePurgeAbove = 1000
)

// IPThrottle is a per-client token bucket guarding the admin routes.
// It is separate from the engine limiter so operators cannot lock
// themselves out through the records they manage.
type IPThrottle struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewIPThrottle(rps float64, burst int) *IPThrottle {
	if burst < 1 {
		burst = 1
	}
	return &IPThrottle{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
	}
}

func (t *IPThrottle) Allow(remoteAddr string) bool {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		ip = remoteAddr
	}
	now := t.now()

	t.mu.Lock()
	v, ok := t.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.visitors[ip] = v
	}
	v.lastSeen = now
	if len(t.visitors) > throttlePurgeAbove {
		t.purge(now)
	}
	lim := v.limiter
	t.mu.Unlock()

	return lim.AllowN(now, 1)
}

func (t *IPThrottle) purge(now time.Time) {
	cutoff := now.Add(-throttleIdleTTL)
	for k, v := range t.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(t.visitors, k)
		}
	}
}

// Middleware answers 429 once a client exhausts its bucket.
func (t *IPThrottle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.Allow(r.RemoteAddr) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"success":false,"error":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
