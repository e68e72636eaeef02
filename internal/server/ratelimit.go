package server

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ngaddam369/token-exchange/internal/auth"
	"github.com/ngaddam369/token-exchange/internal/metrics"
)

// callerLimiter keeps one token bucket per authenticated client id.
// Unauthenticated requests never reach it, so the map is bounded by the
// number of registered clients.
type callerLimiter struct {
	limit   rate.Limit
	burst   int
	metrics *metrics.Metrics

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newCallerLimiter(perSecond float64, burst int, m *metrics.Metrics) *callerLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &callerLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		metrics: m,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (c *callerLimiter) bucket(clientID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[clientID]
	if !ok {
		b = rate.NewLimiter(c.limit, c.burst)
		c.buckets[clientID] = b
	}
	return b
}

// middleware rejects callers over their rate with 429. A nil limiter lets
// every request through.
func (c *callerLimiter) middleware(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := auth.CallerFromContext(r.Context())
		b := c.bucket(caller.ClientID)
		if !b.Allow() {
			c.metrics.RateLimited(caller.ClientID)
			wait := time.Duration(float64(time.Second) / float64(c.limit))
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, r, http.StatusTooManyRequests, codeSlowDown, "Too many token exchange requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
