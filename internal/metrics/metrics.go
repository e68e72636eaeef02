// Package metrics holds the Prometheus collectors of the token exchange
// service. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the set of collectors exported on /metrics.
type Metrics struct {
	exchanges       *prometheus.CounterVec
	introspections  *prometheus.CounterVec
	revocations     *prometheus.CounterVec
	upstream        *prometheus.HistogramVec
	evictions       prometheus.Counter
	expiredDeleted  prometheus.Counter
	rateLimited     *prometheus.CounterVec
	authentications *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		exchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_exchange_requests_total",
				Help: "Token exchange requests by outcome and issued token type.",
			},
			[]string{"outcome", "token_type"},
		),
		introspections: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "token_exchange_introspections_total", Help: "Introspection requests by result."},
			[]string{"active"},
		),
		revocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "token_exchange_revocations_total", Help: "Revocation requests by whether the token existed."},
			[]string{"found"},
		),
		upstream: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "token_exchange_upstream_introspection_seconds",
				Help:    "Latency of calls to the upstream introspection endpoint.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "token_exchange_ceiling_evictions_total",
			Help: "Valid tokens deleted to keep a subject under the active token ceiling.",
		}),
		expiredDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "token_exchange_expired_tokens_deleted_total",
			Help: "Long-expired tokens removed by the janitor.",
		}),
		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "token_exchange_rate_limited_total", Help: "Exchange requests rejected by the per-caller rate limit."},
			[]string{"client_id"},
		),
		authentications: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "token_exchange_caller_auth_total", Help: "Caller authentication attempts by result."},
			[]string{"result"},
		),
	}
	reg.MustRegister(m.exchanges, m.introspections, m.revocations, m.upstream,
		m.evictions, m.expiredDeleted, m.rateLimited, m.authentications)
	return m
}

// Exchange counts one exchange request. outcome is "granted" or the error code.
func (m *Metrics) Exchange(outcome, tokenType string) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(outcome, tokenType).Inc()
}

func (m *Metrics) Introspection(active bool) {
	if m == nil {
		return
	}
	m.introspections.WithLabelValues(boolLabel(active)).Inc()
}

func (m *Metrics) Revocation(found bool) {
	if m == nil {
		return
	}
	m.revocations.WithLabelValues(boolLabel(found)).Inc()
}

// Upstream observes one call to the upstream introspection endpoint.
// result is "active", "inactive" or "error".
func (m *Metrics) Upstream(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.upstream.WithLabelValues(result).Observe(elapsed.Seconds())
}

func (m *Metrics) Evicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evictions.Add(float64(n))
}

func (m *Metrics) ExpiredDeleted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.expiredDeleted.Add(float64(n))
}

func (m *Metrics) RateLimited(clientID string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(clientID).Inc()
}

func (m *Metrics) Authentication(ok bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if ok {
		result = "accepted"
	}
	m.authentications.WithLabelValues(result).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
