// Package metrics exposes the gateway's Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Data plane
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	UpstreamLatency *prometheus.HistogramVec

	// Denials
	RateLimitDenials *prometheus.CounterVec
	BudgetDenials    *prometheus.CounterVec
	PolicyDenials    *prometheus.CounterVec

	// Usage
	TokensConsumed *prometheus.CounterVec

	// Resilience
	BreakerRejections *prometheus.CounterVec

	// Control plane
	SessionsPrepared prometheus.Counter
	SessionsDecided  *prometheus.CounterVec
}

// New registers the gateway metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Data-plane requests by resource, action and decision",
			},
			[]string{"resource", "action", "decision"},
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "End-to-end request latency including the upstream call",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"resource", "action"},
		),

		UpstreamLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_duration_seconds",
				Help:    "Upstream provider latency",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"resource"},
		),

		RateLimitDenials: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rate_limit_denials_total",
				Help: "Requests denied by a rate limit",
			},
			[]string{"app_id", "resource"},
		),

		BudgetDenials: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_budget_denials_total",
				Help: "Requests denied by a daily or monthly quota",
			},
			[]string{"app_id", "period"},
		),

		PolicyDenials: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_policy_denials_total",
				Help: "Requests denied by the policy engine, by error code",
			},
			[]string{"resource", "code"},
		),

		TokensConsumed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_consumed_total",
				Help: "Upstream tokens consumed by direction",
			},
			[]string{"resource", "model", "direction"}, // direction: input, output
		),

		BreakerRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_breaker_rejections_total",
				Help: "Requests short-circuited by an open breaker",
			},
			[]string{"resource"},
		),

		SessionsPrepared: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_connect_sessions_prepared_total",
				Help: "Connect sessions created by the prepare step",
			},
		),

		SessionsDecided: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_connect_sessions_decided_total",
				Help: "Connect session outcomes",
			},
			[]string{"outcome"}, // outcome: approved, rejected, expired
		),
	}
}

// ObserveRequest records one finished data-plane request.
func (m *Metrics) ObserveRequest(resource, action, decision string, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(resource, action, decision).Inc()
	m.RequestDuration.WithLabelValues(resource, action).Observe(elapsed.Seconds())
}

// ObserveTokens records token consumption for a request.
func (m *Metrics) ObserveTokens(resource, model string, input, output int64) {
	if input > 0 {
		m.TokensConsumed.WithLabelValues(resource, model, "input").Add(float64(input))
	}
	if output > 0 {
		m.TokensConsumed.WithLabelValues(resource, model, "output").Add(float64(output))
	}
}
