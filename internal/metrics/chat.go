// Package metrics exposes Prometheus collectors for the chat service.
package metrics

import (
	"net/http"
	"time"

	"github.com/ashureev/shsh-chat/internal/chat"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ChatMetrics exposes counters/histograms for conversation flows.
type ChatMetrics struct {
	submitsTotal   *prometheus.CounterVec
	replyLatency   prometheus.Histogram
	activeSessions prometheus.Gauge
	rateLimited    prometheus.Counter
}

var _ chat.Metrics = (*ChatMetrics)(nil)

// NewChatMetrics registers chat collectors on reg, or on the default
// registerer when reg is nil.
func NewChatMetrics(reg prometheus.Registerer) *ChatMetrics {
	m := &ChatMetrics{
		submitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shsh_chat",
			Name:      "submits_total",
			Help:      "Submit calls by outcome",
		}, []string{"outcome"}),
		replyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shsh_chat",
			Name:      "reply_latency_seconds",
			Help:      "Time spent waiting for the model reply",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shsh_chat",
			Name:      "active_sessions",
			Help:      "Live conversation controllers",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shsh_chat",
			Name:      "rate_limited_total",
			Help:      "Submits rejected by the per-user rate limiter",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.submitsTotal, m.replyLatency, m.activeSessions, m.rateLimited)
	return m
}

// ObserveSubmit counts a submit outcome.
func (m *ChatMetrics) ObserveSubmit(outcome chat.Outcome) {
	if m == nil {
		return
	}
	m.submitsTotal.WithLabelValues(string(outcome)).Inc()
}

// ObserveReplyLatency records how long a model call took.
func (m *ChatMetrics) ObserveReplyLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.replyLatency.Observe(d.Seconds())
}

// SetActiveSessions sets the live controller gauge.
func (m *ChatMetrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// ObserveRateLimited counts a throttled request.
func (m *ChatMetrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// Handler serves the collectors of gatherer in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
