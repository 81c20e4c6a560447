// Package telemetry registers and records the gateway's Prometheus
// metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the Manifold gateway. A
// nil *Metrics is valid and records nothing.
type Metrics struct {
	RequestTotal           *prometheus.CounterVec
	RequestDurationMs      *prometheus.HistogramVec
	UpstreamRetryTotal     *prometheus.CounterVec
	SelectionTotal         *prometheus.CounterVec
	NoHealthyTotal         *prometheus.CounterVec
	HealthTransitionTotal  *prometheus.CounterVec
	ProbeTotal             *prometheus.CounterVec
	StreamChunkTotal       *prometheus.CounterVec
	TokensTotal            *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "manifold_request_total",
			Help: "Total number of requests processed by the gateway.",
		}, []string{"protocol", "provider", "status"}),

		RequestDurationMs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "manifold_request_duration_ms",
			Help:    "Total request duration in milliseconds (including provider latency).",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"protocol", "provider"}),

		UpstreamRetryTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "manifold_upstream_retry_total",
			Help: "Outbound attempts retried after a retryable failure.",
		}, []string{"origin"}),

		SelectionTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "manifold_pool_selection_total",
			Help: "Pool entry selections, by provider type and entry.",
		}, []string{"provider", "entry"}),

		NoHealthyTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "manifold_pool_no_healthy_total",
			Help: "Selections that found no eligible entry in the pool.",
		}, []string{"provider"}),

		HealthTransitionTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "manifold_pool_health_transition_total",
			Help: "Pool entry health state transitions.",
		}, []string{"provider", "from", "to"}),

		ProbeTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "manifold_pool_probe_total",
			Help: "Health probes run against pool entries.",
		}, []string{"provider", "outcome"}),

		StreamChunkTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "manifold_stream_chunk_total",
			Help: "Streaming chunks relayed to clients.",
		}, []string{"protocol"}),

		TokensTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "manifold_tokens_total",
			Help: "Total tokens reported by upstream providers.",
		}, []string{"provider", "direction"}),
	}
}

// RecordRequest records metrics for a completed request.
func (m *Metrics) RecordRequest(labels RequestLabels) {
	if m == nil {
		return
	}
	m.RequestTotal.WithLabelValues(labels.Protocol, labels.Provider, labels.Status).Inc()
	m.RequestDurationMs.WithLabelValues(labels.Protocol, labels.Provider).Observe(labels.DurationMs)
	if labels.PromptTokens > 0 {
		m.TokensTotal.WithLabelValues(labels.Provider, "prompt").Add(float64(labels.PromptTokens))
	}
	if labels.CompletionTokens > 0 {
		m.TokensTotal.WithLabelValues(labels.Provider, "completion").Add(float64(labels.CompletionTokens))
	}
}

// RecordRetry counts one retried outbound attempt against an origin.
func (m *Metrics) RecordRetry(origin string) {
	if m == nil {
		return
	}
	m.UpstreamRetryTotal.WithLabelValues(origin).Inc()
}

// RecordSelection records one pool selection.
func (m *Metrics) RecordSelection(provider, entry string) {
	if m == nil {
		return
	}
	m.SelectionTotal.WithLabelValues(provider, entry).Inc()
}

// RecordNoHealthy records a selection that found no eligible entry.
func (m *Metrics) RecordNoHealthy(provider string) {
	if m == nil {
		return
	}
	m.NoHealthyTotal.WithLabelValues(provider).Inc()
}

// RecordHealthTransition records a pool entry state change.
func (m *Metrics) RecordHealthTransition(provider, from, to string) {
	if m == nil {
		return
	}
	m.HealthTransitionTotal.WithLabelValues(provider, from, to).Inc()
}

// RecordProbe records one health probe outcome ("ok" or "fail").
func (m *Metrics) RecordProbe(provider, outcome string) {
	if m == nil {
		return
	}
	m.ProbeTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordStreamChunk counts one relayed streaming chunk.
func (m *Metrics) RecordStreamChunk(protocol string) {
	if m == nil {
		return
	}
	m.StreamChunkTotal.WithLabelValues(protocol).Inc()
}

// RequestLabels holds the label values for recording a request.
type RequestLabels struct {
	Protocol         string
	Provider         string
	Status           string
	DurationMs       float64
	PromptTokens     int
	CompletionTokens int
}
