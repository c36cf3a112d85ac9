// Package metrics provides Prometheus-based recording of LLM usage plus a
// query service that aggregates per-agent usage for the daily digest.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records per-request LLM metrics.
type Recorder interface {
	ObserveRequest(provider, model, agentType string,
		inputTokens, outputTokens int64, cost float64,
		success bool, errorType string, duration time.Duration)
	IncFallback(fromProvider, toProvider, reason string)
	ObserveLoop(agentType string, success bool, duration time.Duration)
}

// PrometheusRecorder implements Recorder with promauto collectors.
type PrometheusRecorder struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	costsTotal      *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	fallbackTotal   *prometheus.CounterVec
	loopTotal       *prometheus.CounterVec
	loopDuration    *prometheus.HistogramVec
}

// NewPrometheusRecorder creates a recorder registered on the default
// registry. Construct at most once per process.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Total number of LLM requests by provider, model, agent, and status",
			},
			[]string{"provider", "model", "agent_type", "status", "error_type"},
		),
		tokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_tokens_total",
				Help: "Total number of tokens used in LLM requests",
			},
			[]string{"provider", "model", "agent_type", "type"},
		),
		costsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_costs_total",
				Help: "Total cost in USD for LLM requests",
			},
			[]string{"provider", "model", "agent_type"},
		),
		requestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "model", "agent_type"},
		),
		fallbackTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_fallback_total",
				Help: "Total number of router fallbacks between providers",
			},
			[]string{"from_provider", "to_provider", "reason"},
		),
		loopTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_loops_total",
				Help: "Total number of agent loop executions by outcome",
			},
			[]string{"agent_type", "status"},
		),
		loopDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_loop_duration_seconds",
				Help:    "Duration of agent loop executions in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"agent_type"},
		),
	}
}

// ObserveRequest records one completed LLM request.
func (p *PrometheusRecorder) ObserveRequest(provider, model, agentType string,
	inputTokens, outputTokens int64, cost float64,
	success bool, errorType string, duration time.Duration,
) {
	status := "success"
	if !success {
		status = "error"
	}
	p.requestsTotal.WithLabelValues(provider, model, agentType, status, errorType).Inc()

	if success {
		p.tokensTotal.WithLabelValues(provider, model, agentType, "prompt").Add(float64(inputTokens))
		p.tokensTotal.WithLabelValues(provider, model, agentType, "completion").Add(float64(outputTokens))
		p.costsTotal.WithLabelValues(provider, model, agentType).Add(cost)
	}
	p.requestDuration.WithLabelValues(provider, model, agentType).Observe(duration.Seconds())
}

// IncFallback counts one router fallback.
func (p *PrometheusRecorder) IncFallback(fromProvider, toProvider, reason string) {
	p.fallbackTotal.WithLabelValues(fromProvider, toProvider, reason).Inc()
}

// ObserveLoop records one agent loop execution.
func (p *PrometheusRecorder) ObserveLoop(agentType string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	p.loopTotal.WithLabelValues(agentType, status).Inc()
	p.loopDuration.WithLabelValues(agentType).Observe(duration.Seconds())
}

// NopRecorder discards all observations. Used when metrics are disabled and
// in tests.
type NopRecorder struct{}

func (NopRecorder) ObserveRequest(_, _, _ string, _, _ int64, _ float64, _ bool, _ string, _ time.Duration) {
}
func (NopRecorder) IncFallback(_, _, _ string)                  {}
func (NopRecorder) ObserveLoop(_ string, _ bool, _ time.Duration) {}
