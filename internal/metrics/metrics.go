// Package metrics holds the Prometheus collectors for session and model activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sitesafety"

var (
	// analysesTotal counts Analyze calls by outcome.
	analysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Total number of image analyses",
		},
		[]string{"status"}, // status: success, decode_error, analysis_error
	)

	// chatTurnsTotal counts Converse calls by outcome.
	chatTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_turns_total",
			Help:      "Total number of chat turns",
		},
		[]string{"status"}, // status: success, session_not_found, generation_error, validation_error
	)

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live sessions in this process's in-memory store; not reported for the shared redis store",
		},
	)

	sessionsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Total number of sessions removed by idle expiry",
		},
	)

	// modelCallDuration is a histogram of model call latency.
	modelCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Duration of vision/chat model calls in seconds",
			Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"operation", "status"}, // operation: propose, describe, respond
	)

	allMetrics = []prometheus.Collector{
		analysesTotal,
		chatTurnsTotal,
		sessionsActive,
		sessionsExpiredTotal,
		modelCallDuration,
	}
)

// NewRegistry returns a registry holding the service collectors plus Go runtime metrics.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, collector := range allMetrics {
		reg.MustRegister(collector)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordAnalysis records the outcome of one Analyze call.
func RecordAnalysis(status string) {
	analysesTotal.WithLabelValues(status).Inc()
}

// RecordChatTurn records the outcome of one Converse call.
func RecordChatTurn(status string) {
	chatTurnsTotal.WithLabelValues(status).Inc()
}

// RecordSessionStart records a newly created session.
func RecordSessionStart() {
	sessionsActive.Inc()
}

// RecordSessionEnd records an explicitly ended session.
func RecordSessionEnd() {
	sessionsActive.Dec()
}

// RecordSessionsExpired records sessions removed by the idle sweeper.
func RecordSessionsExpired(n int) {
	if n <= 0 {
		return
	}
	sessionsActive.Sub(float64(n))
	sessionsExpiredTotal.Add(float64(n))
}

// RecordModelCall records the latency of a model call.
func RecordModelCall(operation, status string, durationSeconds float64) {
	modelCallDuration.WithLabelValues(operation, status).Observe(durationSeconds)
}
