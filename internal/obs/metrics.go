// Copyright 2025 James Ross
package obs

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flyingrobots/cognitive-event-bus/internal/events"
)

var (
	eventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "events_published_total",
		Help: "Total number of events published to the bus",
	}, []string{"topic"})
	eventsHandlerInvocationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "events_handler_invocations_total",
		Help: "Total handler invocations by pipeline, stage, and outcome",
	}, []string{"pipeline", "stage", "outcome"})
	dispatchDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "events_dispatch_duration_seconds",
		Help:    "Histogram of dispatch durations per topic",
		Buckets: prometheus.DefBuckets,
	}, []string{"topic"})
	cognitiveConsumerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cognitive_consumer_failures_total",
		Help: "Total number of consumers that transitioned to FAILED",
	}, []string{})
	cognitiveConsumerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cognitive_consumer_state",
		Help: "Consumer health state ordinal (0 healthy .. 4 terminated)",
	}, []string{"consumer_id"})
	backpressureLevel = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backpressure_level",
		Help: "Backpressure level ordinal per component (0 NONE .. 5 EMERGENCY)",
	}, []string{"component"})
	dlqDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dlq_depth",
		Help: "Dead-letter queue depth by disposition",
	}, []string{"disposition"})
)

func init() {
	prometheus.MustRegister(
		eventsPublishedTotal,
		eventsHandlerInvocationsTotal,
		dispatchDurationSeconds,
		cognitiveConsumerFailures,
		cognitiveConsumerState,
		backpressureLevel,
		dlqDepth,
	)
}

// PrometheusMetrics adapts the package-level collectors to events.MetricsSink,
// routing by metric name since the core only knows the abstract interface.
type PrometheusMetrics struct{}

// NewPrometheusMetrics returns an events.MetricsSink backed by the
// registered collectors above.
func NewPrometheusMetrics() events.MetricsSink { return PrometheusMetrics{} }

func (PrometheusMetrics) ObserveDuration(metric string, labels map[string]string, seconds float64) {
	switch metric {
	case "events_dispatch_duration_seconds":
		dispatchDurationSeconds.WithLabelValues(labels["topic"]).Observe(seconds)
	}
}

func (PrometheusMetrics) IncCounter(metric string, labels map[string]string) {
	switch metric {
	case "events_published_total":
		eventsPublishedTotal.WithLabelValues(labels["topic"]).Inc()
	case "events_handler_invocations_total":
		eventsHandlerInvocationsTotal.WithLabelValues(labels["pipeline"], labels["stage"], labels["outcome"]).Inc()
	case "cognitive_consumer_failures_total":
		cognitiveConsumerFailures.WithLabelValues().Inc()
	default:
		if strings.HasSuffix(metric, "_total") {
			// Unregistered ad-hoc counters are dropped rather than
			// panicking on an unknown collector.
			return
		}
	}
}

func (PrometheusMetrics) SetGauge(metric string, labels map[string]string, value float64) {
	switch metric {
	case "cognitive_consumer_state":
		cognitiveConsumerState.WithLabelValues(labels["consumer_id"]).Set(value)
	case "backpressure_level":
		backpressureLevel.WithLabelValues(labels["component"]).Set(value)
	case "dlq_depth":
		dlqDepth.WithLabelValues(labels["disposition"]).Set(value)
	}
}
