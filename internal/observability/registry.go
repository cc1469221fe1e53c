package observability

import "time"

// MetricsRegistry provides an interface for recording application metrics.
// Handlers and clients receive it by injection so tests can use the no-op
// implementation without touching the global Prometheus state.
type MetricsRegistry interface {
	IncrementRequests(endpoint, method, status string)
	RecordRequestLatency(endpoint, method string, duration time.Duration)

	IncrementClickResult(result string)
	IncrementBeacon(event string)

	IncrementClassifierVerdict(verdict string)
	RecordClassifierLatency(duration time.Duration)

	IncrementFanoutTask(task, outcome string)

	IncrementConversionDebit(event, os string)
	IncrementAppSelection(path string)
}

// PrometheusRegistry implements MetricsRegistry using the global Prometheus metrics.
type PrometheusRegistry struct{}

// NewPrometheusRegistry creates a new PrometheusRegistry.
func NewPrometheusRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{}
}

func (r *PrometheusRegistry) IncrementRequests(endpoint, method, status string) {
	RequestCount.WithLabelValues(endpoint, method, status).Inc()
}

func (r *PrometheusRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	RequestLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementClickResult(result string) {
	ClickResultCount.WithLabelValues(result).Inc()
}

func (r *PrometheusRegistry) IncrementBeacon(event string) {
	BeaconCount.WithLabelValues(event).Inc()
}

func (r *PrometheusRegistry) IncrementClassifierVerdict(verdict string) {
	ClassifierVerdictCount.WithLabelValues(verdict).Inc()
}

func (r *PrometheusRegistry) RecordClassifierLatency(duration time.Duration) {
	ClassifierLatency.Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementFanoutTask(task, outcome string) {
	FanoutTaskCount.WithLabelValues(task, outcome).Inc()
}

func (r *PrometheusRegistry) IncrementConversionDebit(event, os string) {
	ConversionDebitCount.WithLabelValues(event, os).Inc()
}

func (r *PrometheusRegistry) IncrementAppSelection(path string) {
	AppSelectionCount.WithLabelValues(path).Inc()
}

// NoOpRegistry implements MetricsRegistry with no-op methods for testing.
type NoOpRegistry struct{}

// NewNoOpRegistry creates a new NoOpRegistry.
func NewNoOpRegistry() *NoOpRegistry {
	return &NoOpRegistry{}
}

func (r *NoOpRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (r *NoOpRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}
func (r *NoOpRegistry) IncrementClickResult(result string)                                   {}
func (r *NoOpRegistry) IncrementBeacon(event string)                                         {}
func (r *NoOpRegistry) IncrementClassifierVerdict(verdict string)                            {}
func (r *NoOpRegistry) RecordClassifierLatency(duration time.Duration)                       {}
func (r *NoOpRegistry) IncrementFanoutTask(task, outcome string)                             {}
func (r *NoOpRegistry) IncrementConversionDebit(event, os string)                            {}
func (r *NoOpRegistry) IncrementAppSelection(path string)                                    {}
