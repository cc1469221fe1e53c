package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clickgate_requests_total",
			Help: "Total HTTP requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	// request latency in seconds per endpoint/method
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clickgate_request_duration_seconds",
			Help:    "Histogram of request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// terminal result of web clicks: app, offer, landing, emergency
	ClickResultCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clickgate_click_results_total",
			Help: "Total web clicks by terminal result",
		},
		[]string{"result"},
	)

	// in-app beacons by event kind (install, reg, dep, entry, rereg, redep)
	BeaconCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clickgate_beacons_total",
			Help: "Total app beacons by event kind",
		},
		[]string{"event"},
	)

	// classifier verdicts returned by the click check
	ClassifierVerdictCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clickgate_classifier_verdicts_total",
			Help: "Total classifier click-check verdicts",
		},
		[]string{"verdict"},
	)

	// latency of the synchronous classifier call
	ClassifierLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clickgate_classifier_duration_seconds",
			Help:    "Duration of classifier click-check calls",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		},
	)

	// background fan-out tasks by name and outcome (ok, error, dropped, timeout)
	FanoutTaskCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clickgate_fanout_tasks_total",
			Help: "Total background fan-out tasks",
		},
		[]string{"task", "outcome"},
	)

	// conversion debits charged, by event kind and OS
	ConversionDebitCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clickgate_conversion_debits_total",
			Help: "Total conversion debits recorded",
		},
		[]string{"event", "os"},
	)

	// app selections by path taken: psa, weight, tag, reserve, none
	AppSelectionCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clickgate_app_selections_total",
			Help: "Total app selections by selection path",
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		ClickResultCount,
		BeaconCount,
		ClassifierVerdictCount,
		ClassifierLatency,
		FanoutTaskCount,
		ConversionDebitCount,
		AppSelectionCount,
	)
}
