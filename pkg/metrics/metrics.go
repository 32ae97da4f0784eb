package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics
	ExportsStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "surfexport_exports_stored_total",
			Help: "Total number of exports stored in the registry",
		},
	)

	ExportsEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "surfexport_exports_evicted_total",
			Help: "Total number of exports evicted by the storage bound",
		},
	)

	RegistrySize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "surfexport_registry_size",
			Help: "Current number of exports in the registry",
		},
	)

	// Transfer metrics
	TransfersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "surfexport_transfers_active",
			Help: "Number of non-terminal transfer records",
		},
	)

	TransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surfexport_transfers_total",
			Help: "Total number of terminal transfers by result",
		},
		[]string{"result"},
	)

	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "surfexport_transfer_phase_duration_seconds",
			Help:    "Transfer phase duration in seconds by phase",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 120, 300},
		},
		[]string{"phase"},
	)

	ValidationTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "surfexport_validation_timeouts_total",
			Help: "Total number of validation watchdog firings",
		},
	)

	// Subscription metrics
	SubscribersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "surfexport_subscribers_total",
			Help: "Current number of subscribed control connections",
		},
	)

	BroadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surfexport_broadcasts_total",
			Help: "Total number of broadcast emissions by stream",
		},
		[]string{"stream"},
	)

	BroadcastSendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "surfexport_broadcast_send_failures_total",
			Help: "Total number of subscriber sends that failed and evicted",
		},
	)

	// Persistence metrics
	PersistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "surfexport_persist_failures_total",
			Help: "Total number of failed persistence writes",
		},
	)

	TreeBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "surfexport_tree_build_duration_seconds",
			Help:    "Time taken to build a platform tree snapshot in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(ExportsStored)
	prometheus.MustRegister(ExportsEvicted)
	prometheus.MustRegister(RegistrySize)
	prometheus.MustRegister(TransfersActive)
	prometheus.MustRegister(TransfersTotal)
	prometheus.MustRegister(PhaseDuration)
	prometheus.MustRegister(ValidationTimeouts)
	prometheus.MustRegister(SubscribersTotal)
	prometheus.MustRegister(BroadcastsTotal)
	prometheus.MustRegister(BroadcastSendFailures)
	prometheus.MustRegister(PersistFailures)
	prometheus.MustRegister(TreeBuildDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
