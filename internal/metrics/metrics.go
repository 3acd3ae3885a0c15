// Package metrics exposes run and collection metrics for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "calwatch"

// Metrics holds the collectors of one process, on its own registry.
type Metrics struct {
	reg *prometheus.Registry

	eventsCollected *prometheus.CounterVec
	adapterFailures *prometheus.CounterVec
	changes         *prometheus.CounterVec
	runs            *prometheus.CounterVec
	lastSuccessTS   *prometheus.GaugeVec
	currentEvents   *prometheus.GaugeVec
	runDuration     *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}

	m.eventsCollected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_collected_total",
		Help:      "Events kept after collection, by platform",
	}, []string{"platform"})
	m.adapterFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "adapter_failures_total",
		Help:      "Collections that ended with an adapter error",
	}, []string{"platform"})
	m.changes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "changes_total",
		Help:      "Detected changes by platform and kind (new, updated, cancelled)",
	}, []string{"platform", "kind"})
	m.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Runs by mode and result",
	}, []string{"mode", "result"})
	m.lastSuccessTS = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successful run",
	}, []string{"mode"})
	m.currentEvents = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "current_events",
		Help:      "Events in the current snapshot tier",
	}, []string{"platform"})
	m.runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall time of runs",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"mode"})

	m.reg.MustRegister(
		m.eventsCollected, m.adapterFailures, m.changes, m.runs,
		m.lastSuccessTS, m.currentEvents, m.runDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Collected(platform string, events int, _ time.Duration) {
	m.eventsCollected.WithLabelValues(platform).Add(float64(events))
}

func (m *Metrics) AdapterFailed(platform string) {
	m.adapterFailures.WithLabelValues(platform).Inc()
}

// Changes adds one detection result of platform.
func (m *Metrics) Changes(platform string, added, updated, cancelled int) {
	m.changes.WithLabelValues(platform, "new").Add(float64(added))
	m.changes.WithLabelValues(platform, "updated").Add(float64(updated))
	m.changes.WithLabelValues(platform, "cancelled").Add(float64(cancelled))
}

// CurrentEvents sets the size of the current snapshot of platform.
func (m *Metrics) CurrentEvents(platform string, n int) {
	m.currentEvents.WithLabelValues(platform).Set(float64(n))
}

// RunFinished records one run of mode that ended with err at now.
func (m *Metrics) RunFinished(mode string, err error, elapsed time.Duration, now time.Time) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.runs.WithLabelValues(mode, result).Inc()
	m.runDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
	if err == nil {
		m.lastSuccessTS.WithLabelValues(mode).Set(float64(now.Unix()))
	}
}
