// Package metrics exposes Prometheus instrumentation for crawl cycles.
//
// All recording methods are safe on a nil *Metrics, so components can run
// uninstrumented in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// MetricsNamespace is the namespace for all metrics.
	MetricsNamespace = "listing_watch"
)

// Cycle outcomes
const (
	OutcomeSuccess = "success"
	OutcomeTimeout = "timeout"
	OutcomeFailure = "failure"
)

// Metrics holds all Prometheus collectors
type Metrics struct {
	CyclesTotal          *prometheus.CounterVec
	CycleDurationSeconds prometheus.Histogram
	CyclesSkippedTotal   prometheus.Counter
	CycleRetriesTotal    prometheus.Counter

	ChangeEventsTotal  *prometheus.CounterVec
	PagesFetchedTotal  *prometheus.CounterVec
	RecordErrorsTotal  *prometheus.CounterVec
	StoreFlushesTotal  *prometheus.CounterVec
	ListingsStored     prometheus.Gauge
	NotificationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on reg (the default registerer when nil)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	m := &Metrics{}
	m.initCycleMetrics(factory)
	m.initCrawlMetrics(factory)
	return m
}

func (m *Metrics) initCycleMetrics(factory promauto.Factory) {
	m.CyclesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "cycles_total",
			Help:      "Crawl cycles by outcome",
		},
		[]string{"outcome"},
	)

	m.CycleDurationSeconds = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of crawl cycles",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 10), // 5s to ~43min
		},
	)

	m.CyclesSkippedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "cycles_skipped_total",
			Help:      "Triggers skipped because a cycle was still running",
		},
	)

	m.CycleRetriesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "cycle_retries_total",
			Help:      "Retried startup cycle attempts",
		},
	)
}

func (m *Metrics) initCrawlMetrics(factory promauto.Factory) {
	m.ChangeEventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "change_events_total",
			Help:      "Change events produced, by kind",
		},
		[]string{"kind"},
	)

	m.PagesFetchedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "pages_fetched_total",
			Help:      "Result pages fetched, by status",
		},
		[]string{"status"},
	)

	m.RecordErrorsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "record_errors_total",
			Help:      "Records skipped, by failing stage",
		},
		[]string{"stage"},
	)

	m.StoreFlushesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "store_flushes_total",
			Help:      "Full listing flushes, by reason",
		},
		[]string{"reason"},
	)

	m.ListingsStored = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "listings_stored",
			Help:      "Listings currently stored",
		},
	)

	m.NotificationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "notifications_total",
			Help:      "Notifier messages, by delivery status",
		},
		[]string{"status"},
	)
}

// ObserveCycle records one finished cycle
func (m *Metrics) ObserveCycle(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(outcome).Inc()
	m.CycleDurationSeconds.Observe(d.Seconds())
}

// CycleSkipped counts an overlapping trigger
func (m *Metrics) CycleSkipped() {
	if m == nil {
		return
	}
	m.CyclesSkippedTotal.Inc()
}

// CycleRetried counts a startup retry
func (m *Metrics) CycleRetried() {
	if m == nil {
		return
	}
	m.CycleRetriesTotal.Inc()
}

// ChangeEvent counts one emitted event
func (m *Metrics) ChangeEvent(kind string) {
	if m == nil {
		return
	}
	m.ChangeEventsTotal.WithLabelValues(kind).Inc()
}

// PageFetched counts a page fetch; status is "ok" or an error category
func (m *Metrics) PageFetched(status string) {
	if m == nil {
		return
	}
	m.PagesFetchedTotal.WithLabelValues(status).Inc()
}

// RecordError counts a skipped record; stage is "extract" or "persist"
func (m *Metrics) RecordError(stage string) {
	if m == nil {
		return
	}
	m.RecordErrorsTotal.WithLabelValues(stage).Inc()
}

// StoreFlushed counts a full flush; reason is "schema_drift", "url_drift" or "manual"
func (m *Metrics) StoreFlushed(reason string) {
	if m == nil {
		return
	}
	m.StoreFlushesTotal.WithLabelValues(reason).Inc()
}

// SetListingsStored updates the stored listings gauge
func (m *Metrics) SetListingsStored(n int) {
	if m == nil {
		return
	}
	m.ListingsStored.Set(float64(n))
}

// Notification counts one notifier message; status is "sent" or "failed"
func (m *Metrics) Notification(status string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(status).Inc()
}
