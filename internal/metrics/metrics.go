// Package metrics exposes the daemon's Prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamrestore"

// Metrics groups the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	entryWrites      prometheus.Counter
	suppressedWrites prometheus.Counter
	flushes          prometheus.Counter
	flushErrors      prometheus.Counter
	mirrors          prometheus.Gauge
	propertyChanges  *prometheus.CounterVec
	apiRequests      *prometheus.CounterVec
	streamEvents     *prometheus.CounterVec
}

// New registers every collector plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		entryWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "entry_writes_total",
			Help: "Entry records written to the stream database.",
		}),
		suppressedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "entry_writes_suppressed_total",
			Help: "Stream updates dropped because the stored entry was equal.",
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "flushes_total",
			Help: "Database syncs run by the save timer or at shutdown.",
		}),
		flushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "flush_errors_total",
			Help: "Database syncs that failed.",
		}),
		mirrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "mirrors",
			Help: "Mirrored entries currently exported.",
		}),
		propertyChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "property_changes_total",
			Help: "Shared property change notifications by key.",
		}, []string{"key"}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "api_requests_total",
			Help: "Admin API requests by method and status.",
		}, []string{"method", "status"}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stream_events_total",
			Help: "Audio server events handled, by kind.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		m.entryWrites, m.suppressedWrites, m.flushes, m.flushErrors, m.mirrors,
		m.propertyChanges, m.apiRequests, m.streamEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EntryWritten() {
	if m != nil {
		m.entryWrites.Inc()
	}
}

func (m *Metrics) WriteSuppressed() {
	if m != nil {
		m.suppressedWrites.Inc()
	}
}

func (m *Metrics) Flushed(err error) {
	if m == nil {
		return
	}
	m.flushes.Inc()
	if err != nil {
		m.flushErrors.Inc()
	}
}

func (m *Metrics) SetMirrors(n int) {
	if m != nil {
		m.mirrors.Set(float64(n))
	}
}

func (m *Metrics) PropertyChanged(key string) {
	if m != nil {
		m.propertyChanges.WithLabelValues(key).Inc()
	}
}

func (m *Metrics) APIRequest(method string, status int) {
	if m != nil {
		m.apiRequests.WithLabelValues(method, http.StatusText(status)).Inc()
	}
}

func (m *Metrics) StreamEvent(kind string) {
	if m != nil {
		m.streamEvents.WithLabelValues(kind).Inc()
	}
}
