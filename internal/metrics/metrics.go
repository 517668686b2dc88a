// Package metrics exposes the daemon's Prometheus collectors. Every
// instance carries its own registry so two daemons in one process (tests,
// mostly) never collide on metric registration.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/folder-mcp/folderd/internal/fleet"
)

// allStatuses keeps every lifecycle state present on the folder gauge even
// when no folder is in it, so dashboards see zeros instead of gaps.
var allStatuses = []fleet.Status{
	fleet.StatusPending,
	fleet.StatusDownloadingModel,
	fleet.StatusScanning,
	fleet.StatusReady,
	fleet.StatusIndexing,
	fleet.StatusIndexed,
	fleet.StatusWatching,
	fleet.StatusError,
	fleet.StatusRemoved,
}

// Metrics bundles the daemon's collectors.
type Metrics struct {
	registry *prometheus.Registry

	// DocumentsIndexed tracks the current indexed document count per folder.
	DocumentsIndexed *prometheus.GaugeVec

	// EmbedBatches counts finished index batches per model and outcome.
	EmbedBatches *prometheus.CounterVec

	// WSClients tracks currently connected WebSocket clients.
	WSClients prometheus.Gauge

	// FolderStates tracks how many folders sit in each lifecycle state.
	FolderStates *prometheus.GaugeVec

	// HTTPRequests counts served requests per method, route, and status.
	HTTPRequests *prometheus.CounterVec

	// HTTPDuration observes request latency per method and route.
	HTTPDuration *prometheus.HistogramVec
}

// New creates a Metrics with a fresh registry, runtime collectors
// included.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)
	m := &Metrics{
		registry: reg,
		DocumentsIndexed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "folderd",
			Name:      "documents_indexed",
			Help:      "Indexed documents per configured folder.",
		}, []string{"folder"}),
		EmbedBatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "folderd",
			Name:      "embed_batches_total",
			Help:      "Index embedding batches finished, per model and outcome.",
		}, []string{"model", "outcome"}),
		WSClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "folderd",
			Name:      "ws_clients",
			Help:      "Currently connected WebSocket clients.",
		}),
		FolderStates: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "folderd",
			Name:      "folder_states",
			Help:      "Configured folders per lifecycle state.",
		}, []string{"state"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "folderd",
			Name:      "http_requests_total",
			Help:      "HTTP requests served, per method, route, and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "folderd",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, per method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	for _, s := range allStatuses {
		m.FolderStates.WithLabelValues(string(s)).Set(0)
	}
	return m
}

// Handler serves this instance's registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ObserveBatch records one finished index batch.
func (m *Metrics) ObserveBatch(model string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.EmbedBatches.WithLabelValues(model, outcome).Inc()
}

// ObserveFMDM projects a fleet snapshot onto the folder gauges. Series for
// folders and states no longer present are reset rather than left stale.
func (m *Metrics) ObserveFMDM(snap fleet.FMDM) {
	m.DocumentsIndexed.Reset()
	counts := make(map[fleet.Status]int, len(allStatuses))
	for _, f := range snap.Folders {
		counts[f.Status]++
		m.DocumentsIndexed.WithLabelValues(f.Path).Set(float64(f.DocumentCount))
	}
	for _, s := range allStatuses {
		m.FolderStates.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
