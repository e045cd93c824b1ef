// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RelayMetrics holds every metric the relay exports.
type RelayMetrics struct {
	registry *prometheus.Registry

	// HTTP
	Requests *prometheus.CounterVec // labels: code

	// Upload pipeline
	Uploads      prometheus.Counter
	UploadBytes  prometheus.Counter
	UploadErrors *prometheus.CounterVec // labels: step
	AuthFailures prometheus.Counter

	// Download pipeline
	Downloads      prometheus.Counter
	DownloadBytes  prometheus.Counter
	DownloadErrors *prometheus.CounterVec // labels: reason
	InvalidKeys    *prometheus.CounterVec // labels: endpoint

	// Expiry scheduler
	SweepRuns       *prometheus.CounterVec // labels: result
	SweepExpired    prometheus.Counter
	SweepRestored   prometheus.Counter
	SweepFileErrors prometheus.Counter
	SweepDuration   prometheus.Histogram
}

// New registers all relay metrics, plus the Go and process collectors, on a
// fresh registry.
func New() *RelayMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	f := promauto.With(reg)
	return &RelayMetrics{
		registry: reg,

		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "HTTP requests by status code",
		}, []string{"code"}),

		Uploads: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_uploads_total",
			Help: "Uploads whose payload was fully received",
		}),
		UploadBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_upload_bytes_total",
			Help: "Bytes received by uploads",
		}),
		UploadErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_upload_errors_total",
			Help: "Upload failures by pipeline step",
		}, []string{"step"}),
		AuthFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_auth_failures_total",
			Help: "Uploads rejected for a bad API key",
		}),

		Downloads: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_downloads_total",
			Help: "Downloads that started streaming",
		}),
		DownloadBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_download_bytes_total",
			Help: "Bytes streamed to downloaders",
		}),
		DownloadErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_download_errors_total",
			Help: "Download failures by reason",
		}, []string{"reason"}),
		InvalidKeys: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_invalid_keys_total",
			Help: "Requests answered with INVALID_KEY",
		}, []string{"endpoint"}),

		SweepRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_sweep_runs_total",
			Help: "Expiry sweep ticks by result",
		}, []string{"result"}),
		SweepExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_sweep_expired_total",
			Help: "Transfers removed by the expiry sweep",
		}),
		SweepRestored: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_sweep_restored_total",
			Help: "Keys reloaded into the registry from the metadata store",
		}),
		SweepFileErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_sweep_file_errors_total",
			Help: "Expired files that could not be removed",
		}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_sweep_duration_seconds",
			Help:    "Duration of expiry sweep ticks",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// ObserveActiveKeys exports fn as the relay_active_keys gauge.
func (m *RelayMetrics) ObserveActiveKeys(fn func() int) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "relay_active_keys",
		Help: "Keys currently present in the registry",
	}, func() float64 { return float64(fn()) })
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *RelayMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *RelayMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
