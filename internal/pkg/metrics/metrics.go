// Package metrics exposes Prometheus collectors for the storage service.
//
// A nil *Metrics is valid and records nothing, so components can run
// without a registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "filevault"

// Metrics holds every collector
type Metrics struct {
	registry *prometheus.Registry

	uploads          *prometheus.CounterVec
	uploadFailures   *prometheus.CounterVec
	uploadBytes      prometheus.Counter
	uploadDuration   prometheus.Histogram
	compressionSaved prometheus.Counter
	blobDeletes      *prometheus.CounterVec
	lifecycle        *prometheus.CounterVec
	downloads        prometheus.Counter
	sweepRemoved     *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers collectors on a fresh registry together with the Go and
// process collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Completed uploads by outcome (stored or deduplicated)",
		}, []string{"outcome"}),
		uploadFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_failures_total",
			Help:      "Failed uploads by pipeline stage",
		}, []string{"stage"}),
		uploadBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Logical bytes accepted by uploads",
		}),
		uploadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Upload pipeline duration",
			Buckets:   prometheus.DefBuckets,
		}),
		compressionSaved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compression_saved_bytes_total",
			Help:      "Bytes saved by retained compressed artifacts",
		}),
		blobDeletes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blob_deletes_total",
			Help:      "Blob delete decisions (deleted or retained)",
		}, []string{"result"}),
		lifecycle: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_transitions_total",
			Help:      "Lifecycle transitions by action",
		}, []string{"action"}),
		downloads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Served downloads",
		}),
		sweepRemoved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_removed_total",
			Help:      "Items removed by maintenance jobs",
		}, []string{"job"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "path", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration by method and route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) UploadSucceeded(deduplicated bool, size int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "stored"
	if deduplicated {
		outcome = "deduplicated"
	}
	m.uploads.WithLabelValues(outcome).Inc()
	m.uploadBytes.Add(float64(size))
	m.uploadDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) UploadFailed(stage string) {
	if m == nil {
		return
	}
	m.uploadFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) CompressionSaved(bytes int64) {
	if m == nil || bytes <= 0 {
		return
	}
	m.compressionSaved.Add(float64(bytes))
}

func (m *Metrics) BlobDelete(deleted bool) {
	if m == nil {
		return
	}
	result := "retained"
	if deleted {
		result = "deleted"
	}
	m.blobDeletes.WithLabelValues(result).Inc()
}

func (m *Metrics) Lifecycle(action string) {
	if m == nil {
		return
	}
	m.lifecycle.WithLabelValues(action).Inc()
}

func (m *Metrics) Download() {
	if m == nil {
		return
	}
	m.downloads.Inc()
}

func (m *Metrics) MaintenanceRemoved(job string, n int) {
	if m == nil {
		return
	}
	m.sweepRemoved.WithLabelValues(job).Add(float64(n))
}

// GinMiddleware records request count and latency keyed by route template
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
