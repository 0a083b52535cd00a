package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.UploadSucceeded(true, 10, time.Millisecond)
		m.UploadFailed("storing")
		m.BlobDelete(true)
		m.Lifecycle("trash")
		m.Download()
		m.MaintenanceRemoved("sweep", 1)
		m.CompressionSaved(10)
	})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()
	m.UploadSucceeded(false, 100, time.Millisecond)
	m.UploadSucceeded(true, 100, time.Millisecond)
	m.UploadSucceeded(true, 100, time.Millisecond)
	m.UploadFailed("committing")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.uploads.WithLabelValues("stored")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.uploads.WithLabelValues("deduplicated")))
	assert.Equal(t, 300.0, testutil.ToFloat64(m.uploadBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.uploadFailures.WithLabelValues("committing")))
}

func TestGinMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()

	r := gin.New()
	r.Use(m.GinMiddleware())
	r.GET("/files/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/files/123", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	assert.True(t, strings.Contains(body, `filevault_http_requests_total{method="GET",path="/files/:id",status="200"} 1`))
}
