package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stratlab/internal/types"
)

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

func TestRunLifecycleMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RunQueued(types.PriorityInteractive)
	m.RunQueued("")
	m.RunStarted(types.PriorityInteractive, 2*time.Second)
	m.RunFinished(types.RunStatusCompleted, 3*time.Second)
	m.RunFinished(types.RunStatusCanceled, 0)
	m.QueueDepth(5, 2)
	m.BlockFailed("formula")

	body := scrape(t, reg)
	assert.Contains(t, body, `stratlab_runs_queued_total{priority="interactive"} 1`)
	assert.Contains(t, body, `stratlab_runs_queued_total{priority="batch"} 1`)
	assert.Contains(t, body, `stratlab_runs_finished_total{status="completed"} 1`)
	assert.Contains(t, body, `stratlab_runs_finished_total{status="canceled"} 1`)
	assert.Contains(t, body, `stratlab_run_queue_depth 5`)
	assert.Contains(t, body, `stratlab_runs_running 2`)
	assert.Contains(t, body, `stratlab_block_failures_total{block_type="formula"} 1`)
	assert.Contains(t, body, `stratlab_run_queue_wait_seconds_count{priority="interactive"} 1`)
	assert.Contains(t, body, `stratlab_run_duration_seconds_count{status="completed"} 1`)
	// runs canceled before starting carry no duration sample
	assert.NotContains(t, body, `stratlab_run_duration_seconds_count{status="canceled"}`)
}

func TestMetricsMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	router := gin.New()
	router.Use(m.MetricsMiddleware())
	router.GET("/runs/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/runs/abc", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	body := scrape(t, reg)
	assert.Contains(t, body, `stratlab_http_requests_total{endpoint="/runs/:id",method="GET",status="404"} 1`)
	assert.Contains(t, body, `stratlab_api_errors_total{endpoint="/runs/:id",error_type="client_error"} 1`)
	assert.Contains(t, body, `stratlab_http_requests_in_flight 0`)
}

func TestStreamGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.StreamOpened()
	m.StreamOpened()
	m.StreamClosed()
	assert.Contains(t, scrape(t, reg), `stratlab_stream_connections_active 1`)
}
