package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stratlab/internal/types"
)

const namespace = "stratlab"

// runBuckets spans sub-second toy graphs to multi-hour walk-forward runs
var runBuckets = prometheus.ExponentialBuckets(0.05, 4, 10)

// Metrics holds all Prometheus metrics. It doubles as the scheduler's
// lifecycle observer.
type Metrics struct {
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge
	apiErrorsTotal       *prometheus.CounterVec
	streamConnections    prometheus.Gauge

	runsQueued    *prometheus.CounterVec
	runQueueWait  *prometheus.HistogramVec
	runsFinished  *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	queueDepth    prometheus.Gauge
	runsRunning   prometheus.Gauge
	blocksFailed  *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg, or with the
// default registry when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		}),
		apiErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_errors_total",
				Help:      "Total number of API errors",
			},
			[]string{"endpoint", "error_type"},
		),
		streamConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_connections_active",
			Help:      "Number of active run stream WebSocket connections",
		}),
		runsQueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_queued_total",
				Help:      "Runs accepted into the queue",
			},
			[]string{"priority"},
		),
		runQueueWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_queue_wait_seconds",
				Help:      "Time runs spent queued before starting",
				Buckets:   runBuckets,
			},
			[]string{"priority"},
		),
		runsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_finished_total",
				Help:      "Runs that reached a terminal status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Run execution time from start to terminal status",
				Buckets:   runBuckets,
			},
			[]string{"status"},
		),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_queue_depth",
			Help:      "Runs waiting in the queue",
		}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_running",
			Help:      "Runs currently executing",
		}),
		blocksFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "block_failures_total",
				Help:      "Block executions that failed, by block type",
			},
			[]string{"block_type"},
		),
	}

	reg.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.httpRequestsInFlight,
		m.apiErrorsTotal,
		m.streamConnections,
		m.runsQueued,
		m.runQueueWait,
		m.runsFinished,
		m.runDuration,
		m.queueDepth,
		m.runsRunning,
		m.blocksFailed,
	)
	return m
}

// MetricsMiddleware creates a Prometheus metrics middleware
func (m *Metrics) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		m.httpRequestsInFlight.Inc()
		defer m.httpRequestsInFlight.Dec()

		c.Next()

		status := c.Writer.Status()
		m.httpRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(status)).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())

		if status >= 400 {
			errorType := "client_error"
			if status >= 500 {
				errorType = "server_error"
			}
			m.apiErrorsTotal.WithLabelValues(path, errorType).Inc()
		}
	}
}

// Handler serves the metrics gathered by g, or the default registry when g is nil
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func priorityLabel(p types.Priority) string {
	if p == "" {
		return string(types.PriorityBatch)
	}
	return string(p)
}

// RunQueued records an accepted submission
func (m *Metrics) RunQueued(priority types.Priority) {
	m.runsQueued.WithLabelValues(priorityLabel(priority)).Inc()
}

// RunStarted records how long a run waited in the queue
func (m *Metrics) RunStarted(priority types.Priority, wait time.Duration) {
	m.runQueueWait.WithLabelValues(priorityLabel(priority)).Observe(wait.Seconds())
}

// RunFinished records a terminal status and the run's execution time
func (m *Metrics) RunFinished(status types.RunStatus, duration time.Duration) {
	m.runsFinished.WithLabelValues(string(status)).Inc()
	if duration > 0 {
		m.runDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
	}
}

// QueueDepth records the scheduler's queue and pool occupancy
func (m *Metrics) QueueDepth(queued, running int) {
	m.queueDepth.Set(float64(queued))
	m.runsRunning.Set(float64(running))
}

// BlockFailed counts a failed block execution
func (m *Metrics) BlockFailed(blockType string) {
	m.blocksFailed.WithLabelValues(blockType).Inc()
}

// StreamOpened and StreamClosed track live run streams
func (m *Metrics) StreamOpened() { m.streamConnections.Inc() }

// StreamClosed decrements the live stream gauge
func (m *Metrics) StreamClosed() { m.streamConnections.Dec() }
