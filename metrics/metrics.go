package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "http",
	Name:      "request_duration_seconds",
	Help:      "A histogram of duration, in seconds, handling HTTP requests.",
	Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
}, []string{"method", "path", "status"})

// SubstrateCallDuration is observed for every call made to the container
// substrate, labelled with the operation and "ok" or "error".
var SubstrateCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "lockbox",
	Name:      "substrate_call_duration_seconds",
	Help:      "A histogram of duration, in seconds, of container substrate calls.",
	Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
}, []string{"op", "result"})

// RotationsTotal counts finished rotation runs by status.
var RotationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lockbox",
	Name:      "rotations_total",
	Help:      "The number of vault key rotations, by status.",
}, []string{"status"})

var RotationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "lockbox",
	Name:      "rotation_duration_seconds",
	Help:      "A histogram of duration, in seconds, of vault key rotations.",
	Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
})

var BlobsReencrypted = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "lockbox",
	Name:      "blobs_reencrypted_total",
	Help:      "The number of blobs re-encrypted under a new key.",
})

var BlobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "lockbox",
	Name:      "blobs_failed_total",
	Help:      "The number of blobs that could not be re-encrypted during a rotation.",
})

// VaultsActive is set after every scheduler listing.
var VaultsActive = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "lockbox",
	Name:      "vaults_active",
	Help:      "The number of running vaults seen by the last rotation pass.",
})

// Register adds the lockbox collectors, and the standard process and go
// collectors, to promRegistry.
func Register(promRegistry prometheus.Registerer) {
	promRegistry.MustRegister(
		requestDuration,
		SubstrateCallDuration,
		RotationsTotal,
		RotationDuration,
		BlobsReencrypted,
		BlobsFailed,
		VaultsActive,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Result is the label value used for the outcome of an operation.
func Result(err error) string {
	if err != nil {
		return "error"
	}

	return "ok"
}

// Middleware emits a request_duration_seconds metric on every request.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		t := time.Now()

		c.Next()

		requestDuration.With(prometheus.Labels{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": strconv.Itoa(c.Writer.Status()),
		}).Observe(time.Since(t).Seconds())
	}
}

// NewHandler creates a new gin.Engine with a 'GET /metrics' handler serving
// metrics from promRegistry, and a 'GET /healthz' handler.
func NewHandler(promRegistry *prometheus.Registry) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), Middleware())

	engine.GET("/metrics", func(c *gin.Context) {
		handler := promhttp.InstrumentMetricHandler(
			promRegistry,
			promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
		handler.ServeHTTP(c.Writer, c.Request)
	})

	engine.GET("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	return engine
}
