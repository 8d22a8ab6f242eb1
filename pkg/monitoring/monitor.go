package monitoring

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	// 实时视图
	LiveViews = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "geochat_live_views",
			Help: "Number of live views currently subscribed",
		},
		[]string{"view"},
	)

	ChangeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geochat_change_events_total",
			Help: "Change events applied to live views",
		},
		[]string{"view", "type", "result"},
	)

	Reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geochat_subscription_reconnects_total",
			Help: "Subscription reconnect attempts",
		},
		[]string{"view", "result"},
	)

	LoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geochat_initial_load_duration_seconds",
			Help:    "Duration of initial loads for live views",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"view"},
	)

	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geochat_messages_sent_total",
			Help: "Chat messages sent, by outcome",
		},
		[]string{"result"},
	)

	SocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "geochat_websocket_clients",
			Help: "Number of connected websocket clients",
		},
	)

	initOnce sync.Once
)

func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(RequestCounter)
		prometheus.MustRegister(RequestDuration)
		prometheus.MustRegister(LiveViews)
		prometheus.MustRegister(ChangeEvents)
		prometheus.MustRegister(Reconnects)
		prometheus.MustRegister(LoadDuration)
		prometheus.MustRegister(MessagesSent)
		prometheus.MustRegister(SocketClients)
	})
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
