package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mrjvadi/finance-rpc/broker"
)

// Metrics owns a private registry with the HTTP and broker collectors.
type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	state    *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP Requests",
		}, []string{"method", "endpoint", "http_status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_latency_seconds",
			Help:    "HTTP Request Latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "broker_connection_state",
			Help: "Broker connection state per component: 0 disconnected, 1 connecting, 2 connected, 3 degraded.",
		}, []string{"component"}),
	}
	m.registry.MustRegister(
		m.requests,
		m.latency,
		m.state,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry so other components can add collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveState has the signature broker.WithStateHook expects.
func (m *Metrics) ObserveState(component string, s broker.State) {
	m.state.WithLabelValues(component).Set(float64(s))
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		method := c.Request.Method
		m.latency.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
		m.requests.WithLabelValues(method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
