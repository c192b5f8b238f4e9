// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use through a nil pointer; every recorder becomes a no-op.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	payments     *prometheus.CounterVec
	escrow       *prometheus.CounterVec
	LedgerCalls  *prometheus.CounterVec
	ledgerDrift  prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: reg,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agrimarket_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agrimarket_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		payments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agrimarket_payments_total",
			Help: "Payment status changes by provider.",
		}, []string{"provider", "status"}),
		escrow: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agrimarket_escrow_transitions_total",
			Help: "Escrow holds and settlements.",
		}, []string{"status"}),
		LedgerCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agrimarket_ledger_calls_total",
			Help: "Marketplace contract calls by method and result.",
		}, []string{"method", "result"}),
		ledgerDrift: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agrimarket_ledger_drift_listings",
			Help: "Published listings whose contract state differed at the last check.",
		}),
	}
}

func (m *Metrics) Payment(provider, status string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) EscrowTransition(status string) {
	if m == nil {
		return
	}
	m.escrow.WithLabelValues(status).Inc()
}

func (m *Metrics) SetLedgerDrift(n int) {
	if m == nil {
		return
	}
	m.ledgerDrift.Set(float64(n))
}

// Middleware records request counts and latency labelled by the matched route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
