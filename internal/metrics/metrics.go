// Package metrics holds the prometheus collectors of the customs core.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	TokenLookups       *prometheus.CounterVec
	TokenRefreshes     *prometheus.CounterVec
	SigningStrategy    *prometheus.CounterVec
	WsaaLoginDuration  prometheus.Histogram
	TokensPurged       *prometheus.CounterVec
	TransactionChanges *prometheus.CounterVec
	DeclarationCalls   *prometheus.CounterVec
	RetrierClaimed     prometheus.Counter

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New registers every collector on a fresh registry. Go and process collectors are included.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		TokenLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "customs_token_lookups_total",
			Help: "Token lookups by where they were served from.",
		}, []string{"source"}),
		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "customs_token_refreshes_total",
			Help: "WSAA refresh attempts by outcome.",
		}, []string{"outcome"}),
		SigningStrategy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "customs_signing_strategy_total",
			Help: "Login ticket signatures by winning strategy.",
		}, []string{"strategy"}),
		WsaaLoginDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "customs_wsaa_login_duration_seconds",
			Help:    "loginCms round trip latency.",
			Buckets: prometheus.DefBuckets,
		}),
		TokensPurged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "customs_tokens_purged_total",
			Help: "Tokens deleted by the retention sweep.",
		}, []string{"status"}),
		TransactionChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "customs_transaction_transitions_total",
			Help: "Transaction state changes by target status.",
		}, []string{"webservice_type", "status"}),
		DeclarationCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "customs_declaration_calls_total",
			Help: "Declaration webservice calls by outcome.",
		}, []string{"country", "webservice_type", "outcome"}),
		RetrierClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "customs_retrier_claimed_total",
			Help: "Failed transactions claimed for another attempt.",
		}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TokenLookups, m.TokenRefreshes, m.SigningStrategy, m.WsaaLoginDuration, m.TokensPurged,
		m.TransactionChanges, m.DeclarationCalls, m.RetrierClaimed,
		m.httpInFlight, m.httpRequestsTotal, m.httpRequestDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Instrument records RPS, latency and in-flight requests. pathOf should return a route
// pattern, not the raw path, to keep label cardinality bounded.
func (m *Metrics) Instrument(pathOf func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.httpInFlight.Inc()
			defer m.httpInFlight.Dec()
			start := time.Now()

			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(sw, r)

			status := strconv.Itoa(sw.code)
			path := pathOf(r)
			m.httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
			m.httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
