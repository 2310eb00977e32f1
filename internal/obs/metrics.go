package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Common HTTP metrics plus the UMA usage-statistics counters. Registration
// happens once in Init.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	rptIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uma_rpt_issued_total",
			Help: "RPTs minted or upgraded at the token endpoint.",
		},
		[]string{"upgraded"},
	)

	needsInfoTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "uma_needs_info_total",
		Help: "Token requests answered with a need_info redirect.",
	})

	policyDeniedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "uma_policy_denied_total",
		Help: "Token requests denied by authorization policy.",
	})

	ticketsRotatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "uma_tickets_rotated_total",
		Help: "Permission tickets rotated during claims gathering.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		rptIssuedTotal, needsInfoTotal, policyDeniedTotal, ticketsRotatedTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ReportRPTIssued records a mint or upgrade at the token endpoint.
func ReportRPTIssued(upgraded bool) {
	rptIssuedTotal.WithLabelValues(strconv.FormatBool(upgraded)).Inc()
}

// ReportNeedsInfo records a needs_info response.
func ReportNeedsInfo() { needsInfoTotal.Inc() }

// ReportPolicyDenied records a policy denial.
func ReportPolicyDenied() { policyDeniedTotal.Inc() }

// ReportTicketRotated records a ticket rotation.
func ReportTicketRotated() { ticketsRotatedTotal.Inc() }

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE responses streamable through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
