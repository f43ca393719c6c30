package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

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

	claimsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claims_created_total",
			Help: "Claims created, labelled by origin (direct|controller).",
		},
		[]string{"origin"},
	)

	claimPayments = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "claim_payments_total",
		Help: "Payments applied to claims.",
	})

	approvalsPermitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approvals_permitted_total",
			Help: "Successful permit operations by approval family.",
		},
		[]string{"family"},
	)

	approvalsSpent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approvals_spent_total",
			Help: "Approval units spent by controllers, by family.",
		},
		[]string{"family"},
	)

	batchesExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batches_executed_total",
			Help: "Batch executions by mode (atomic|tolerant).",
		},
		[]string{"mode"},
	)

	feeSinkBalance = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fee_sink_balance_minor_units",
		Help: "Native-token balance accumulated in the fee sink.",
	})

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service reports ready, 0 otherwise.",
	})
)

var initOnce sync.Once

// Init registers the metric set in the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			claimsCreated, claimPayments,
			approvalsPermitted, approvalsSpent,
			batchesExecuted, feeSinkBalance, ready,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// ClaimCreated records a created claim. origin is "direct" or "controller".
func ClaimCreated(origin string) { claimsCreated.WithLabelValues(origin).Inc() }

// ClaimPaid records one applied payment.
func ClaimPaid() { claimPayments.Inc() }

// ApprovalPermitted records a successful permit call for a family.
func ApprovalPermitted(family string) { approvalsPermitted.WithLabelValues(family).Inc() }

// ApprovalSpent records one spent approval unit for a family.
func ApprovalSpent(family string) { approvalsSpent.WithLabelValues(family).Inc() }

// BatchExecuted records a batch run. mode is "atomic" or "tolerant".
func BatchExecuted(mode string) { batchesExecuted.WithLabelValues(mode).Inc() }

// SetFeeSinkBalance publishes the current fee-sink native balance.
func SetFeeSinkBalance(v int64) { feeSinkBalance.Set(float64(v)) }

// Instrument wraps a handler with RPS/latency/in-flight accounting.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
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

// CanonicalPath collapses resource identifiers so metric label cardinality
// stays bounded.
func CanonicalPath(p string) string {
	if p == "" {
		return "/"
	}
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	parts := strings.Split(p, "/")
	// /v1/claims/{id} and /v1/claims/{id}/<action>
	if len(parts) >= 4 && parts[1] == "v1" && parts[2] == "claims" && parts[3] != "" && parts[3] != "current-id" {
		if len(parts) == 4 {
			return "/v1/claims/:id"
		}
		if len(parts) == 5 {
			return "/v1/claims/:id/" + parts[4]
		}
	}
	if len(parts) == 4 && parts[1] == "v1" && parts[2] == "directory" && parts[3] != "" {
		return "/v1/directory/:address"
	}
	return p
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
