package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "contract_gateway",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "contract_gateway",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "contract_gateway",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	receiptsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "contract_gateway",
			Subsystem: "ledger",
			Name:      "receipts_total",
			Help:      "Total number of receipts executed by the ledger.",
		},
		[]string{"method", "status"},
	)

	transferEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "contract_gateway",
			Subsystem: "payments",
			Name:      "events_total",
			Help:      "Total number of payment request events emitted.",
		},
		[]string{"event", "asset"},
	)

	deployments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "contract_gateway",
			Subsystem: "factory",
			Name:      "deployments_total",
			Help:      "Total number of sub-account deployments by outcome.",
		},
		[]string{"success"},
	)

	refunds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "contract_gateway",
			Subsystem: "ledger",
			Name:      "refund_transfers_total",
			Help:      "Total number of refund transfers scheduled by the gateway.",
		},
		[]string{"reason"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		receiptsExecuted,
		transferEvents,
		deployments,
		refunds,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := routePath(r)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordReceipt counts one executed receipt.
func RecordReceipt(method, status string) {
	if method == "" {
		method = "none"
	}
	receiptsExecuted.WithLabelValues(method, status).Inc()
}

// RecordTransferEvent counts one payment request event.
func RecordTransferEvent(event, asset string) {
	if asset == "" {
		asset = "native"
	}
	transferEvents.WithLabelValues(event, asset).Inc()
}

// RecordDeployment counts one finished create-and-deploy.
func RecordDeployment(success bool) {
	deployments.WithLabelValues(strconv.FormatBool(success)).Inc()
}

// RecordRefund counts one refund transfer.
func RecordRefund(reason string) {
	refunds.WithLabelValues(reason).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func routePath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return canonicalPath(r.URL.Path)
}

func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch {
	case len(parts) == 1:
		return "/" + parts[0]
	case parts[0] == "contracts" && len(parts) == 3:
		return "/contracts/{id}/" + parts[2]
	case parts[0] == "accounts":
		return "/accounts/{id}"
	default:
		return "/" + parts[0]
	}
}
