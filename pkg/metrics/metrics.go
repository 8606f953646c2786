// Package metrics exposes the Prometheus metrics of a QR batch run.
// Metrics are defined in the packages that update them (client, pipeline,
// ledger) and registered through promauto on the default registry.
package metrics

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the batch tool.
var Registry = prometheus.DefaultRegisterer

// identifiersGenerated is set once per run by the CLI.
var identifiersGenerated = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "qr_identifiers_generated",
	Help: "Identifiers generated for the current run",
})

func init() {
	Registry.MustRegister(identifiersGenerated)
}

// SetIdentifiersGenerated records the size of the current run.
func SetIdentifiersGenerated(n int) {
	identifiersGenerated.Set(float64(n))
}

// Handler serves /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", HealthHandler)
	return mux
}

// HealthHandler always answers 200 OK while the process is alive.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// Serve listens on addr and serves Handler in the background. The returned
// server should be closed when the run ends.
func Serve(addr string) (*http.Server, net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go srv.Serve(ln)

	return srv, ln.Addr(), nil
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - qr_requests_total{status} (Counter): code creation requests by HTTP status or "network_error"
//   - qr_request_duration_seconds (Histogram): request latency
//   - qr_errors_total{class} (Counter): failed requests by class (client, server, rate_limit, network)
//
// Pipeline Metrics (pkg/pipeline):
//   - qr_submissions_total{outcome} (Counter): identifiers resolved as succeeded or failed
//   - qr_throttles_total (Counter): 429 responses that triggered a backoff
//   - qr_backoff_seconds (Histogram): backoff chosen after each 429
//
// Ledger Metrics (pkg/ledger):
//   - qr_ledger_errors_total{operation} (Counter): Redis write failures
//
// Run Metrics (pkg/metrics):
//   - qr_identifiers_generated (Gauge): size of the current run
//
// Example Prometheus Queries:
//
//   # Progress
//   sum(qr_submissions_total) / qr_identifiers_generated
//
//   # Throttle pressure
//   rate(qr_throttles_total[5m])
//
//   # Failure ratio
//   qr_submissions_total{outcome="failed"} / sum(qr_submissions_total)
