package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthFunc reports component status for /health. A non-nil error marks
// the process unhealthy.
type HealthFunc func(ctx context.Context) (map[string]any, error)

// NewServer returns an HTTP server exposing /metrics and /health.
// A nil gatherer uses prometheus.DefaultGatherer.
func NewServer(addr, path string, gatherer prometheus.Gatherer, healthFn HealthFunc) *http.Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", healthHandler(healthFn))

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func healthHandler(healthFn HealthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]any{"status": "ok"}
		code := http.StatusOK

		if healthFn != nil {
			details, err := healthFn(ctx)
			for k, v := range details {
				status[k] = v
			}
			if err != nil {
				status["status"] = "unhealthy"
				status["error"] = err.Error()
				code = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}
