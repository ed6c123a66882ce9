// Package metrics serves the operational HTTP surface: Prometheus scrapes
// on /metrics, liveness on /healthz, and a small trading snapshot on
// /status. Instrument values come from the OTel meter provider configured
// in pkg/telemetry; this server only exposes them.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"perp_trader/internal/core"
	"perp_trader/pkg/telemetry"
)

// Server exposes the scrape and status endpoints.
type Server struct {
	port    int
	monitor core.IHealthMonitor
	logger  core.ILogger
	srv     *http.Server
}

// NewServer creates the server. monitor may be nil; /healthz then always
// reports ok.
func NewServer(port int, monitor core.IHealthMonitor, logger core.ILogger) *Server {
	return &Server{
		port:    port,
		monitor: monitor,
		logger:  logger.WithField("component", "metrics_server"),
	}
}

// Start serves in the background.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.WithField("port", s.port).Info("Metrics server started")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithField("error", err.Error()).Error("Metrics server failed")
		}
	}()
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Metrics server stopped")
	return s.srv.Shutdown(ctx)
}

// handleHealth reports component health. Any failing check turns the
// response into a 503 so orchestrators can restart the process.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK

	if s.monitor != nil {
		components := s.monitor.Snapshot()
		payload["components"] = components
		for _, state := range components {
			if state != "Healthy" {
				payload["status"] = "unhealthy"
				status = http.StatusServiceUnavailable
				break
			}
		}
	}

	writeJSON(w, status, payload)
}

// handleStatus reports the trading gauges tracked by the metrics holder.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	holder := telemetry.GetGlobalMetrics()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"time":               time.Now().UTC().Format(time.RFC3339),
		"positions_open":     holder.GetPositionsOpen(),
		"unrealized_pnl_chf": holder.GetUnrealizedPnL(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
