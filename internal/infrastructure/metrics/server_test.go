package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp_trader/internal/logging"
	"perp_trader/pkg/telemetry"
)

type stubMonitor struct {
	status map[string]string
}

func (s *stubMonitor) Register(string, func() error) {}

func (s *stubMonitor) Snapshot() map[string]string { return s.status }

func (s *stubMonitor) Healthy() bool {
	for _, state := range s.status {
		if state != "Healthy" {
			return false
		}
	}
	return true
}

func newTestServer(status map[string]string) *Server {
	logger := logging.NewLogger(logging.ErrorLevel, nil)
	return NewServer(0, &stubMonitor{status: status}, logger)
}

func TestHandleHealth_AllComponentsHealthy(t *testing.T) {
	srv := newTestServer(map[string]string{
		"marketdata": "Healthy",
		"exchange":   "Healthy",
	})

	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "ok", payload["status"])
	assert.Contains(t, payload["components"], "marketdata")
}

func TestHandleHealth_FailingComponentReturns503(t *testing.T) {
	srv := newTestServer(map[string]string{
		"marketdata": "Unhealthy: no fresh ticker for BTC/USDT:USDT",
		"exchange":   "Healthy",
	})

	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "unhealthy", payload["status"])
}

func TestHandleStatus_ReportsTradingGauges(t *testing.T) {
	holder := telemetry.GetGlobalMetrics()
	holder.SetPositionsOpen("BTC/USDT:USDT", 1)
	holder.SetUnrealizedPnL("BTC/USDT:USDT", 12.5)

	srv := newTestServer(nil)

	rec := httptest.NewRecorder()
	srv.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var payload struct {
		PositionsOpen map[string]int64   `json:"positions_open"`
		Unrealized    map[string]float64 `json:"unrealized_pnl_chf"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, int64(1), payload.PositionsOpen["BTC/USDT:USDT"])
	assert.InDelta(t, 12.5, payload.Unrealized["BTC/USDT:USDT"], 0.0001)
}
