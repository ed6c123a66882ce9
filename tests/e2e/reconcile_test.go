package e2e

import (
	"context"
	"strings"
	"testing"

	"perp_trader/internal/config"
	"perp_trader/internal/core"
	"perp_trader/internal/logging"
	"perp_trader/internal/mock"
	"perp_trader/internal/risk"
	"perp_trader/internal/trading/position"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ethPerp = "ETH/USDT:USDT"

// The venue reports fewer contracts than the local book. One reconciliation
// pass adopts the exchange quantity and writes the audit trail; a second
// pass finds nothing left to fix.
func TestE2E_ReconcilerCorrectsQuantityDrift(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.App.Symbols = []string{ethPerp}
	cfg.Trading.StartingCapitalCHF = 11000

	logger := logging.NewLogger(logging.ErrorLevel, nil)
	store := position.NewMemoryStore()
	defer store.Close()
	engine := position.NewEngine(store, cfg, logger)
	venue := mock.NewMockExchange("binance")
	alerts := mock.NewAlertRecorder()
	rec := risk.NewReconciler(venue, engine, alerts, cfg, logger)
	ctx := context.Background()

	p, err := engine.CreatePosition(ctx, &core.OpenPositionRequest{
		Symbol:     ethPerp,
		Side:       core.SideLong,
		Quantity:   decimal.RequireFromString("0.5"),
		EntryPrice: decimal.NewFromInt(3000),
		Leverage:   5,
		StopLoss:   decimal.NewFromInt(2900),
	})
	require.NoError(t, err)

	venue.SetPositions(&core.ExchangePosition{
		Symbol:     ethPerp,
		Contracts:  decimal.RequireFromString("0.4"),
		Side:       core.SideLong,
		EntryPrice: decimal.NewFromInt(3000),
		MarkPrice:  decimal.NewFromInt(3000),
		Leverage:   5,
	})

	results, err := rec.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].CorrectionsApplied, 1)
	assert.True(t, results[0].Discrepancy.Equal(decimal.RequireFromString("0.1")),
		"discrepancy %s", results[0].Discrepancy)

	after, err := engine.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, after.Quantity.Equal(decimal.RequireFromString("0.4")), "quantity %s", after.Quantity)

	var corrected bool
	for _, ev := range store.AuditByEntity(p.ID) {
		if strings.Contains(ev.Details, "Updated quantity from 0.5 to 0.4") {
			corrected = true
		}
	}
	assert.True(t, corrected, "audit trail is missing the correction")
	assert.True(t, alerts.Contains("Updated quantity from 0.5 to 0.4"))

	// Second pass: quantities agree, nothing changes.
	auditsBefore := len(store.AuditByEntity(p.ID))
	results, err = rec.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Empty(t, results[0].CorrectionsApplied)
	assert.Len(t, store.AuditByEntity(p.ID), auditsBefore)

	again, err := engine.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, again.Quantity.Equal(decimal.RequireFromString("0.4")), "quantity %s", again.Quantity)
}
