package e2e

import (
	"context"
	"fmt"
	"testing"
	"time"

	"perp_trader/internal/config"
	"perp_trader/internal/core"
	apperrors "perp_trader/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stopRejectingVenue refuses stop-market placements while passing all other
// traffic to the paper venue, leaving the watchdog layers as the only stop
// enforcement.
type stopRejectingVenue struct {
	core.IExchange
}

func (v *stopRejectingVenue) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	if req.Type == core.OrderTypeStopMarket {
		return nil, fmt.Errorf("venue refuses stop orders: %w", apperrors.ErrOrderRejected)
	}
	return v.IExchange.PlaceOrder(ctx, req)
}

// With the exchange stop unavailable, a price drop through the stop level
// must be caught by the layer-2 monitor and force the position closed.
func TestE2E_WatchdogClosesPositionWhenVenueStopFails(t *testing.T) {
	s := newStack(t,
		withConfig(func(cfg *config.Config) {
			cfg.StopLoss.Layer2IntervalSeconds = 0.05
			cfg.StopLoss.Layer3IntervalSeconds = 0.5
		}),
		withVenueWrapper(func(venue core.IExchange) core.IExchange {
			return &stopRejectingVenue{IExchange: venue}
		}),
	)
	ctx := context.Background()

	s.signals.Set(btcPerp, buySignal(btcPerp, 0.01))
	s.cycle(t)

	open := s.openPositions(t)
	require.Len(t, open, 1)
	p := open[0]
	assert.True(t, p.StopLoss.Equal(decimal.NewFromInt(49000)), "stop %s", p.StopLoss)

	// No stop order made it onto the venue and the failure was alerted, but
	// protection is armed regardless.
	assert.Empty(t, s.venue.RestingOrders(btcPerp))
	assert.True(t, s.alerts.Contains("Stop-loss placement failed"))
	assert.Equal(t, 1, s.supervisor.ActiveCount())

	s.prices.SetPrice(btcPerp, decimal.NewFromInt(48900))

	require.Eventually(t, func() bool {
		current, err := s.engine.GetByID(ctx, p.ID)
		return err == nil && !current.IsOpen()
	}, 2*time.Second, 10*time.Millisecond, "watchdog did not close the position")

	closed, err := s.engine.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PositionStatusClosed, closed.Status)
	assert.Equal(t, "stop_loss_triggered_layer2", closed.CloseReason)
	assert.True(t, closed.PnLCHF.IsNegative(), "pnl %s", closed.PnLCHF)

	// The trigger also retires every monitor task for the id.
	require.Eventually(t, func() bool { return s.supervisor.ActiveCount() == 0 },
		2*time.Second, 10*time.Millisecond, "monitor tasks still registered")
	_, found := s.supervisor.GetProtection(p.ID)
	assert.False(t, found)
}
