package position

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"perp_trader/internal/core"
	apperrors "perp_trader/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "positions.db")
	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err, "failed to create store")
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func samplePosition(id string) *core.Position {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &core.Position{
		ID:           id,
		Symbol:       "BTC/USDT:USDT",
		Side:         core.SideLong,
		Quantity:     decimal.RequireFromString("0.5"),
		EntryPrice:   decimal.NewFromInt(50000),
		CurrentPrice: decimal.NewFromInt(50000),
		Leverage:     10,
		StopLoss:     decimal.NewFromInt(49000),
		TakeProfit:   decimal.NewFromInt(52000),
		Status:       core.PositionStatusOpen,
		PnLCHF:       decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestSQLiteStore_InsertAndGet(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	p := samplePosition("pos-1")
	require.NoError(t, store.Insert(ctx, p))

	loaded, err := store.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, p.Symbol, loaded.Symbol)
	assert.Equal(t, p.Side, loaded.Side)
	assert.True(t, loaded.Quantity.Equal(p.Quantity), "quantity mismatch: %s", loaded.Quantity)
	assert.True(t, loaded.EntryPrice.Equal(p.EntryPrice))
	assert.Equal(t, p.Leverage, loaded.Leverage)
	assert.True(t, loaded.IsOpen())
	assert.Equal(t, p.CreatedAt.UnixNano(), loaded.CreatedAt.UnixNano())
}

func TestSQLiteStore_InsertDuplicateConflicts(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, samplePosition("pos-1")))
	err := store.Insert(ctx, samplePosition("pos-1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrStoreConflict), "expected conflict, got %v", err)
}

func TestSQLiteStore_UpdateMissingIsNotFound(t *testing.T) {
	store := createTestStore(t)

	err := store.Update(context.Background(), samplePosition("ghost"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrPositionNotFound))
}

func TestSQLiteStore_CloseRoundTrip(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	p := samplePosition("pos-1")
	require.NoError(t, store.Insert(ctx, p))

	closedAt := time.Now().UTC().Truncate(time.Microsecond)
	p.Status = core.PositionStatusClosed
	p.PnLCHF = decimal.RequireFromString("-12.34")
	p.CloseReason = "stop_loss_triggered_layer2"
	p.ClosedAt = &closedAt
	require.NoError(t, store.Update(ctx, p))

	loaded, err := store.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.False(t, loaded.IsOpen())
	assert.Equal(t, core.PositionStatusClosed, loaded.Status)
	assert.Equal(t, "stop_loss_triggered_layer2", loaded.CloseReason)
	assert.True(t, loaded.PnLCHF.Equal(p.PnLCHF))
	require.NotNil(t, loaded.ClosedAt)
	assert.Equal(t, closedAt.UnixNano(), loaded.ClosedAt.UnixNano())
}

func TestSQLiteStore_SettleCloseIsAtomic(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	p := samplePosition("pos-1")
	require.NoError(t, store.Insert(ctx, p))

	closedAt := time.Now().UTC().Truncate(time.Microsecond)
	date := closedAt.Format("2006-01-02")
	p.Status = core.PositionStatusClosed
	p.PnLCHF = decimal.RequireFromString("11.00")
	p.CloseReason = "signal_close"
	p.ClosedAt = &closedAt
	require.NoError(t, store.SettleClose(ctx, p, date, p.PnLCHF))

	loaded, err := store.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.False(t, loaded.IsOpen())
	assert.True(t, loaded.PnLCHF.Equal(p.PnLCHF))

	total, err := store.GetDailyPnL(ctx, date)
	require.NoError(t, err)
	assert.True(t, total.Equal(p.PnLCHF), "ledger got %s", total)

	// A settle that cannot update the row must not touch the ledger either.
	ghost := samplePosition("ghost")
	ghost.Status = core.PositionStatusClosed
	ghost.ClosedAt = &closedAt
	err = store.SettleClose(ctx, ghost, date, decimal.RequireFromString("-5"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrPositionNotFound))

	total, err = store.GetDailyPnL(ctx, date)
	require.NoError(t, err)
	assert.True(t, total.Equal(p.PnLCHF), "ledger moved on failed settle: %s", total)
}

func TestSQLiteStore_GetByStatus(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	open := samplePosition("pos-open")
	require.NoError(t, store.Insert(ctx, open))

	closed := samplePosition("pos-closed")
	now := time.Now().UTC()
	closed.Status = core.PositionStatusClosed
	closed.ClosedAt = &now
	require.NoError(t, store.Insert(ctx, closed))

	openRows, err := store.GetByStatus(ctx, core.PositionStatusOpen)
	require.NoError(t, err)
	require.Len(t, openRows, 1)
	assert.Equal(t, "pos-open", openRows[0].ID)

	closedRows, err := store.GetByStatus(ctx, core.PositionStatusClosed)
	require.NoError(t, err)
	require.Len(t, closedRows, 1)
	assert.Equal(t, "pos-closed", closedRows[0].ID)
}

func TestSQLiteStore_DailyPnLAccumulates(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	date := "2026-08-25"
	require.NoError(t, store.UpdateDailyPnL(ctx, date, decimal.RequireFromString("10.50")))
	require.NoError(t, store.UpdateDailyPnL(ctx, date, decimal.RequireFromString("-4.25")))

	total, err := store.GetDailyPnL(ctx, date)
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.RequireFromString("6.25")), "got %s", total)

	// Unknown date reads as zero
	other, err := store.GetDailyPnL(ctx, "2026-01-01")
	require.NoError(t, err)
	assert.True(t, other.IsZero())
}

func TestSQLiteStore_AuditAppendAndRead(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	events := []core.AuditEvent{
		{Timestamp: time.Now().UTC(), EventType: "position_opened", EntityType: "position", EntityID: "pos-1", Details: "opened LONG 0.5 BTC/USDT:USDT @ 50000"},
		{Timestamp: time.Now().UTC(), EventType: "position_corrected", EntityType: "position", EntityID: "pos-1", Details: "Updated quantity from 0.5 to 0.4"},
	}
	for i := range events {
		require.NoError(t, store.AppendAudit(ctx, &events[i]))
	}

	trail, err := store.AuditByEntity(ctx, "pos-1")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "position_opened", trail[0].EventType)
	assert.Contains(t, trail[1].Details, "Updated quantity from 0.5 to 0.4")
}

func TestSQLiteStore_WALMode(t *testing.T) {
	store := createTestStore(t)

	var journalMode string
	err := store.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	require.NoError(t, err)
	assert.Equal(t, "wal", journalMode)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "positions.db")
	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, samplePosition("pos-1")))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, "BTC/USDT:USDT", loaded.Symbol)
}

func TestSQLiteStore_ContextCancellation(t *testing.T) {
	store := createTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Insert(ctx, samplePosition("pos-1"))
	assert.Error(t, err, "expected error from canceled context")
}
