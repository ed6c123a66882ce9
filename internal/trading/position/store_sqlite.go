package position

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"perp_trader/internal/core"
	apperrors "perp_trader/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// SQLiteStore persists positions, the append-only audit log and the daily
// P&L ledger in a single SQLite file. WAL mode gives crash recovery; every
// write runs inside a serializable transaction.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS positions (
	id            TEXT PRIMARY KEY,
	symbol        TEXT NOT NULL,
	side          TEXT NOT NULL,
	quantity      TEXT NOT NULL,
	entry_price   TEXT NOT NULL,
	current_price TEXT NOT NULL,
	leverage      INTEGER NOT NULL,
	stop_loss     TEXT NOT NULL,
	take_profit   TEXT NOT NULL,
	status        TEXT NOT NULL,
	pnl_chf       TEXT NOT NULL,
	close_reason  TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	closed_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol);

CREATE TABLE IF NOT EXISTS audit_log (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	ts          INTEGER NOT NULL,
	event_type  TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	details     TEXT NOT NULL,
	checksum    BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_id);

CREATE TABLE IF NOT EXISTS daily_pnl (
	date         TEXT PRIMARY KEY,
	realized_chf TEXT NOT NULL,
	updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
	id                TEXT PRIMARY KEY,
	exchange_order_id TEXT NOT NULL,
	client_order_id   TEXT NOT NULL,
	position_id       TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	side              TEXT NOT NULL,
	type              TEXT NOT NULL,
	quantity          TEXT NOT NULL,
	price             TEXT NOT NULL,
	stop_price        TEXT NOT NULL,
	reduce_only       INTEGER NOT NULL,
	filled_quantity   TEXT NOT NULL,
	avg_fill_price    TEXT NOT NULL,
	fees_paid         TEXT NOT NULL,
	status            TEXT NOT NULL,
	latency_ms        INTEGER NOT NULL,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_position ON orders(position_id);
CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol);
`

// NewSQLiteStore opens (or creates) the store at the given DSN
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.SetMaxOpenConns(10)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, p *core.Position) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return mapSQLiteErr("begin insert", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `INSERT INTO positions
		(id, symbol, side, quantity, entry_price, current_price, leverage,
		 stop_loss, take_profit, status, pnl_chf, close_reason,
		 created_at, updated_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, query,
		p.ID, p.Symbol, string(p.Side),
		p.Quantity.String(), p.EntryPrice.String(), p.CurrentPrice.String(),
		p.Leverage, p.StopLoss.String(), p.TakeProfit.String(),
		string(p.Status), p.PnLCHF.String(), p.CloseReason,
		p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano(), nullableNano(p.ClosedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("insert position %s: %w", p.ID, apperrors.ErrStoreConflict)
		}
		return mapSQLiteErr("insert position", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) Update(ctx context.Context, p *core.Position) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return mapSQLiteErr("begin update", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := updatePositionTx(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

// SettleClose updates the closed position row and the daily ledger in one
// serializable transaction. A crash cannot strand a close without its rollup.
func (s *SQLiteStore) SettleClose(ctx context.Context, p *core.Position, date string, deltaCHF decimal.Decimal) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return mapSQLiteErr("begin settle close", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := updatePositionTx(ctx, tx, p); err != nil {
		return err
	}
	if err := addDailyPnLTx(ctx, tx, date, deltaCHF); err != nil {
		return err
	}
	return tx.Commit()
}

// updatePositionTx overwrites the mutable position columns inside tx.
func updatePositionTx(ctx context.Context, tx *sql.Tx, p *core.Position) error {
	query := `UPDATE positions SET
		symbol = ?, side = ?, quantity = ?, entry_price = ?, current_price = ?,
		leverage = ?, stop_loss = ?, take_profit = ?, status = ?, pnl_chf = ?,
		close_reason = ?, updated_at = ?, closed_at = ?
		WHERE id = ?`
	res, err := tx.ExecContext(ctx, query,
		p.Symbol, string(p.Side),
		p.Quantity.String(), p.EntryPrice.String(), p.CurrentPrice.String(),
		p.Leverage, p.StopLoss.String(), p.TakeProfit.String(),
		string(p.Status), p.PnLCHF.String(), p.CloseReason,
		p.UpdatedAt.UnixNano(), nullableNano(p.ClosedAt), p.ID)
	if err != nil {
		return mapSQLiteErr("update position", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return mapSQLiteErr("update position", err)
	}
	if affected == 0 {
		return fmt.Errorf("update position %s: %w", p.ID, apperrors.ErrPositionNotFound)
	}
	return nil
}

func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*core.Position, error) {
	query := `SELECT id, symbol, side, quantity, entry_price, current_price,
		leverage, stop_loss, take_profit, status, pnl_chf, close_reason,
		created_at, updated_at, closed_at
		FROM positions WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)
	p, err := scanPosition(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("get position %s: %w", id, apperrors.ErrPositionNotFound)
		}
		return nil, mapSQLiteErr("get position", err)
	}
	return p, nil
}

func (s *SQLiteStore) GetByStatus(ctx context.Context, status core.PositionStatus) ([]*core.Position, error) {
	query := `SELECT id, symbol, side, quantity, entry_price, current_price,
		leverage, stop_loss, take_profit, status, pnl_chf, close_reason,
		created_at, updated_at, closed_at
		FROM positions WHERE status = ? ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, mapSQLiteErr("query positions", err)
	}
	defer rows.Close()

	var result []*core.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, mapSQLiteErr("scan position", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// AppendAudit writes one append-only audit row. The JSON encoding of the
// event is checksummed so corruption is detectable on review.
func (s *SQLiteStore) AppendAudit(ctx context.Context, event *core.AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	checksum := sha256.Sum256(data)

	query := `INSERT INTO audit_log (ts, event_type, entity_type, entity_id, details, checksum)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		event.Timestamp.UnixNano(), event.EventType, event.EntityType,
		event.EntityID, event.Details, checksum[:])
	if err != nil {
		return mapSQLiteErr("append audit", err)
	}
	return nil
}

// AuditByEntity returns the audit trail for one entity, oldest first.
// Not part of the store interface; tests and operator tooling use it.
func (s *SQLiteStore) AuditByEntity(ctx context.Context, entityID string) ([]core.AuditEvent, error) {
	query := `SELECT ts, event_type, entity_type, entity_id, details
		FROM audit_log WHERE entity_id = ? ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, query, entityID)
	if err != nil {
		return nil, mapSQLiteErr("query audit", err)
	}
	defer rows.Close()

	var result []core.AuditEvent
	for rows.Next() {
		var e core.AuditEvent
		var ts int64
		if err := rows.Scan(&ts, &e.EventType, &e.EntityType, &e.EntityID, &e.Details); err != nil {
			return nil, mapSQLiteErr("scan audit", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) UpdateDailyPnL(ctx context.Context, date string, deltaCHF decimal.Decimal) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return mapSQLiteErr("begin daily pnl", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := addDailyPnLTx(ctx, tx, date, deltaCHF); err != nil {
		return err
	}
	return tx.Commit()
}

// addDailyPnLTx folds a realized delta into the daily ledger inside tx.
func addDailyPnLTx(ctx context.Context, tx *sql.Tx, date string, deltaCHF decimal.Decimal) error {
	var current string
	err := tx.QueryRowContext(ctx, `SELECT realized_chf FROM daily_pnl WHERE date = ?`, date).Scan(&current)
	total := deltaCHF
	switch {
	case err == sql.ErrNoRows:
		// first entry for this date
	case err != nil:
		return mapSQLiteErr("read daily pnl", err)
	default:
		prev, perr := decimal.NewFromString(current)
		if perr != nil {
			return fmt.Errorf("corrupt daily pnl for %s: %w", date, perr)
		}
		total = prev.Add(deltaCHF)
	}

	query := `INSERT INTO daily_pnl (date, realized_chf, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET realized_chf = excluded.realized_chf, updated_at = excluded.updated_at`
	if _, err := tx.ExecContext(ctx, query, date, total.String(), time.Now().UnixNano()); err != nil {
		return mapSQLiteErr("write daily pnl", err)
	}
	return nil
}

func (s *SQLiteStore) GetDailyPnL(ctx context.Context, date string) (decimal.Decimal, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT realized_chf FROM daily_pnl WHERE date = ?`, date).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return decimal.Zero, nil
		}
		return decimal.Zero, mapSQLiteErr("read daily pnl", err)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt daily pnl for %s: %w", date, err)
	}
	return v, nil
}

// InsertOrder persists the local order record before submission. A duplicate
// id is a conflict: the executor reuses ids across retries and must not
// double-insert.
func (s *SQLiteStore) InsertOrder(ctx context.Context, o *core.Order) error {
	query := `INSERT INTO orders
		(id, exchange_order_id, client_order_id, position_id, symbol, side, type,
		 quantity, price, stop_price, reduce_only, filled_quantity, avg_fill_price,
		 fees_paid, status, latency_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		o.ID, o.ExchangeOrderID, o.ClientOrderID, o.PositionID, o.Symbol,
		string(o.Side), string(o.Type),
		o.Quantity.String(), o.Price.String(), o.StopPrice.String(),
		boolToInt(o.ReduceOnly), o.FilledQuantity.String(), o.AverageFillPrice.String(),
		o.FeesPaid.String(), string(o.Status), o.LatencyMS,
		o.CreatedAt.UnixNano(), o.UpdatedAt.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("insert order %s: %w", o.ID, apperrors.ErrStoreConflict)
		}
		return mapSQLiteErr("insert order", err)
	}
	return nil
}

// UpdateOrder overwrites the mutable order fields after an exchange response
func (s *SQLiteStore) UpdateOrder(ctx context.Context, o *core.Order) error {
	query := `UPDATE orders SET
		exchange_order_id = ?, position_id = ?, filled_quantity = ?,
		avg_fill_price = ?, fees_paid = ?, status = ?, latency_ms = ?,
		updated_at = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query,
		o.ExchangeOrderID, o.PositionID, o.FilledQuantity.String(),
		o.AverageFillPrice.String(), o.FeesPaid.String(), string(o.Status),
		o.LatencyMS, o.UpdatedAt.UnixNano(), o.ID)
	if err != nil {
		return mapSQLiteErr("update order", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return mapSQLiteErr("update order", err)
	}
	if affected == 0 {
		return fmt.Errorf("update order %s: %w", o.ID, apperrors.ErrOrderNotFound)
	}
	return nil
}

// OrdersByPosition returns all orders tied to a position, oldest first
func (s *SQLiteStore) OrdersByPosition(ctx context.Context, positionID string) ([]*core.Order, error) {
	query := `SELECT id, exchange_order_id, client_order_id, position_id, symbol,
		side, type, quantity, price, stop_price, reduce_only, filled_quantity,
		avg_fill_price, fees_paid, status, latency_ms, created_at, updated_at
		FROM orders WHERE position_id = ? ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, positionID)
	if err != nil {
		return nil, mapSQLiteErr("query orders", err)
	}
	defer rows.Close()

	var result []*core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, mapSQLiteErr("scan order", err)
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row scanner) (*core.Position, error) {
	var p core.Position
	var side, status string
	var qty, entry, current, stop, take, pnl string
	var createdAt, updatedAt int64
	var closedAt sql.NullInt64
	err := row.Scan(&p.ID, &p.Symbol, &side, &qty, &entry, &current,
		&p.Leverage, &stop, &take, &status, &pnl, &p.CloseReason,
		&createdAt, &updatedAt, &closedAt)
	if err != nil {
		return nil, err
	}

	p.Side = core.Side(side)
	p.Status = core.PositionStatus(status)
	if p.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("corrupt quantity for %s: %w", p.ID, err)
	}
	if p.EntryPrice, err = decimal.NewFromString(entry); err != nil {
		return nil, fmt.Errorf("corrupt entry price for %s: %w", p.ID, err)
	}
	if p.CurrentPrice, err = decimal.NewFromString(current); err != nil {
		return nil, fmt.Errorf("corrupt current price for %s: %w", p.ID, err)
	}
	if p.StopLoss, err = decimal.NewFromString(stop); err != nil {
		return nil, fmt.Errorf("corrupt stop loss for %s: %w", p.ID, err)
	}
	if p.TakeProfit, err = decimal.NewFromString(take); err != nil {
		return nil, fmt.Errorf("corrupt take profit for %s: %w", p.ID, err)
	}
	if p.PnLCHF, err = decimal.NewFromString(pnl); err != nil {
		return nil, fmt.Errorf("corrupt pnl for %s: %w", p.ID, err)
	}
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	p.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if closedAt.Valid {
		t := time.Unix(0, closedAt.Int64).UTC()
		p.ClosedAt = &t
	}
	return &p, nil
}

func scanOrder(row scanner) (*core.Order, error) {
	var o core.Order
	var side, otype, status string
	var qty, price, stop, filled, avg, fees string
	var reduceOnly int
	var createdAt, updatedAt int64
	err := row.Scan(&o.ID, &o.ExchangeOrderID, &o.ClientOrderID, &o.PositionID,
		&o.Symbol, &side, &otype, &qty, &price, &stop, &reduceOnly,
		&filled, &avg, &fees, &status, &o.LatencyMS, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	o.Side = core.OrderSide(side)
	o.Type = core.OrderType(otype)
	o.Status = core.OrderStatus(status)
	o.ReduceOnly = reduceOnly != 0
	if o.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("corrupt quantity for order %s: %w", o.ID, err)
	}
	if o.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("corrupt price for order %s: %w", o.ID, err)
	}
	if o.StopPrice, err = decimal.NewFromString(stop); err != nil {
		return nil, fmt.Errorf("corrupt stop price for order %s: %w", o.ID, err)
	}
	if o.FilledQuantity, err = decimal.NewFromString(filled); err != nil {
		return nil, fmt.Errorf("corrupt filled quantity for order %s: %w", o.ID, err)
	}
	if o.AverageFillPrice, err = decimal.NewFromString(avg); err != nil {
		return nil, fmt.Errorf("corrupt fill price for order %s: %w", o.ID, err)
	}
	if o.FeesPaid, err = decimal.NewFromString(fees); err != nil {
		return nil, fmt.Errorf("corrupt fees for order %s: %w", o.ID, err)
	}
	o.CreatedAt = time.Unix(0, createdAt).UTC()
	o.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &o, nil
}

func nullableNano(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// mapSQLiteErr classifies lock contention as a transient store timeout so
// pkg/retry treats it as retryable.
func mapSQLiteErr(op string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked") {
		return fmt.Errorf("%s: %v: %w", op, err, apperrors.ErrStoreTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}
