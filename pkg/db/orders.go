package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Order statuses.
const (
	OrderOpen   = "OPEN"
	OrderClosed = "CLOSED"
)

// Order is a filled entry tracked until it is closed.
type Order struct {
	ID                  int64
	Symbol              string
	Side                string
	VenueOrderID        string
	Quantity            float64
	EntryPrice          float64
	ExitPrice           float64
	Status              string
	PeriodID            int64
	StopLossOrderID     string
	TrailingStopOrderID string
	CloseReason         string
	Profit              float64
	Scope               string // ScopeMain or ScopeSub; empty is stored as ScopeMain
	OpenedAt            time.Time
	ClosedAt            *time.Time
}

// AddOrder stores a filled entry as OPEN. A replayed fill for the same venue
// order id updates price and quantity and returns the existing row id.
func (d *Database) AddOrder(ctx context.Context, o Order) (int64, error) {
	opened := o.OpenedAt
	if opened.IsZero() {
		opened = time.Now().UTC()
	}
	var period any
	if o.PeriodID > 0 {
		period = o.PeriodID
	}
	scope := o.Scope
	if scope == "" {
		scope = ScopeMain
	}
	var id int64
	err := d.DB.QueryRowContext(ctx, `
INSERT INTO orders (symbol, side, venue_order_id, quantity, entry_price, status, period_id, scope, opened_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(venue_order_id) DO UPDATE SET
    quantity = excluded.quantity,
    entry_price = excluded.entry_price
RETURNING id
`, o.Symbol, o.Side, o.VenueOrderID, o.Quantity, o.EntryPrice, OrderOpen, period, scope, opened).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("add order: %w", err)
	}
	return id, nil
}

// UpdateOrderStops records the protective order ids of an entry.
func (d *Database) UpdateOrderStops(ctx context.Context, venueOrderID, stopLossID, trailingStopID string) error {
	res, err := d.DB.ExecContext(ctx, `
UPDATE orders SET
    stop_loss_order_id = COALESCE(NULLIF(?, ''), stop_loss_order_id),
    trailing_stop_order_id = COALESCE(NULLIF(?, ''), trailing_stop_order_id)
WHERE venue_order_id = ?
`, stopLossID, trailingStopID, venueOrderID)
	if err != nil {
		return fmt.Errorf("update order stops: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CloseOrder marks one OPEN entry CLOSED.
func (d *Database) CloseOrder(ctx context.Context, venueOrderID string, exitPrice, profit float64, reason string) error {
	res, err := d.DB.ExecContext(ctx, `
UPDATE orders SET status = ?, exit_price = ?, profit = ?, close_reason = ?, closed_at = ?
WHERE venue_order_id = ? AND status = ?
`, OrderClosed, exitPrice, profit, reason, time.Now().UTC(), venueOrderID, OrderOpen)
	if err != nil {
		return fmt.Errorf("close order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CloseOpenOrders closes every OPEN entry of symbol. periodID 0 means any period.
func (d *Database) CloseOpenOrders(ctx context.Context, symbol string, periodID int64, exitPrice float64, reason string) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
UPDATE orders SET status = ?, exit_price = ?, close_reason = ?, closed_at = ?
WHERE symbol = ? AND status = ? AND (? = 0 OR period_id = ?)
`, OrderClosed, exitPrice, reason, time.Now().UTC(), symbol, OrderOpen, periodID, periodID)
	if err != nil {
		return 0, fmt.Errorf("close open orders: %w", err)
	}
	return res.RowsAffected()
}

// OpenOrders returns OPEN entries of symbol, oldest first.
func (d *Database) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	return d.queryOrders(ctx, `
SELECT `+orderColumns+`
FROM orders
WHERE symbol = ? AND status = ?
ORDER BY id ASC
`, symbol, OrderOpen)
}

// CountOpenOrders counts OPEN entries of symbol.
func (d *Database) CountOpenOrders(ctx context.Context, symbol string) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders WHERE symbol = ? AND status = ?`, symbol, OrderOpen).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open orders: %w", err)
	}
	return n, nil
}

// ListOrders returns the newest entries first. Empty symbol or status matches all.
func (d *Database) ListOrders(ctx context.Context, symbol, status string, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	return d.queryOrders(ctx, `
SELECT `+orderColumns+`
FROM orders
WHERE (? = '' OR symbol = ?) AND (? = '' OR status = ?)
ORDER BY id DESC
LIMIT ?
`, symbol, symbol, status, status, limit)
}

const orderColumns = `id, symbol, side, venue_order_id, quantity, entry_price, exit_price, status,
       COALESCE(period_id, 0), stop_loss_order_id, trailing_stop_order_id, close_reason,
       COALESCE(profit, 0), COALESCE(scope, 'main'), opened_at, closed_at`

func (d *Database) queryOrders(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		var (
			o                   Order
			exit                sql.NullFloat64
			sl, ts, closeReason sql.NullString
			closed              sql.NullTime
		)
		if err := rows.Scan(&o.ID, &o.Symbol, &o.Side, &o.VenueOrderID, &o.Quantity, &o.EntryPrice, &exit, &o.Status,
			&o.PeriodID, &sl, &ts, &closeReason, &o.Profit, &o.Scope, &o.OpenedAt, &closed); err != nil {
			return nil, err
		}
		o.ExitPrice = exit.Float64
		o.StopLossOrderID = sl.String
		o.TrailingStopOrderID = ts.String
		o.CloseReason = closeReason.String
		if closed.Valid {
			t := closed.Time
			o.ClosedAt = &t
		}
		res = append(res, o)
	}
	return res, rows.Err()
}
