package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Period statuses.
const (
	PeriodActive    = "ACTIVE"
	PeriodClosed    = "CLOSED"
	PeriodAbandoned = "ABANDONED"
)

// Period is one trading round for a symbol.
type Period struct {
	ID              int64
	Symbol          string
	ReferencePrice  float64
	MinPrice        float64
	MaxPrice        float64
	Status          string
	LongEntries     int
	ShortEntries    int
	ProfitThreshold float64
	TotalProfit     float64
	StartedAt       time.Time
	EndedAt         *time.Time
}

// CreatePeriod inserts a new ACTIVE period with min=max=reference.
func (d *Database) CreatePeriod(ctx context.Context, symbol string, reference, profitThreshold float64) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
INSERT INTO periods (symbol, reference_price, min_price, max_price, status, profit_threshold, started_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, symbol, reference, reference, reference, PeriodActive, profitThreshold, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("create period: %w", err)
	}
	return res.LastInsertId()
}

// ActivePeriod returns the most recent ACTIVE period for symbol.
func (d *Database) ActivePeriod(ctx context.Context, symbol string) (*Period, error) {
	row := d.DB.QueryRowContext(ctx, `
SELECT id, symbol, reference_price, min_price, max_price, status,
       COALESCE(long_entries, 0), COALESCE(short_entries, 0), COALESCE(profit_threshold, 0),
       COALESCE(total_profit, 0), started_at, ended_at
FROM periods
WHERE symbol = ? AND status = ?
ORDER BY id DESC
LIMIT 1
`, symbol, PeriodActive)
	p, err := scanPeriod(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActivePeriod
	}
	if err != nil {
		return nil, fmt.Errorf("active period: %w", err)
	}
	return p, nil
}

// UpdatePeriodExtremes stores the running min/max of the active period.
func (d *Database) UpdatePeriodExtremes(ctx context.Context, periodID int64, minPrice, maxPrice float64) error {
	_, err := d.DB.ExecContext(ctx, `
UPDATE periods SET min_price = ?, max_price = ? WHERE id = ?
`, minPrice, maxPrice, periodID)
	if err != nil {
		return fmt.Errorf("update period extremes: %w", err)
	}
	return nil
}

// IncrementPeriodEntries bumps the LONG or SHORT entry counter.
func (d *Database) IncrementPeriodEntries(ctx context.Context, periodID int64, side string) error {
	column := "long_entries"
	if side == "SHORT" {
		column = "short_entries"
	}
	_, err := d.DB.ExecContext(ctx,
		"UPDATE periods SET "+column+" = COALESCE("+column+", 0) + 1 WHERE id = ?", periodID)
	if err != nil {
		return fmt.Errorf("increment period entries: %w", err)
	}
	return nil
}

// EndPeriod closes the ACTIVE period for symbol and records its realized profit.
func (d *Database) EndPeriod(ctx context.Context, symbol string, totalProfit float64) error {
	res, err := d.DB.ExecContext(ctx, `
UPDATE periods SET status = ?, total_profit = ?, ended_at = ?
WHERE symbol = ? AND status = ?
`, PeriodClosed, totalProfit, time.Now().UTC(), symbol, PeriodActive)
	if err != nil {
		return fmt.Errorf("end period: %w", err)
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

// AbandonActivePeriods marks every ACTIVE period of symbol as ABANDONED.
// Used on a fresh start when the venue holds no positions.
func (d *Database) AbandonActivePeriods(ctx context.Context, symbol string) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
UPDATE periods SET status = ?, ended_at = ?
WHERE symbol = ? AND status = ?
`, PeriodAbandoned, time.Now().UTC(), symbol, PeriodActive)
	if err != nil {
		return 0, fmt.Errorf("abandon periods: %w", err)
	}
	return res.RowsAffected()
}

// ListPeriods returns the newest periods first. Empty symbol lists all.
func (d *Database) ListPeriods(ctx context.Context, symbol string, limit int) ([]Period, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
SELECT id, symbol, reference_price, min_price, max_price, status,
       COALESCE(long_entries, 0), COALESCE(short_entries, 0), COALESCE(profit_threshold, 0),
       COALESCE(total_profit, 0), started_at, ended_at
FROM periods
WHERE (? = '' OR symbol = ?)
ORDER BY id DESC
LIMIT ?
`, symbol, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("list periods: %w", err)
	}
	defer rows.Close()

	var res []Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *p)
	}
	return res, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPeriod(s scanner) (*Period, error) {
	var (
		p     Period
		ended sql.NullTime
	)
	if err := s.Scan(&p.ID, &p.Symbol, &p.ReferencePrice, &p.MinPrice, &p.MaxPrice, &p.Status,
		&p.LongEntries, &p.ShortEntries, &p.ProfitThreshold, &p.TotalProfit, &p.StartedAt, &ended); err != nil {
		return nil, err
	}
	if ended.Valid {
		t := ended.Time
		p.EndedAt = &t
	}
	return &p, nil
}
