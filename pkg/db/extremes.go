package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Extremes scopes. The main scope is the instrument's own pair; the sub scope
// belongs to the composite sub-strategy and is tracked independently.
const (
	ScopeMain = "main"
	ScopeSub  = "sub"
)

// SaveExtremes upserts the min/max of a symbol within scope.
func (d *Database) SaveExtremes(ctx context.Context, symbol, scope string, minPrice, maxPrice float64) error {
	_, err := d.DB.ExecContext(ctx, `
INSERT INTO extremes (symbol, scope, min_price, max_price, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(symbol, scope) DO UPDATE SET
    min_price = excluded.min_price,
    max_price = excluded.max_price,
    updated_at = excluded.updated_at
`, symbol, scope, minPrice, maxPrice, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save extremes: %w", err)
	}
	return nil
}

// Extremes loads the stored min/max. ok is false when nothing was saved.
func (d *Database) Extremes(ctx context.Context, symbol, scope string) (minPrice, maxPrice float64, ok bool, err error) {
	err = d.DB.QueryRowContext(ctx,
		`SELECT min_price, max_price FROM extremes WHERE symbol = ? AND scope = ?`, symbol, scope).Scan(&minPrice, &maxPrice)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("load extremes: %w", err)
	}
	return minPrice, maxPrice, true, nil
}
