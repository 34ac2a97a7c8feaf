package db

import (
	"context"
	"fmt"
	"time"
)

// Audit is one persisted reconciliation discrepancy.
type Audit struct {
	ID         int64
	Symbol     string
	CheckName  string
	LocalValue string
	VenueValue string
	Detail     string
	CreatedAt  time.Time
}

// SaveAudits writes a batch of discrepancies in one transaction.
func (d *Database) SaveAudits(ctx context.Context, audits []Audit) error {
	if len(audits) == 0 {
		return nil
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO reconciliation_audits (symbol, check_name, local_value, venue_value, detail, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, a := range audits {
		created := a.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := stmt.ExecContext(ctx, a.Symbol, a.CheckName, a.LocalValue, a.VenueValue, a.Detail, created); err != nil {
			return fmt.Errorf("insert audit %s/%s: %w", a.Symbol, a.CheckName, err)
		}
	}
	return tx.Commit()
}

// ListAudits returns the newest discrepancies first.
func (d *Database) ListAudits(ctx context.Context, symbol string, limit int) ([]Audit, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
SELECT id, symbol, check_name, COALESCE(local_value, ''), COALESCE(venue_value, ''), COALESCE(detail, ''), created_at
FROM reconciliation_audits
WHERE (? = '' OR symbol = ?)
ORDER BY id DESC
LIMIT ?
`, symbol, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}
	defer rows.Close()

	var res []Audit
	for rows.Next() {
		var a Audit
		if err := rows.Scan(&a.ID, &a.Symbol, &a.CheckName, &a.LocalValue, &a.VenueValue, &a.Detail, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
