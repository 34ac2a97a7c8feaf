package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS periods (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol TEXT NOT NULL,
    reference_price REAL NOT NULL,
    min_price REAL NOT NULL,
    max_price REAL NOT NULL,
    status TEXT NOT NULL DEFAULT 'ACTIVE',
    total_profit REAL DEFAULT 0,
    started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    ended_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_periods_symbol_status ON periods(symbol, status);

CREATE TABLE IF NOT EXISTS orders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    venue_order_id TEXT NOT NULL UNIQUE,
    quantity REAL NOT NULL,
    entry_price REAL NOT NULL,
    exit_price REAL,
    status TEXT NOT NULL DEFAULT 'OPEN',
    period_id INTEGER,
    stop_loss_order_id TEXT,
    trailing_stop_order_id TEXT,
    close_reason TEXT,
    profit REAL DEFAULT 0,
    opened_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    closed_at DATETIME,
    FOREIGN KEY(period_id) REFERENCES periods(id)
);

CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders(symbol, status);

CREATE TABLE IF NOT EXISTS extremes (
    symbol TEXT NOT NULL,
    scope TEXT NOT NULL DEFAULT 'main',
    min_price REAL NOT NULL,
    max_price REAL NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (symbol, scope)
);

CREATE TABLE IF NOT EXISTS reconciliation_audits (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol TEXT NOT NULL,
    check_name TEXT NOT NULL,
    local_value TEXT,
    venue_value TEXT,
    detail TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// ApplyMigrations creates tables and adds columns introduced after the first release.
func ApplyMigrations(d *Database) error {
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Per-period entry counters
	if err := ensureColumn(d.DB, "periods", "long_entries", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "periods", "short_entries", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "periods", "profit_threshold", "REAL DEFAULT 0"); err != nil {
		return err
	}

	// Sub-strategy entries and extremes
	if err := ensureColumn(d.DB, "orders", "scope", "TEXT NOT NULL DEFAULT 'main'"); err != nil {
		return err
	}
	if err := migrateExtremesScope(d.DB); err != nil {
		return err
	}

	return nil
}

// migrateExtremesScope rebuilds an extremes table keyed by symbol alone so
// that it is keyed by symbol and scope. Existing rows become scope 'main'.
func migrateExtremesScope(db *sql.DB) error {
	exists, err := columnExists(db, "extremes", "scope")
	if err != nil || exists {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migrate extremes: %w", err)
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`CREATE TABLE extremes_scoped (
    symbol TEXT NOT NULL,
    scope TEXT NOT NULL DEFAULT 'main',
    min_price REAL NOT NULL,
    max_price REAL NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (symbol, scope)
)`,
		`INSERT INTO extremes_scoped (symbol, scope, min_price, max_price, updated_at)
SELECT symbol, 'main', min_price, max_price, updated_at FROM extremes`,
		`DROP TABLE extremes`,
		`ALTER TABLE extremes_scoped RENAME TO extremes`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migrate extremes: %w", err)
		}
	}
	return tx.Commit()
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
