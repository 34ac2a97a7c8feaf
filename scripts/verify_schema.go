//go:build ignore

package main

import (
	"fmt"
	"log"
	"os"

	"trend-engine/pkg/db"
)

// Checks that a database file carries every table and column the engine
// writes to. Usage: go run ./scripts/verify_schema.go [path]
var expected = map[string][]string{
	"periods":               {"reference_price", "min_price", "max_price", "status", "total_profit", "ended_at"},
	"orders":                {"venue_order_id", "period_id", "stop_loss_order_id", "trailing_stop_order_id", "close_reason", "profit", "scope"},
	"extremes":              {"scope", "min_price", "max_price", "updated_at"},
	"reconciliation_audits": {"check_name", "local_value", "venue_value", "detail"},
}

func main() {
	dbPath := "./data/trend.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}
	fmt.Printf("Verifying database at: %s\n", dbPath)

	database, err := db.New(dbPath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer database.Close()

	missing := 0
	for table, columns := range expected {
		have := map[string]bool{}
		rows, err := database.DB.Query(fmt.Sprintf("SELECT name FROM pragma_table_info('%s')", table))
		if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				log.Fatalf("Scan failed: %v", err)
			}
			have[name] = true
		}
		rows.Close()

		if len(have) == 0 {
			fmt.Printf("❌ %s table MISSING\n", table)
			missing++
			continue
		}
		for _, col := range columns {
			if !have[col] {
				fmt.Printf("❌ %s.%s column MISSING\n", table, col)
				missing++
			}
		}
		fmt.Printf("✓ %s checked\n", table)
	}
	if missing > 0 {
		os.Exit(1)
	}
}
