package db

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return d
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	d := newTestDB(t)
	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	ok, err := columnExists(d.DB, "periods", "long_entries")
	if err != nil || !ok {
		t.Fatalf("long_entries column missing: ok=%v err=%v", ok, err)
	}
}

func TestPeriodLifecycle(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	t.Run("no active period", func(t *testing.T) {
		if _, err := d.ActivePeriod(ctx, "BTCUSDT"); !errors.Is(err, ErrNoActivePeriod) {
			t.Fatalf("expected ErrNoActivePeriod, got %v", err)
		}
	})

	id, err := d.CreatePeriod(ctx, "BTCUSDT", 100, 15)
	if err != nil {
		t.Fatalf("create period: %v", err)
	}

	t.Run("active period starts at reference", func(t *testing.T) {
		p, err := d.ActivePeriod(ctx, "BTCUSDT")
		if err != nil {
			t.Fatalf("active period: %v", err)
		}
		if p.ID != id || p.MinPrice != 100 || p.MaxPrice != 100 || p.ProfitThreshold != 15 {
			t.Fatalf("unexpected period: %+v", p)
		}
		if p.StartedAt.IsZero() {
			t.Fatalf("started_at not set")
		}
	})

	t.Run("extremes and entries update", func(t *testing.T) {
		if err := d.UpdatePeriodExtremes(ctx, id, 98, 103.2); err != nil {
			t.Fatalf("update extremes: %v", err)
		}
		if err := d.IncrementPeriodEntries(ctx, id, "LONG"); err != nil {
			t.Fatalf("increment: %v", err)
		}
		if err := d.IncrementPeriodEntries(ctx, id, "SHORT"); err != nil {
			t.Fatalf("increment: %v", err)
		}
		if err := d.IncrementPeriodEntries(ctx, id, "LONG"); err != nil {
			t.Fatalf("increment: %v", err)
		}
		p, err := d.ActivePeriod(ctx, "BTCUSDT")
		if err != nil {
			t.Fatalf("active period: %v", err)
		}
		if p.MinPrice != 98 || p.MaxPrice != 103.2 || p.LongEntries != 2 || p.ShortEntries != 1 {
			t.Fatalf("unexpected period: %+v", p)
		}
	})

	t.Run("end period", func(t *testing.T) {
		if err := d.EndPeriod(ctx, "BTCUSDT", 16); err != nil {
			t.Fatalf("end period: %v", err)
		}
		if _, err := d.ActivePeriod(ctx, "BTCUSDT"); !errors.Is(err, ErrNoActivePeriod) {
			t.Fatalf("expected no active period after end, got %v", err)
		}
		if err := d.EndPeriod(ctx, "BTCUSDT", 0); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound on second end, got %v", err)
		}
		list, err := d.ListPeriods(ctx, "BTCUSDT", 10)
		if err != nil {
			t.Fatalf("list periods: %v", err)
		}
		if len(list) != 1 || list[0].Status != PeriodClosed || list[0].TotalProfit != 16 || list[0].EndedAt == nil {
			t.Fatalf("unexpected list: %+v", list)
		}
	})

	t.Run("abandon active periods", func(t *testing.T) {
		if _, err := d.CreatePeriod(ctx, "ETHUSDT", 2000, 0); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := d.CreatePeriod(ctx, "ETHUSDT", 2010, 0); err != nil {
			t.Fatalf("create: %v", err)
		}
		n, err := d.AbandonActivePeriods(ctx, "ETHUSDT")
		if err != nil {
			t.Fatalf("abandon: %v", err)
		}
		if n != 2 {
			t.Fatalf("expected 2 abandoned, got %d", n)
		}
		if _, err := d.ActivePeriod(ctx, "ETHUSDT"); !errors.Is(err, ErrNoActivePeriod) {
			t.Fatalf("expected none active, got %v", err)
		}
	})
}

func TestOrderLifecycle(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	periodID, err := d.CreatePeriod(ctx, "BTCUSDT", 100, 0)
	if err != nil {
		t.Fatalf("create period: %v", err)
	}

	id, err := d.AddOrder(ctx, Order{Symbol: "BTCUSDT", Side: "LONG", VenueOrderID: "1001", Quantity: 5, EntryPrice: 103.2, PeriodID: periodID})
	if err != nil {
		t.Fatalf("add order: %v", err)
	}

	t.Run("replayed fill keeps one row", func(t *testing.T) {
		again, err := d.AddOrder(ctx, Order{Symbol: "BTCUSDT", Side: "LONG", VenueOrderID: "1001", Quantity: 5, EntryPrice: 103.25, PeriodID: periodID})
		if err != nil {
			t.Fatalf("re-add: %v", err)
		}
		if again != id {
			t.Fatalf("expected same id %d, got %d", id, again)
		}
		n, err := d.CountOpenOrders(ctx, "BTCUSDT")
		if err != nil || n != 1 {
			t.Fatalf("expected 1 open order, got %d (%v)", n, err)
		}
	})

	t.Run("stops recorded", func(t *testing.T) {
		if err := d.UpdateOrderStops(ctx, "1001", "", "ts-1"); err != nil {
			t.Fatalf("update stops: %v", err)
		}
		if err := d.UpdateOrderStops(ctx, "1001", "sl-1", ""); err != nil {
			t.Fatalf("update stops: %v", err)
		}
		open, err := d.OpenOrders(ctx, "BTCUSDT")
		if err != nil {
			t.Fatalf("open orders: %v", err)
		}
		if len(open) != 1 || open[0].StopLossOrderID != "sl-1" || open[0].TrailingStopOrderID != "ts-1" {
			t.Fatalf("unexpected open orders: %+v", open)
		}
		if err := d.UpdateOrderStops(ctx, "missing", "a", "b"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("close single order", func(t *testing.T) {
		if err := d.CloseOrder(ctx, "1001", 106.5, 16.5, "TRAILING_STOP"); err != nil {
			t.Fatalf("close: %v", err)
		}
		if err := d.CloseOrder(ctx, "1001", 106.5, 16.5, "TRAILING_STOP"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound on double close, got %v", err)
		}
		list, err := d.ListOrders(ctx, "BTCUSDT", OrderClosed, 10)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 1 || list[0].CloseReason != "TRAILING_STOP" || list[0].Profit != 16.5 || list[0].ClosedAt == nil {
			t.Fatalf("unexpected closed orders: %+v", list)
		}
	})

	t.Run("close open orders for period", func(t *testing.T) {
		for _, v := range []string{"2001", "2002"} {
			if _, err := d.AddOrder(ctx, Order{Symbol: "BTCUSDT", Side: "SHORT", VenueOrderID: v, Quantity: 1, EntryPrice: 99, PeriodID: periodID}); err != nil {
				t.Fatalf("add: %v", err)
			}
		}
		n, err := d.CloseOpenOrders(ctx, "BTCUSDT", periodID, 98, "PERIOD_CLOSE")
		if err != nil {
			t.Fatalf("close open: %v", err)
		}
		if n != 2 {
			t.Fatalf("expected 2 closed, got %d", n)
		}
		count, err := d.CountOpenOrders(ctx, "BTCUSDT")
		if err != nil || count != 0 {
			t.Fatalf("expected 0 open, got %d (%v)", count, err)
		}
	})
}

func TestExtremesRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	if _, _, ok, err := d.Extremes(ctx, "BTCUSDT", ScopeMain); err != nil || ok {
		t.Fatalf("expected nothing stored, ok=%v err=%v", ok, err)
	}
	if err := d.SaveExtremes(ctx, "BTCUSDT", ScopeMain, 95, 105); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := d.SaveExtremes(ctx, "BTCUSDT", ScopeMain, 94, 106); err != nil {
		t.Fatalf("save: %v", err)
	}
	minP, maxP, ok, err := d.Extremes(ctx, "BTCUSDT", ScopeMain)
	if err != nil || !ok || minP != 94 || maxP != 106 {
		t.Fatalf("unexpected extremes min=%v max=%v ok=%v err=%v", minP, maxP, ok, err)
	}

	t.Run("sub scope is independent", func(t *testing.T) {
		if _, _, ok, err := d.Extremes(ctx, "BTCUSDT", ScopeSub); err != nil || ok {
			t.Fatalf("sub scope should be empty, ok=%v err=%v", ok, err)
		}
		if err := d.SaveExtremes(ctx, "BTCUSDT", ScopeSub, 99, 101); err != nil {
			t.Fatalf("save sub: %v", err)
		}
		minP, maxP, _, _ := d.Extremes(ctx, "BTCUSDT", ScopeMain)
		if minP != 94 || maxP != 106 {
			t.Fatalf("main scope changed to %v/%v", minP, maxP)
		}
		minP, maxP, ok, err := d.Extremes(ctx, "BTCUSDT", ScopeSub)
		if err != nil || !ok || minP != 99 || maxP != 101 {
			t.Fatalf("unexpected sub extremes min=%v max=%v ok=%v err=%v", minP, maxP, ok, err)
		}
	})
}

func TestMigrationScopesLegacyExtremes(t *testing.T) {
	ctx := context.Background()
	d, err := New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if _, err := d.DB.Exec(`CREATE TABLE extremes (
    symbol TEXT PRIMARY KEY,
    min_price REAL NOT NULL,
    max_price REAL NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
)`); err != nil {
		t.Fatalf("legacy table: %v", err)
	}
	if _, err := d.DB.Exec(`INSERT INTO extremes (symbol, min_price, max_price) VALUES ('BTCUSDT', 90, 110)`); err != nil {
		t.Fatalf("legacy row: %v", err)
	}

	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	minP, maxP, ok, err := d.Extremes(ctx, "BTCUSDT", ScopeMain)
	if err != nil || !ok || minP != 90 || maxP != 110 {
		t.Fatalf("legacy row not carried over: min=%v max=%v ok=%v err=%v", minP, maxP, ok, err)
	}
	if err := d.SaveExtremes(ctx, "BTCUSDT", ScopeSub, 95, 105); err != nil {
		t.Fatalf("save sub after migration: %v", err)
	}
}

func TestOrderScope(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	if _, err := d.AddOrder(ctx, Order{Symbol: "BTCUSDT", Side: "LONG", VenueOrderID: "m-1", Quantity: 1, EntryPrice: 100}); err != nil {
		t.Fatalf("add main: %v", err)
	}
	if _, err := d.AddOrder(ctx, Order{Symbol: "BTCUSDT", Side: "LONG", VenueOrderID: "s-1", Quantity: 1, EntryPrice: 99, Scope: ScopeSub}); err != nil {
		t.Fatalf("add sub: %v", err)
	}
	open, err := d.OpenOrders(ctx, "BTCUSDT")
	if err != nil || len(open) != 2 {
		t.Fatalf("open orders = %d (err %v), want 2", len(open), err)
	}
	if open[0].Scope != ScopeMain || open[1].Scope != ScopeSub {
		t.Fatalf("scopes = %s/%s, want main/sub", open[0].Scope, open[1].Scope)
	}
}

func TestAudits(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	err := d.SaveAudits(ctx, []Audit{
		{Symbol: "BTCUSDT", CheckName: "position_size", LocalValue: "5", VenueValue: "4", Detail: "LONG"},
		{Symbol: "ETHUSDT", CheckName: "open_count", LocalValue: "2", VenueValue: "3"},
	})
	if err != nil {
		t.Fatalf("save audits: %v", err)
	}
	all, err := d.ListAudits(ctx, "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 audits, got %d", len(all))
	}
	btc, err := d.ListAudits(ctx, "BTCUSDT", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(btc) != 1 || btc[0].CheckName != "position_size" || btc[0].Detail != "LONG" {
		t.Fatalf("unexpected audits: %+v", btc)
	}
}

func TestErrorPaths(t *testing.T) {
	ctx := context.Background()

	t.Run("end period wraps driver error", func(t *testing.T) {
		sqlDB, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("sqlmock: %v", err)
		}
		defer sqlDB.Close()
		d := NewWithDB(sqlDB)

		boom := errors.New("disk full")
		mock.ExpectExec("UPDATE periods SET status").
			WithArgs(PeriodClosed, 12.5, sqlmock.AnyArg(), "BTCUSDT", PeriodActive).
			WillReturnError(boom)

		if err := d.EndPeriod(ctx, "BTCUSDT", 12.5); !errors.Is(err, boom) {
			t.Fatalf("expected wrapped driver error, got %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("expectations: %v", err)
		}
	})

	t.Run("end period with no rows", func(t *testing.T) {
		sqlDB, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("sqlmock: %v", err)
		}
		defer sqlDB.Close()
		d := NewWithDB(sqlDB)

		mock.ExpectExec("UPDATE periods SET status").WillReturnResult(sqlmock.NewResult(0, 0))
		if err := d.EndPeriod(ctx, "BTCUSDT", 0); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("audit batch rolls back on failure", func(t *testing.T) {
		sqlDB, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("sqlmock: %v", err)
		}
		defer sqlDB.Close()
		d := NewWithDB(sqlDB)

		mock.ExpectBegin()
		prep := mock.ExpectPrepare("INSERT INTO reconciliation_audits")
		prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
		prep.ExpectExec().WillReturnError(errors.New("constraint failed"))
		mock.ExpectRollback()

		err = d.SaveAudits(ctx, []Audit{
			{Symbol: "BTCUSDT", CheckName: "a"},
			{Symbol: "BTCUSDT", CheckName: "b"},
		})
		if err == nil {
			t.Fatalf("expected error")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("expectations: %v", err)
		}
	})

	t.Run("count open orders query error", func(t *testing.T) {
		sqlDB, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("sqlmock: %v", err)
		}
		defer sqlDB.Close()
		d := NewWithDB(sqlDB)

		mock.ExpectQuery("SELECT COUNT").WillReturnError(errors.New("locked"))
		if _, err := d.CountOpenOrders(ctx, "BTCUSDT"); err == nil {
			t.Fatalf("expected error")
		}
	})
}
