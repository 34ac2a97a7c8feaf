package reconciliation

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"trend-engine/internal/events"
	"trend-engine/internal/order"
	"trend-engine/pkg/db"
	"trend-engine/pkg/exchanges/common"
)

type fakeProvider map[string]Expected

func (p fakeProvider) Symbols() []string {
	out := make([]string, 0, len(p))
	for s := range p {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (p fakeProvider) Expected(symbol string) (Expected, bool) {
	e, ok := p[symbol]
	return e, ok
}

type fakeVenue struct {
	positions map[string][]common.Position
	open      map[string][]common.OpenOrder
	err       map[string]error
}

func (v *fakeVenue) GetPositions(ctx context.Context, symbol string) ([]common.Position, error) {
	if err := v.err[symbol]; err != nil {
		return nil, err
	}
	return v.positions[symbol], nil
}

func (v *fakeVenue) GetOpenOrders(ctx context.Context, symbol string) ([]common.OpenOrder, error) {
	return v.open[symbol], nil
}

type fakeStore struct {
	counts map[string]int
	audits []db.Audit
}

func (s *fakeStore) CountOpenOrders(ctx context.Context, symbol string) (int, error) {
	return s.counts[symbol], nil
}

func (s *fakeStore) SaveAudits(ctx context.Context, audits []db.Audit) error {
	s.audits = append(s.audits, audits...)
	return nil
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestService(p Provider, v Venue, s Store, bus *events.Bus) *Service {
	svc := NewService(p, v, s, bus, nil, nil, time.Minute)
	svc.now = func() time.Time { return testNow }
	return svc
}

func checks(r *Report) []string {
	var out []string
	for _, d := range r.Discrepancies {
		out = append(out, d.Check)
	}
	sort.Strings(out)
	return out
}

func TestReconcileInSync(t *testing.T) {
	provider := fakeProvider{"BTCUSDT": {
		Symbol: "BTCUSDT",
		Sizes:  map[order.Side]float64{order.SideLong: 5, order.SideShort: 0},
		OpenOrders: []order.Order{
			{Side: order.SideLong, VenueOrderID: "e1", Qty: 5, StopLossID: "sl1", TrailingStopID: "ts1"},
		},
		StopLossEnabled: true,
	}}
	venue := &fakeVenue{
		positions: map[string][]common.Position{"BTCUSDT": {
			{PositionSide: common.PositionLong, Amount: 5.0004},
		}},
		open: map[string][]common.OpenOrder{"BTCUSDT": {
			{ExchangeOrderID: "sl1", Type: common.OrderTypeStopMarket},
			{ExchangeOrderID: "ts1", Type: common.OrderTypeTrailingStop},
		}},
	}
	store := &fakeStore{counts: map[string]int{"BTCUSDT": 1}}

	report, err := newTestService(provider, venue, store, nil).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.HasDiffs() || report.Symbols != 1 {
		t.Fatalf("report = %+v", report)
	}
	if len(store.audits) != 0 {
		t.Fatalf("audits written for a clean run: %+v", store.audits)
	}
}

func TestReconcileReportsEveryCheck(t *testing.T) {
	provider := fakeProvider{"BTCUSDT": {
		Symbol: "BTCUSDT",
		Sizes:  map[order.Side]float64{order.SideLong: 5, order.SideShort: 2},
		OpenOrders: []order.Order{
			{Side: order.SideLong, VenueOrderID: "e1", StopLossID: "sl1", TrailingStopID: "ts1"},
		},
		Pending: []order.PendingEntry{
			{VenueOrderID: "p-old", Side: order.SideShort, CreatedAt: testNow.Add(-3 * time.Minute)},
			{VenueOrderID: "p-new", Side: order.SideShort, CreatedAt: testNow.Add(-10 * time.Second)},
		},
		StopLossEnabled: true,
	}}
	venue := &fakeVenue{
		positions: map[string][]common.Position{"BTCUSDT": {
			{PositionSide: common.PositionLong, Amount: 5},
		}},
		open: map[string][]common.OpenOrder{"BTCUSDT": {
			{ExchangeOrderID: "ts1", Type: common.OrderTypeTrailingStop},
		}},
	}
	store := &fakeStore{counts: map[string]int{"BTCUSDT": 3}}
	bus := events.NewBus()
	published, unsub := bus.Subscribe(events.EventDiscrepancy, 16)
	defer unsub()

	report, err := newTestService(provider, venue, store, bus).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	want := []string{CheckOrderCount, CheckPositionSize, CheckProtectiveMissing, CheckProtectivePairs, CheckStalePending}
	got := checks(report)
	if len(got) != len(want) {
		t.Fatalf("checks = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("checks = %v, want %v", got, want)
		}
	}
	for _, d := range report.Discrepancies {
		switch d.Check {
		case CheckPositionSize:
			if d.Local != "2" || d.Venue != "0" {
				t.Errorf("size finding = %+v", d)
			}
		case CheckProtectiveMissing:
			if d.Local != "sl1" {
				t.Errorf("missing finding = %+v", d)
			}
		case CheckStalePending:
			if d.Local != "p-old" {
				t.Errorf("pending finding = %+v", d)
			}
		}
	}

	if len(store.audits) != len(want) {
		t.Fatalf("audits = %+v", store.audits)
	}
	if len(published) != len(want) {
		t.Fatalf("published %d events, want %d", len(published), len(want))
	}
}

func TestReconcileSkipsPairsWithoutStopLoss(t *testing.T) {
	provider := fakeProvider{"ETHUSDT": {
		Symbol:     "ETHUSDT",
		Sizes:      map[order.Side]float64{},
		OpenOrders: []order.Order{{VenueOrderID: "e1", TrailingStopID: "ts1"}},
	}}
	venue := &fakeVenue{open: map[string][]common.OpenOrder{"ETHUSDT": {
		{ExchangeOrderID: "ts1", Type: common.OrderTypeTrailingStop},
	}}}
	store := &fakeStore{counts: map[string]int{"ETHUSDT": 1}}

	report, err := newTestService(provider, venue, store, nil).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.HasDiffs() {
		t.Fatalf("unexpected findings: %+v", report.Discrepancies)
	}
}

func TestReconcileVenueErrorDoesNotStopOtherSymbols(t *testing.T) {
	provider := fakeProvider{
		"BTCUSDT": {Symbol: "BTCUSDT", Sizes: map[order.Side]float64{order.SideLong: 1}},
		"ETHUSDT": {Symbol: "ETHUSDT", Sizes: map[order.Side]float64{}},
	}
	venue := &fakeVenue{err: map[string]error{"ETHUSDT": errors.New("timeout")}}
	store := &fakeStore{}
	svc := newTestService(provider, venue, store, nil)

	report, err := svc.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Symbols != 2 || len(report.Errors) != 1 {
		t.Fatalf("report = %+v", report)
	}
	if got := checks(report); len(got) != 1 || got[0] != CheckPositionSize {
		t.Fatalf("checks = %v", got)
	}
	if svc.LastReport() != report {
		t.Fatal("last report not kept")
	}
}

func TestReconcilePersistsAuditsToDatabase(t *testing.T) {
	store, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer store.Close()
	if err := db.ApplyMigrations(store); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	provider := fakeProvider{"BTCUSDT": {Symbol: "BTCUSDT", Sizes: map[order.Side]float64{order.SideShort: 3}}}
	svc := newTestService(provider, &fakeVenue{}, store, nil)
	if _, err := svc.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	audits, err := store.ListAudits(context.Background(), "BTCUSDT", 10)
	if err != nil {
		t.Fatalf("list audits: %v", err)
	}
	if len(audits) != 1 || audits[0].CheckName != CheckPositionSize || audits[0].LocalValue != "3" {
		t.Fatalf("audits = %+v", audits)
	}
}
