package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleInstruments = `
instruments:
  - symbol: btcusdt
    leverage: 5
    price_precision: 1
    quantity_precision: 3
    stop_loss_percent: 2
    forward_block_percent: 0.5
    long:
      position_size: 0.01
      threshold_percent: 1
      profit_threshold_percent: 1.5
      order_limit: 4
      price_bound: 120000
    short:
      threshold_percent: 1.2
  - symbol: ETHUSDT
    enabled: false
    protective_orders: false
    long:
      position_size: 0.5
      threshold_percent: 0.8
    period:
      enabled: true
      profit_threshold_percent: 0.6
`

func TestParseInstrumentsDefaults(t *testing.T) {
	got, err := ParseInstruments([]byte(sampleInstruments))
	if err != nil {
		t.Fatalf("ParseInstruments: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 instruments, got %d", len(got))
	}

	btc := got[0]
	t.Run("symbol normalized", func(t *testing.T) {
		if btc.Symbol != "BTCUSDT" {
			t.Errorf("Symbol=%q", btc.Symbol)
		}
	})
	t.Run("short inherits long sizing", func(t *testing.T) {
		if btc.Short.PositionSize != 0.01 {
			t.Errorf("Short.PositionSize=%v", btc.Short.PositionSize)
		}
		if btc.Short.ThresholdPercent != 1.2 {
			t.Errorf("Short.ThresholdPercent=%v", btc.Short.ThresholdPercent)
		}
		if btc.Short.ProfitThresholdPercent != 1.5 {
			t.Errorf("Short.ProfitThresholdPercent=%v", btc.Short.ProfitThresholdPercent)
		}
	})
	t.Run("limits and flags", func(t *testing.T) {
		if btc.Long.OrderLimit != 4 || btc.Short.OrderLimit != defaultOrderLimit {
			t.Errorf("limits long=%d short=%d", btc.Long.OrderLimit, btc.Short.OrderLimit)
		}
		if !btc.UsesProtectiveOrders() || !btc.StopLossEnabled() {
			t.Error("expected protective orders with stop-loss")
		}
		if btc.TrailingCallbackRate != defaultCallbackRate {
			t.Errorf("TrailingCallbackRate=%v", btc.TrailingCallbackRate)
		}
		if btc.Prices() != 1 || btc.Quantities() != 3 {
			t.Errorf("precision price=%d qty=%d", btc.Prices(), btc.Quantities())
		}
	})
	t.Run("period-only instrument", func(t *testing.T) {
		eth := got[1]
		if eth.UsesProtectiveOrders() {
			t.Error("protective orders should be off")
		}
		if !eth.Period.Enabled {
			t.Error("period should be enabled")
		}
		if eth.IsEnabled() {
			t.Error("instrument should be disabled")
		}
		if eth.Leverage != defaultLeverage {
			t.Errorf("Leverage=%d", eth.Leverage)
		}
	})
}

func TestParseInstrumentsRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", "instruments: []"},
		{"missing size", "instruments:\n  - symbol: BTCUSDT\n    long:\n      threshold_percent: 1\n      profit_threshold_percent: 1\n"},
		{"missing profit threshold with protective orders", "instruments:\n  - symbol: BTCUSDT\n    long:\n      position_size: 1\n      threshold_percent: 1\n"},
		{"period without threshold", "instruments:\n  - symbol: BTCUSDT\n    protective_orders: false\n    period:\n      enabled: true\n    long:\n      position_size: 1\n      threshold_percent: 1\n"},
		{"callback out of range", "instruments:\n  - symbol: BTCUSDT\n    trailing_callback_rate: 9\n    long:\n      position_size: 1\n      threshold_percent: 1\n      profit_threshold_percent: 1\n"},
		{"sub-strategy without period", "instruments:\n  - symbol: BTCUSDT\n    protective_orders: false\n    long: {position_size: 1, threshold_percent: 1}\n    sub_strategy:\n      enabled: true\n      long: {position_size: 1, threshold_percent: 1, profit_threshold_percent: 1}\n"},
		{"sub-strategy without profit threshold", "instruments:\n  - symbol: BTCUSDT\n    protective_orders: false\n    period: {enabled: true, profit_threshold_percent: 1}\n    long: {position_size: 1, threshold_percent: 1}\n    sub_strategy:\n      enabled: true\n      long: {position_size: 1, threshold_percent: 1}\n"},
		{"duplicate", "instruments:\n  - symbol: BTCUSDT\n    protective_orders: false\n    long: {position_size: 1, threshold_percent: 1}\n  - symbol: btcusdt\n    protective_orders: false\n    long: {position_size: 1, threshold_percent: 1}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseInstruments([]byte(tt.yaml))
			if !errors.Is(err, ErrInvalidInstrument) {
				t.Fatalf("expected ErrInvalidInstrument, got %v", err)
			}
		})
	}
}

func TestParseSubStrategy(t *testing.T) {
	const doc = `
instruments:
  - symbol: BTCUSDT
    protective_orders: false
    trailing_callback_rate: 0.8
    long: {position_size: 1, threshold_percent: 1}
    period: {enabled: true, profit_threshold_percent: 0.5}
    sub_strategy:
      enabled: true
      stop_loss_percent: 2
      long: {position_size: 0.2, threshold_percent: 0.4, profit_threshold_percent: 0.6, order_limit: 3}
`
	got, err := ParseInstruments([]byte(doc))
	if err != nil {
		t.Fatalf("ParseInstruments: %v", err)
	}
	sub := got[0].SubStrategy
	if !sub.Enabled || !sub.StopLossEnabled() {
		t.Fatalf("sub-strategy = %+v", sub)
	}
	if sub.TrailingCallbackRate != 0.8 {
		t.Errorf("callback rate not inherited: %v", sub.TrailingCallbackRate)
	}
	if sub.Short.PositionSize != 0.2 || sub.Short.ThresholdPercent != 0.4 || sub.Short.ProfitThresholdPercent != 0.6 {
		t.Errorf("short side not inherited: %+v", sub.Short)
	}
	if sub.Long.OrderLimit != 3 || sub.Short.OrderLimit != defaultOrderLimit {
		t.Errorf("limits long=%d short=%d", sub.Long.OrderLimit, sub.Short.OrderLimit)
	}
}

func TestFilterSymbols(t *testing.T) {
	all, err := ParseInstruments([]byte(sampleInstruments))
	if err != nil {
		t.Fatalf("ParseInstruments: %v", err)
	}
	if got := FilterSymbols(all, nil); len(got) != 1 || got[0].Symbol != "BTCUSDT" {
		t.Fatalf("FilterSymbols(nil) = %+v", got)
	}
	if got := FilterSymbols(all, []string{"SOLUSDT"}); len(got) != 0 {
		t.Fatalf("expected no instruments, got %d", len(got))
	}
}

func TestLoadInstrumentsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instruments.yaml")
	if err := os.WriteFile(path, []byte(sampleInstruments), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := LoadInstruments(path)
	if err != nil {
		t.Fatalf("LoadInstruments: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2, got %d", len(got))
	}
}

func TestLoadRequiresCredentialsOutsideDryRun(t *testing.T) {
	t.Setenv("DRY_RUN", "false")
	t.Setenv("BINANCE_API_KEY", "")
	t.Setenv("BINANCE_API_SECRET", "")
	if _, err := Load(); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}

	t.Setenv("DRY_RUN", "true")
	t.Setenv("TICK_INTERVAL", "250ms")
	t.Setenv("SYMBOLS", "btcusdt, ethusdt")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TickInterval != 250*time.Millisecond {
		t.Errorf("TickInterval=%v", cfg.TickInterval)
	}
	if cfg.ReconcileInterval != 5*time.Minute {
		t.Errorf("ReconcileInterval=%v", cfg.ReconcileInterval)
	}
	if len(cfg.Symbols) != 2 || cfg.Symbols[0] != "BTCUSDT" {
		t.Errorf("Symbols=%v", cfg.Symbols)
	}
}
