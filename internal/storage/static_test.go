package storage

import (
	"context"
	"errors"
	"testing"

	"candlewatch/internal/config"
)

func TestStaticConfigStore(t *testing.T) {
	cooldown := 30
	disabled := false
	store, err := NewStaticConfigStore([]config.SymbolConfig{
		{
			Name:             "ethusdt",
			Enabled:          true,
			DefaultThreshold: "0.05",
			Indicators: []config.IndicatorConfig{
				{Type: "volume_surge", Threshold: "3", Operator: ">"},
			},
		},
		{
			Name:    "BTCUSDT",
			Enabled: true,
			Indicators: []config.IndicatorConfig{
				{Type: "price_change_percent", Threshold: "0.02", Operator: ">="},
				{Type: "abnormal_volume", Threshold: "3", Operator: ">", CooldownMinutes: &cooldown, Enabled: &disabled},
			},
		},
		{Name: "DOGEUSDT"},
	})
	if err != nil {
		t.Fatalf("NewStaticConfigStore: %v", err)
	}
	ctx := context.Background()

	symbols, _ := store.ListEnabledSymbols(ctx)
	if len(symbols) != 2 || symbols[0].Name != "BTCUSDT" || symbols[1].Name != "ETHUSDT" {
		t.Fatalf("enabled symbols = %+v", symbols)
	}
	if symbols[1].DefaultThreshold == nil || symbols[1].DefaultThreshold.String() != "0.05" {
		t.Fatalf("default threshold = %v", symbols[1].DefaultThreshold)
	}

	doge, err := store.GetSymbol(ctx, "DOGEUSDT")
	if err != nil || doge.Enabled {
		t.Fatalf("DOGEUSDT = %+v, %v", doge, err)
	}
	if _, err := store.GetSymbol(ctx, "XRPUSDT"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	btc, _ := store.ListIndicatorConfigs(ctx, "btcusdt")
	if len(btc) != 1 || btc[0].IndicatorType != "price_change_percent" {
		t.Fatalf("BTCUSDT bindings = %+v", btc)
	}
	all, _ := store.ListIndicatorConfigs(ctx, "")
	if len(all) != 2 {
		t.Fatalf("all bindings = %+v", all)
	}
}

func TestStaticConfigStoreRejectsBadThreshold(t *testing.T) {
	_, err := NewStaticConfigStore([]config.SymbolConfig{
		{Name: "BTCUSDT", Indicators: []config.IndicatorConfig{{Type: "volume_surge", Threshold: "lots", Operator: ">"}}},
	})
	if err == nil {
		t.Fatal("non-numeric threshold should fail")
	}
}
