package app

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"candlewatch/internal/config"
	"candlewatch/internal/fetcher"
	"candlewatch/internal/market"
	"candlewatch/internal/service"
	"candlewatch/internal/storage"
)

// SimulateAlert pushes a synthetic price/volume move through the full trigger
// pipeline against a throwaway in-memory ledger, delivering to the configured webhook.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) (service.Report, error) {
	if !a.Config.Alerting.Enabled {
		return service.Report{}, errors.New("alerting is disabled")
	}
	symbol := strings.ToUpper(strings.TrimSpace(opts.Symbol))
	if !config.ValidSymbol(symbol) {
		return service.Report{}, errors.New("--symbol must be an exchange symbol such as BTCUSDT")
	}
	if opts.VolumeFactor <= 0 {
		opts.VolumeFactor = 1
	}

	configs, err := storage.NewStaticConfigStore(simulationSymbols(a.Config.Symbols, symbol, opts.ChangePercent))
	if err != nil {
		return service.Report{}, err
	}
	ledger, err := storage.OpenSQLite(ctx, storage.SQLiteOptions{DSN: ":memory:"})
	if err != nil {
		return service.Report{}, err
	}
	defer ledger.Close()

	interval := a.Config.Market.Interval
	end := time.Now().UTC().Truncate(interval)
	source := &fetcher.Static{Candles: map[string][]market.Candle{
		symbol: syntheticCandles(end, interval, a.Config.Market.Lookback, opts.ChangePercent, opts.VolumeFactor),
	}}

	svcOpts := service.OptionsFromConfig(a.Config)
	svcOpts.Source = "simulation"
	svc := service.New(svcOpts, service.Deps{
		Configs:  configs,
		Ledger:   ledger,
		Candles:  source,
		Notifier: a.newWebhook(nil),
	}, a.Logger)

	report, err := svc.Trigger(ctx, []string{symbol})
	if err != nil {
		return service.Report{}, err
	}

	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return report, err
	}
	return report, nil
}

// simulationSymbols keeps the configured rules for symbol when present and
// otherwise synthesizes a price rule that the simulated move crosses.
func simulationSymbols(configured []config.SymbolConfig, symbol string, change float64) []config.SymbolConfig {
	for _, sc := range configured {
		if strings.EqualFold(sc.Name, symbol) {
			sc.Enabled = true
			return []config.SymbolConfig{sc}
		}
	}
	threshold := math.Abs(change)
	if threshold == 0 {
		threshold = 0.01
	}
	return []config.SymbolConfig{{
		Name:             symbol,
		Enabled:          true,
		DefaultThreshold: strconv.FormatFloat(threshold, 'f', -1, 64),
	}}
}

// syntheticCandles returns n flat candles followed by the simulated move, the
// last one closing at end.
func syntheticCandles(end time.Time, interval time.Duration, n int, change, volumeFactor float64) []market.Candle {
	if n < 2 {
		n = 2
	}
	const basePrice, baseVolume = 100.0, 1000.0
	out := make([]market.Candle, n)
	first := end.Add(-time.Duration(n) * interval)
	for i := range out {
		open := first.Add(time.Duration(i) * interval)
		closePrice, volume := basePrice, baseVolume
		if i == n-1 {
			closePrice = basePrice * (1 + change)
			volume = baseVolume * volumeFactor
		}
		out[i] = market.Candle{
			OpenTime:  open,
			CloseTime: open.Add(interval - time.Millisecond),
			Open:      basePrice,
			High:      math.Max(basePrice, closePrice),
			Low:       math.Min(basePrice, closePrice),
			Close:     closePrice,
			Volume:    volume,
		}
	}
	return out
}
