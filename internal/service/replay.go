package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"candlewatch/internal/indicator"
	"candlewatch/internal/market"
)

const maxReplayCandles = 1000

// ReplayWindow is the dry-run evaluation of one historical window.
type ReplayWindow struct {
	WindowStart   time.Time         `json:"window_start"`
	WindowEnd     time.Time         `json:"window_end"`
	Close         float64           `json:"close"`
	ChangePercent float64           `json:"change_percent"`
	Indicators    []IndicatorResult `json:"indicators"`
}

// Triggered lists the indicators that fired in the window.
func (w ReplayWindow) Triggered() []string {
	var out []string
	for _, ir := range w.Indicators {
		if ir.Triggered {
			out = append(out, ir.Indicator)
		}
	}
	return out
}

// Replay evaluates the symbol's rules over every window closing in [from, to].
// Nothing is delivered and nothing is written to the ledger.
func (s *Service) Replay(ctx context.Context, symbol string, from, to time.Time) ([]ReplayWindow, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, errors.New("symbol is required")
	}
	if to.IsZero() {
		to = s.now().UTC()
	}
	if !from.Before(to) {
		return nil, fmt.Errorf("replay range %s..%s is empty", from, to)
	}

	sym, err := s.configs.GetSymbol(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("load symbol %s: %w", symbol, err)
	}
	configs, err := s.configs.ListIndicatorConfigs(ctx, sym.Name)
	if err != nil {
		return nil, fmt.Errorf("load indicator configs: %w", err)
	}
	bound, invalid := s.resolveRules(sym, configs)
	for _, ir := range invalid {
		s.logger.Warn().Str("symbol", symbol).Str("indicator", ir.Indicator).Str("error", ir.Error).Msg("skipping invalid rule in replay")
	}
	if len(bound) == 0 {
		return nil, fmt.Errorf("symbol %s has no indicator rules", symbol)
	}
	rules := make([]indicator.Rule, len(bound))
	for i, br := range bound {
		rules[i] = br.rule
	}

	limit := int(to.Sub(from)/s.opts.Interval) + s.opts.Lookback
	if limit > maxReplayCandles {
		limit = maxReplayCandles
	}
	candles, _, err := s.fetchCandles(ctx, symbol, to, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch candles: %w", err)
	}

	var out []ReplayWindow
	for i := 1; i < len(candles); i++ {
		lo := i + 1 - s.opts.Lookback
		if lo < 0 {
			lo = 0
		}
		w, err := market.BuildWindow(symbol, s.opts.Interval, candles[lo:i+1])
		if err != nil {
			return nil, fmt.Errorf("build window: %w", err)
		}
		if w.End.Before(from) || w.End.After(to) {
			continue
		}

		rw := ReplayWindow{
			WindowStart:   w.Start,
			WindowEnd:     w.End,
			Close:         w.Close,
			ChangePercent: w.ChangePercent,
		}
		for _, ev := range indicator.Evaluate(w, rules) {
			rw.Indicators = append(rw.Indicators, IndicatorResult{
				Indicator:      ev.Rule.Name(),
				Triggered:      ev.Triggered,
				IndicatorValue: ev.Value,
				ThresholdValue: ev.Rule.Threshold,
				Operator:       ev.Rule.Operator.String(),
				IdempotencyKey: IdempotencyKey(symbol, ev.Rule.Name(), w.End, ev.Rule.ThresholdText, ev.Rule.Operator),
			})
		}
		out = append(out, rw)
	}
	return out, nil
}
