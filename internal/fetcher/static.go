package fetcher

import (
	"context"
	"fmt"

	"candlewatch/internal/market"
)

// Static serves fixed candles per symbol. It backs simulate-alert.
type Static struct {
	Candles map[string][]market.Candle
}

// FetchCandles returns the configured candles for q.Symbol, trimmed to q.Limit.
func (s *Static) FetchCandles(ctx context.Context, q CandleQuery) ([]market.Candle, error) {
	symbol := normalizeSymbol(q.Symbol)
	candles, ok := s.Candles[symbol]
	if !ok {
		return nil, &FetchError{Source: "static", Symbol: symbol, Err: fmt.Errorf("no candles for %s", symbol)}
	}
	if q.Limit > 0 && len(candles) > q.Limit {
		candles = candles[len(candles)-q.Limit:]
	}
	out := make([]market.Candle, len(candles))
	copy(out, candles)
	return out, nil
}

var _ CandleSource = (*Static)(nil)
