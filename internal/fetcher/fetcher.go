package fetcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"candlewatch/internal/market"
)

// CandleQuery selects candles for one symbol. A zero EndTime means latest.
type CandleQuery struct {
	Symbol   string
	Interval time.Duration
	Limit    int
	EndTime  time.Time
}

// CandleSource retrieves ascending OHLCV candles from a market-data provider.
type CandleSource interface {
	FetchCandles(ctx context.Context, q CandleQuery) ([]market.Candle, error)
}

// FetchError describes a failed candle fetch.
type FetchError struct {
	Source    string
	Symbol    string
	Retryable bool
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s fetch %s: %v", e.Source, e.Symbol, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

var intervalCodes = []struct {
	d    time.Duration
	code string
}{
	{time.Minute, "1m"},
	{3 * time.Minute, "3m"},
	{5 * time.Minute, "5m"},
	{15 * time.Minute, "15m"},
	{30 * time.Minute, "30m"},
	{time.Hour, "1h"},
	{2 * time.Hour, "2h"},
	{4 * time.Hour, "4h"},
	{6 * time.Hour, "6h"},
	{8 * time.Hour, "8h"},
	{12 * time.Hour, "12h"},
	{24 * time.Hour, "1d"},
	{3 * 24 * time.Hour, "3d"},
	{7 * 24 * time.Hour, "1w"},
}

// IntervalCode maps a window length to the exchange interval code.
func IntervalCode(d time.Duration) (string, error) {
	for _, ic := range intervalCodes {
		if ic.d == d {
			return ic.code, nil
		}
	}
	return "", fmt.Errorf("unsupported candle interval %s", d)
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
