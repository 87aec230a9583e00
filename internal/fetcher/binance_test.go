package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func klineRow(open time.Time, interval time.Duration, o, h, l, c, v string) string {
	return fmt.Sprintf(`[%d,"%s","%s","%s","%s","%s",%d,"0",1,"0","0","0"]`,
		open.UnixMilli(), o, h, l, c, v, open.Add(interval).UnixMilli()-1)
}

func TestBinanceFetchCandles(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	interval := 5 * time.Minute

	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		gotQuery = r.URL.RawQuery
		rows := []string{
			klineRow(start, interval, "100", "101", "99", "100", "10"),
			klineRow(start.Add(interval), interval, "100", "103", "100", "102.5", "12.5"),
			klineRow(start.Add(2*interval), interval, "102.5", "104", "102", "103", "1"),
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("[" + strings.Join(rows, ",") + "]"))
	}))
	defer srv.Close()

	b := NewBinance(BinanceOptions{BaseURL: srv.URL, Timeout: time.Second, DropOpenCandle: true}, noopLogger())
	// the third candle is still open at this instant
	b.now = func() time.Time { return start.Add(2*interval + time.Minute) }

	candles, err := b.FetchCandles(context.Background(), CandleQuery{Symbol: "btcusdt", Interval: interval, Limit: 2})
	if err != nil {
		t.Fatalf("FetchCandles: %v", err)
	}
	if !strings.Contains(gotQuery, "symbol=BTCUSDT") || !strings.Contains(gotQuery, "interval=5m") || !strings.Contains(gotQuery, "limit=3") {
		t.Fatalf("unexpected query %q", gotQuery)
	}
	if len(candles) != 2 {
		t.Fatalf("expected the open candle to be dropped, got %d candles", len(candles))
	}
	if candles[1].Close != 102.5 || candles[1].Volume != 12.5 {
		t.Fatalf("unexpected last candle %+v", candles[1])
	}
	if !candles[0].OpenTime.Equal(start) {
		t.Fatalf("open time = %s", candles[0].OpenTime)
	}
}

func TestBinanceAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	b := NewBinance(BinanceOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	_, err := b.FetchCandles(context.Background(), CandleQuery{Symbol: "NOPE", Interval: time.Minute, Limit: 5})
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fetchErr.Retryable {
		t.Fatal("invalid symbol should not be retryable")
	}
}

func TestBinanceUnsupportedInterval(t *testing.T) {
	b := NewBinance(BinanceOptions{BaseURL: "http://127.0.0.1:1"}, noopLogger())
	if _, err := b.FetchCandles(context.Background(), CandleQuery{Symbol: "BTCUSDT", Interval: 7 * time.Minute}); err == nil {
		t.Fatal("7m is not a Binance interval")
	}
}

func TestIntervalCode(t *testing.T) {
	for d, want := range map[time.Duration]string{time.Minute: "1m", 5 * time.Minute: "5m", time.Hour: "1h", 24 * time.Hour: "1d"} {
		got, err := IntervalCode(d)
		if err != nil || got != want {
			t.Fatalf("IntervalCode(%s) = %q, %v", d, got, err)
		}
	}
}
