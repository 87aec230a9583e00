package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/rs/zerolog"

	"candlewatch/internal/market"
)

const binanceRateLimitCode = -1003

// BinanceOptions parameterise the Binance klines source.
type BinanceOptions struct {
	BaseURL        string
	APIKey         string
	SecretKey      string
	Timeout        time.Duration
	UserAgent      string
	DropOpenCandle bool
}

// Binance fetches spot klines through the Binance REST API.
type Binance struct {
	opts   BinanceOptions
	client *binance.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewBinance constructs a Binance candle source.
func NewBinance(opts BinanceOptions, logger zerolog.Logger) *Binance {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := binance.NewClient(opts.APIKey, opts.SecretKey)
	client.HTTPClient = &http.Client{Timeout: timeout}
	if base := strings.TrimRight(opts.BaseURL, "/"); base != "" {
		client.BaseURL = base
	}
	if ua := strings.TrimSpace(opts.UserAgent); ua != "" {
		client.UserAgent = ua
	}

	return &Binance{
		opts:   opts,
		client: client,
		logger: logger.With().Str("component", "binance_candles").Logger(),
		now:    time.Now,
	}
}

// FetchCandles requests q.Limit klines ending at q.EndTime (or now).
func (b *Binance) FetchCandles(ctx context.Context, q CandleQuery) ([]market.Candle, error) {
	symbol := normalizeSymbol(q.Symbol)
	code, err := IntervalCode(q.Interval)
	if err != nil {
		return nil, &FetchError{Source: "binance", Symbol: symbol, Err: err}
	}

	limit := q.Limit
	if b.opts.DropOpenCandle {
		// one extra so a dropped in-progress candle still leaves Limit closed ones
		limit++
	}

	svc := b.client.NewKlinesService().Symbol(symbol).Interval(code)
	if limit > 0 {
		svc = svc.Limit(limit)
	}
	if !q.EndTime.IsZero() {
		svc = svc.EndTime(q.EndTime.UnixMilli())
	}

	klines, err := svc.Do(ctx)
	if err != nil {
		return nil, &FetchError{Source: "binance", Symbol: symbol, Retryable: retryableBinance(err), Err: err}
	}

	candles := make([]market.Candle, 0, len(klines))
	for _, k := range klines {
		c, convErr := convertKline(k)
		if convErr != nil {
			return nil, &FetchError{Source: "binance", Symbol: symbol, Err: convErr}
		}
		candles = append(candles, c)
	}

	if b.opts.DropOpenCandle && len(candles) > 0 {
		cutoff := b.now()
		if !q.EndTime.IsZero() && q.EndTime.Before(cutoff) {
			cutoff = q.EndTime
		}
		if last := candles[len(candles)-1]; last.CloseTime.After(cutoff) {
			candles = candles[:len(candles)-1]
		}
	}
	if q.Limit > 0 && len(candles) > q.Limit {
		candles = candles[len(candles)-q.Limit:]
	}

	b.logger.Debug().Str("symbol", symbol).Str("interval", code).Int("candles", len(candles)).Msg("klines fetched")
	return candles, nil
}

func convertKline(k *binance.Kline) (market.Candle, error) {
	if k == nil {
		return market.Candle{}, errors.New("nil kline")
	}
	fields := []struct {
		name string
		raw  string
	}{
		{"open", k.Open}, {"high", k.High}, {"low", k.Low}, {"close", k.Close}, {"volume", k.Volume},
	}
	values := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f.raw, 64)
		if err != nil {
			return market.Candle{}, fmt.Errorf("parse kline %s %q: %w", f.name, f.raw, err)
		}
		values[i] = v
	}
	return market.Candle{
		OpenTime:  time.UnixMilli(k.OpenTime).UTC(),
		CloseTime: time.UnixMilli(k.CloseTime).UTC(),
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
	}, nil
}

func retryableBinance(err error) bool {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == binanceRateLimitCode
	}
	return true
}

var _ CandleSource = (*Binance)(nil)
