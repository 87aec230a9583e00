package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"candlewatch/internal/market"
)

const candlesPath = "/candles"

// HTTPOptions parameterise the generic HTTP candle source.
type HTTPOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// HTTP fetches candles from an endpoint serving
// GET {base}/candles?symbol=&interval=&limit=&end_time= as a JSON array.
type HTTP struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTP constructs a generic HTTP candle source.
func NewHTTP(opts HTTPOptions, logger zerolog.Logger) *HTTP {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTP{
		opts:    opts,
		logger:  logger.With().Str("component", "http_candles").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

type candleDTO struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// FetchCandles retrieves and orders candles for q.
func (h *HTTP) FetchCandles(ctx context.Context, q CandleQuery) ([]market.Candle, error) {
	symbol := normalizeSymbol(q.Symbol)
	if h.baseURL == "" {
		return nil, &FetchError{Source: "http", Symbol: symbol, Err: errors.New("candle source base url not configured")}
	}
	code, err := IntervalCode(q.Interval)
	if err != nil {
		return nil, &FetchError{Source: "http", Symbol: symbol, Err: err}
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", code)
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if !q.EndTime.IsZero() {
		params.Set("end_time", strconv.FormatInt(q.EndTime.UnixMilli(), 10))
	}

	endpoint := h.baseURL + candlesPath + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &FetchError{Source: "http", Symbol: symbol, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "candlewatch/1.0")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &FetchError{Source: "http", Symbol: symbol, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Source: "http", Symbol: symbol, Retryable: true, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{
			Source:    "http",
			Symbol:    symbol,
			Retryable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			Err:       parseHTTPError(resp.StatusCode, payload),
		}
	}

	var rows []candleDTO
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, &FetchError{Source: "http", Symbol: symbol, Err: fmt.Errorf("decode candles: %w", err)}
	}

	candles := make([]market.Candle, 0, len(rows))
	for _, r := range rows {
		open := time.UnixMilli(r.Timestamp).UTC()
		candles = append(candles, market.Candle{
			OpenTime:  open,
			CloseTime: open.Add(q.Interval),
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
		})
	}
	sort.SliceStable(candles, func(i, j int) bool {
		return candles[i].OpenTime.Before(candles[j].OpenTime)
	})

	h.logger.Debug().Str("symbol", symbol).Int("candles", len(candles)).Msg("candles fetched")
	return candles, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error != "" {
			return fmt.Errorf("candle api error (%d): %s", status, apiErr.Error)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("candle api error (%d): %s", status, apiErr.Message)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("candle api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("candle api error (%d)", status)
}

var _ CandleSource = (*HTTP)(nil)
