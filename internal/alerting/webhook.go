package alerting

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	signatureHeader   = "X-Signature"
	idempotencyHeader = "X-Idempotency-Key"

	defaultMaxResponseBytes = 2048
)

// Request is one alert destined for one webhook URL.
type Request struct {
	URL            string
	Secret         string
	IdempotencyKey string
	Payload        Payload
}

// Result is the outcome of a delivery, successful or not.
type Result struct {
	Success      bool
	StatusCode   int
	ResponseBody string
	Attempts     int
	Duration     time.Duration
	Err          error
}

// ErrorMessage returns the final error text, or "" on success.
func (r Result) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// DeliveryError classifies a failed attempt.
type DeliveryError struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("webhook responded %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("webhook request failed: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Notifier delivers alerts. Deliver never panics and always returns a Result.
type Notifier interface {
	Deliver(ctx context.Context, req Request) Result
}

// Limiter bounds concurrent outbound requests. *semaphore.Weighted satisfies it.
type Limiter interface {
	Acquire(ctx context.Context, n int64) error
	Release(n int64)
}

// Options tune webhook delivery.
type Options struct {
	Timeout          time.Duration
	MaxRetries       int
	BackoffBase      time.Duration
	MaxResponseBytes int64
	UserAgent        string
	Limiter          Limiter
}

// Webhook posts signed JSON payloads with bounded retries.
type Webhook struct {
	opts   Options
	client *http.Client
	logger zerolog.Logger

	jitter func(max time.Duration) time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewWebhook constructs a webhook notifier.
func NewWebhook(opts Options, logger zerolog.Logger) *Webhook {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	if opts.BackoffBase < 0 {
		opts.BackoffBase = 0
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = defaultMaxResponseBytes
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = "candlewatch/1.0"
	}

	return &Webhook{
		opts:   opts,
		client: &http.Client{},
		logger: logger.With().Str("component", "alert_webhook").Logger(),
		jitter: randomJitter,
		sleep:  sleepContext,
	}
}

// Deliver signs and posts req.Payload, retrying transport errors and 5xx.
func (w *Webhook) Deliver(ctx context.Context, req Request) (res Result) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Err = fmt.Errorf("webhook delivery panic: %v", r)
		}
		res.Duration = time.Since(started)
	}()

	if strings.TrimSpace(req.URL) == "" {
		res.Err = &DeliveryError{Err: errors.New("webhook url not configured")}
		return res
	}

	body, err := req.Payload.Encode()
	if err != nil {
		res.Err = &DeliveryError{Err: err}
		return res
	}
	signature := Sign(req.Secret, body)

	for attempt := 1; attempt <= w.opts.MaxRetries; attempt++ {
		if attempt > 1 {
			if err := w.sleep(ctx, w.Backoff(attempt-1)); err != nil {
				res.Err = &DeliveryError{Err: fmt.Errorf("retry aborted: %w", err)}
				return res
			}
		}

		status, respBody, attemptErr := w.attempt(ctx, req, body, signature)
		res.Attempts = attempt
		res.StatusCode = status
		res.ResponseBody = respBody

		if attemptErr == nil {
			res.Success = true
			res.Err = nil
			w.logger.Info().Str("symbol", req.Payload.Symbol).
				Str("indicator", req.Payload.IndicatorType).
				Int("status", status).
				Int("attempts", attempt).
				Msg("alert delivered")
			return res
		}

		res.Err = attemptErr
		w.logger.Warn().Err(attemptErr).
			Str("symbol", req.Payload.Symbol).
			Str("indicator", req.Payload.IndicatorType).
			Int("attempt", attempt).
			Msg("webhook attempt failed")

		if !attemptErr.Retryable || ctx.Err() != nil {
			break
		}
	}

	return res
}

// Backoff returns the delay after the n-th failed attempt:
// base * 2^(n-1) plus up to base/2 of jitter.
func (w *Webhook) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	base := w.opts.BackoffBase
	delay := base << (n - 1)
	if half := base / 2; half > 0 {
		delay += w.jitter(half)
	}
	return delay
}

func (w *Webhook) attempt(ctx context.Context, req Request, body []byte, signature string) (int, string, *DeliveryError) {
	if w.opts.Limiter != nil {
		if err := w.opts.Limiter.Acquire(ctx, 1); err != nil {
			return 0, "", &DeliveryError{Err: fmt.Errorf("acquire outbound slot: %w", err)}
		}
		defer w.opts.Limiter.Release(1)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", &DeliveryError{Err: fmt.Errorf("create webhook request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", w.opts.UserAgent)
	httpReq.Header.Set(signatureHeader, signature)
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(idempotencyHeader, req.IdempotencyKey)
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return 0, "", &DeliveryError{Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, w.opts.MaxResponseBytes))
	_, _ = io.Copy(io.Discard, resp.Body)
	text := string(respBody)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, text, nil
	case resp.StatusCode >= 500:
		return resp.StatusCode, text, &DeliveryError{StatusCode: resp.StatusCode, Retryable: true, Err: statusError(resp.StatusCode, text)}
	default:
		if readErr != nil {
			return resp.StatusCode, text, &DeliveryError{StatusCode: resp.StatusCode, Err: readErr}
		}
		return resp.StatusCode, text, &DeliveryError{StatusCode: resp.StatusCode, Err: statusError(resp.StatusCode, text)}
	}
}

func statusError(code int, body string) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return errors.New(http.StatusText(code))
	}
	return errors.New(body)
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Notifier = (*Webhook)(nil)
