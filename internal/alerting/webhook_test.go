package alerting

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testPayload() Payload {
	change := 0.025
	end := time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC)
	return Payload{
		Symbol:            "BTCUSDT",
		IndicatorType:     "price_change_percent",
		IndicatorValue:    0.025,
		ThresholdValue:    0.02,
		ThresholdOperator: ">=",
		Direction:         "UP",
		ChangePercent:     &change,
		WindowMinutes:     5,
		WindowStart:       end.Add(-5 * time.Minute),
		WindowEnd:         end,
		ObservedAt:        end.Add(time.Second),
		Source:            "binance",
		Metadata:          map[string]any{"previous_close": 100.0, "close": 102.5},
	}
}

func newTestWebhook(retries int) *Webhook {
	w := NewWebhook(Options{Timeout: time.Second, MaxRetries: retries, BackoffBase: time.Millisecond}, zerolog.Nop())
	w.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return w
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	res := newTestWebhook(2).Deliver(context.Background(), Request{URL: srv.URL, Secret: "s", Payload: testPayload()})
	if !res.Success || res.Attempts != 2 || res.StatusCode != http.StatusOK {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.ResponseBody != "ok" {
		t.Fatalf("response body = %q", res.ResponseBody)
	}
}

func TestDeliverExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	res := newTestWebhook(2).Deliver(context.Background(), Request{URL: srv.URL, Payload: testPayload()})
	if res.Success || res.Attempts != 2 || res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.ErrorMessage() == "" {
		t.Fatal("failed delivery should carry an error message")
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("server saw %d calls, want 2", calls)
	}
}

func TestDeliverClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte("bad payload"))
	}))
	defer srv.Close()

	res := newTestWebhook(5).Deliver(context.Background(), Request{URL: srv.URL, Payload: testPayload()})
	if res.Success || res.Attempts != 1 {
		t.Fatalf("4xx should be terminal, got %+v", res)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("server saw %d calls, want 1", calls)
	}
}

func TestDeliverSignsBody(t *testing.T) {
	const secret = "topsecret"
	var (
		gotBody []byte
		gotSig  string
		gotKey  string
		gotType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Signature")
		gotKey = r.Header.Get("X-Idempotency-Key")
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	res := newTestWebhook(1).Deliver(context.Background(), Request{URL: srv.URL, Secret: secret, IdempotencyKey: "abc", Payload: testPayload()})
	if !res.Success {
		t.Fatalf("delivery failed: %v", res.Err)
	}
	if !Verify(secret, gotBody, gotSig) {
		t.Fatal("signature does not verify against the received body")
	}
	if Verify("other", gotBody, gotSig) {
		t.Fatal("signature verified with the wrong secret")
	}
	if gotKey != "abc" || gotType != "application/json" {
		t.Fatalf("headers: key=%q content-type=%q", gotKey, gotType)
	}

	var decoded map[string]any
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("body is not json: %v", err)
	}
	for _, field := range []string{"symbol", "indicator_type", "indicator_value", "threshold_value", "direction", "window_minutes", "window_end", "metadata"} {
		if _, ok := decoded[field]; !ok {
			t.Fatalf("payload missing %q", field)
		}
	}
}

func TestDeliverMissingURL(t *testing.T) {
	res := newTestWebhook(3).Deliver(context.Background(), Request{Payload: testPayload()})
	if res.Success || res.Attempts != 0 || res.Err == nil {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDeliverTransportErrorRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	res := newTestWebhook(3).Deliver(context.Background(), Request{URL: url, Payload: testPayload()})
	if res.Success || res.Attempts != 3 {
		t.Fatalf("connection errors should be retried, got %+v", res)
	}
}

func TestBackoffGrowsWithBoundedJitter(t *testing.T) {
	w := NewWebhook(Options{BackoffBase: 100 * time.Millisecond}, zerolog.Nop())
	for n := 1; n <= 4; n++ {
		base := 100 * time.Millisecond << (n - 1)
		for i := 0; i < 20; i++ {
			d := w.Backoff(n)
			if d < base || d > base+50*time.Millisecond {
				t.Fatalf("Backoff(%d) = %s, want within [%s, %s]", n, d, base, base+50*time.Millisecond)
			}
		}
	}
}

func TestEncodeReplacesNonFinite(t *testing.T) {
	p := testPayload()
	p.Metadata["z_score"] = math.Inf(1)
	nan := math.NaN()
	p.ChangePercent = &nan
	body, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["change_percent"]; ok {
		t.Fatal("NaN change_percent should be omitted")
	}
	meta := decoded["metadata"].(map[string]any)
	if v, ok := meta["z_score"]; !ok || v != nil {
		t.Fatalf("z_score = %v, want null", v)
	}
}
