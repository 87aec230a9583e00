package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRun("manual", time.Second)
	m.ObserveEvaluation("volume_surge", true)
	m.ObserveOutcome("SENT", "delivered")
	m.ObserveDelivery(true, time.Millisecond)
	m.ObserveFetch(time.Millisecond, errors.New("boom"), true)
	m.ObserveHTTP(http.MethodGet, "/healthz", http.StatusOK, time.Millisecond)
}

func TestCountersAndHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveOutcome("SENT", "delivered")
	m.ObserveOutcome("SENT", "delivered")
	m.ObserveFetch(time.Millisecond, errors.New("boom"), false)

	if got := testutil.ToFloat64(m.OutcomesTotal.WithLabelValues("SENT", "delivered")); got != 2 {
		t.Fatalf("outcomes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.FetchErrorsTotal.WithLabelValues("false")); got != 1 {
		t.Fatalf("fetch errors = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "candlewatch_alert_outcomes_total") {
		t.Fatal("metrics endpoint should expose candlewatch collectors")
	}
}
