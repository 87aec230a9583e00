package service

import (
	"testing"
	"time"

	"candlewatch/internal/indicator"
)

func TestIdempotencyKeyDeterministic(t *testing.T) {
	end := time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC)
	a := IdempotencyKey("BTCUSDT", "price_change_percent", end, "0.02", indicator.OpGTE)
	b := IdempotencyKey("btcusdt", "price_change_percent", end.In(time.FixedZone("X", 3600)), "0.02", indicator.OpGTE)
	if a != b {
		t.Fatalf("same inputs gave different keys: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("key length = %d, want 64 hex chars", len(a))
	}

	for name, other := range map[string]string{
		"indicator": IdempotencyKey("BTCUSDT", "volume_surge", end, "0.02", indicator.OpGTE),
		"window":    IdempotencyKey("BTCUSDT", "price_change_percent", end.Add(time.Minute), "0.02", indicator.OpGTE),
		"threshold": IdempotencyKey("BTCUSDT", "price_change_percent", end, "0.03", indicator.OpGTE),
		"operator":  IdempotencyKey("BTCUSDT", "price_change_percent", end, "0.02", indicator.OpGT),
	} {
		if other == a {
			t.Fatalf("changing %s should change the key", name)
		}
	}
}

func TestAggregate(t *testing.T) {
	cases := []struct {
		name       string
		results    []IndicatorResult
		wantStatus Status
		wantReason Reason
	}{
		{"nothing triggered", []IndicatorResult{{Status: StatusSkipped, Reason: ReasonNoTriggers}}, StatusSkipped, ReasonNoTriggers},
		{"failure wins", []IndicatorResult{
			{Triggered: true, Status: StatusSent},
			{Triggered: true, Status: StatusFailed, Reason: ReasonDeliveryFailed},
		}, StatusFailed, ReasonDeliveryFailed},
		{"sent beats duplicate", []IndicatorResult{
			{Triggered: true, Status: StatusDuplicate},
			{Triggered: true, Status: StatusSent},
		}, StatusSent, ReasonDelivered},
		{"all duplicate", []IndicatorResult{
			{Triggered: true, Status: StatusDuplicate},
			{Triggered: true, Status: StatusDuplicate},
		}, StatusDuplicate, ReasonDuplicate},
		{"skip reason kept", []IndicatorResult{
			{Triggered: true, Status: StatusDuplicate},
			{Triggered: true, Status: StatusSkipped, Reason: ReasonCooldownActive},
		}, StatusSkipped, ReasonCooldownActive},
		{"config errors ignored", []IndicatorResult{
			{Status: StatusSkipped, Reason: ReasonConfigError},
			{Triggered: true, Status: StatusSent},
		}, StatusSent, ReasonDelivered},
	}
	for _, tc := range cases {
		status, reason := aggregate(tc.results)
		if status != tc.wantStatus || reason != tc.wantReason {
			t.Fatalf("%s: got %s/%s, want %s/%s", tc.name, status, reason, tc.wantStatus, tc.wantReason)
		}
	}
}
