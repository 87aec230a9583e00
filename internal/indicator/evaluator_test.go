package indicator

import (
	"math"
	"testing"
	"time"

	"candlewatch/internal/market"
)

func window(closes, volumes []float64) market.Window {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]market.Candle, len(closes))
	for i := range closes {
		candles[i] = market.Candle{
			OpenTime: start.Add(time.Duration(i) * 5 * time.Minute),
			Open:     closes[i],
			High:     closes[i],
			Low:      closes[i],
			Close:    closes[i],
			Volume:   volumes[i],
		}
	}
	w, err := market.BuildWindow("BTCUSDT", 5*time.Minute, candles)
	if err != nil {
		panic(err)
	}
	return w
}

func rule(kind Kind, op Operator, threshold float64) Rule {
	return Rule{Kind: kind, TypeName: kind.String(), Operator: op, Threshold: threshold}
}

func TestPriceChangeTriggers(t *testing.T) {
	w := window([]float64{100, 102.5}, []float64{1, 1})
	evals := Evaluate(w, []Rule{rule(KindPriceChangePercent, OpGTE, 0.02)})

	if len(evals) != 1 {
		t.Fatalf("expected 1 evaluation, got %d", len(evals))
	}
	if math.Abs(evals[0].Value-0.025) > 1e-12 || !evals[0].Triggered {
		t.Fatalf("expected triggered 0.025, got %+v", evals[0])
	}
	if evals[0].Direction != market.DirectionUp {
		t.Fatalf("direction = %s", evals[0].Direction)
	}
}

func TestPriceChangeUsesAbsoluteValue(t *testing.T) {
	w := window([]float64{100, 97}, []float64{1, 1})
	evals := Evaluate(w, []Rule{rule(KindPriceChangePercent, OpGT, 0.02)})
	if !evals[0].Triggered || math.Abs(evals[0].Value-0.03) > 1e-12 {
		t.Fatalf("drop of 3%% should trigger on abs value, got %+v", evals[0])
	}
}

func TestVolumeChangePercent(t *testing.T) {
	w := window([]float64{1, 1}, []float64{200, 50})
	ev := Evaluate(w, []Rule{rule(KindVolumeChangePercent, OpGTE, 0.75)})[0]
	if math.Abs(ev.Value-0.75) > 1e-12 || !ev.Triggered {
		t.Fatalf("expected |(50-200)/200| = 0.75, got %+v", ev)
	}

	zero := window([]float64{1, 1}, []float64{0, 50})
	ev = Evaluate(zero, []Rule{rule(KindVolumeChangePercent, OpGT, 0)})[0]
	if ev.Value != 0 || ev.Triggered {
		t.Fatalf("zero previous volume should observe 0, got %+v", ev)
	}
}

func TestVolumeSurgeAndSpikeShareRatio(t *testing.T) {
	w := window([]float64{1, 1, 1, 1}, []float64{10, 20, 30, 60})
	evals := Evaluate(w, []Rule{
		rule(KindVolumeSurge, OpGTE, 3),
		rule(KindVolumeSpike, OpGTE, 5),
	})
	if evals[0].Value != 3 || evals[1].Value != 3 {
		t.Fatalf("both kinds should observe 60/20 = 3, got %v and %v", evals[0].Value, evals[1].Value)
	}
	if !evals[0].Triggered || evals[1].Triggered {
		t.Fatalf("surge should trigger and spike should not: %+v", evals)
	}
}

func TestAbnormalVolumeZScore(t *testing.T) {
	// history 10, 20, 30: mean 20, population stddev sqrt(200/3)
	w := window([]float64{1, 1, 1, 1}, []float64{10, 20, 30, 50})
	sigma := math.Sqrt(200.0 / 3.0)
	want := 30 / sigma

	ev := Evaluate(w, []Rule{rule(KindAbnormalVolume, OpGT, 3)})[0]
	if math.Abs(ev.Value-want) > 1e-9 {
		t.Fatalf("z = %v, want %v", ev.Value, want)
	}
	if ev.Triggered != (want > 3) {
		t.Fatalf("trigger flag mismatch for z %v", want)
	}
	if _, ok := ev.Metadata["z_score"]; !ok {
		t.Fatalf("metadata should carry z_score: %v", ev.Metadata)
	}
}

func TestAbnormalVolumeZeroSigmaNeverTriggers(t *testing.T) {
	w := window([]float64{1, 1, 1, 1}, []float64{10, 10, 10, 500})
	ev := Evaluate(w, []Rule{rule(KindAbnormalVolume, OpGT, 0)})[0]
	if ev.Value != 0 || ev.Triggered {
		t.Fatalf("sigma 0 should observe 0 and not trigger on >, got %+v", ev)
	}
}

func TestPriceVolumeDivergence(t *testing.T) {
	cases := []struct {
		name    string
		closes  []float64
		volumes []float64
		want    float64
	}{
		{"up with falling volume", []float64{100, 110}, []float64{50, 40}, 1},
		{"down with rising volume", []float64{100, 90}, []float64{40, 50}, 1},
		{"up with rising volume", []float64{100, 110}, []float64{40, 50}, 0},
		{"flat", []float64{100, 100}, []float64{50, 10}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := Evaluate(window(tc.closes, tc.volumes), []Rule{rule(KindPriceVolumeDivergence, OpEQ, 1)})[0]
			if ev.Value != tc.want {
				t.Fatalf("value = %v, want %v", ev.Value, tc.want)
			}
			if ev.Triggered != (tc.want == 1) {
				t.Fatalf("triggered = %v", ev.Triggered)
			}
		})
	}
}

func TestUnknownKindFailsOpen(t *testing.T) {
	w := window([]float64{100, 200}, []float64{1, 1})
	ev := Evaluate(w, []Rule{{Kind: ParseKind("rsi_cross"), TypeName: "rsi_cross", Operator: OpGTE, Threshold: 0}})[0]
	if ev.Value != 0 || ev.Triggered {
		t.Fatalf("unknown kind must observe 0 and not trigger, got %+v", ev)
	}
}

func TestEvaluateKeepsRuleOrderAndFilters(t *testing.T) {
	w := window([]float64{100, 105}, []float64{10, 30})
	rules := []Rule{
		rule(KindVolumeChangePercent, OpGT, 1),
		rule(KindPriceChangePercent, OpGT, 0.1),
		rule(KindPriceChangePercent, OpGT, 0.01),
	}
	evals := Evaluate(w, rules)
	for i := range rules {
		if evals[i].Rule.Kind != rules[i].Kind || evals[i].Rule.Threshold != rules[i].Threshold {
			t.Fatalf("evaluation %d out of order", i)
		}
	}
	fired := Triggered(evals)
	if len(fired) != 2 || fired[0].Rule.Kind != KindVolumeChangePercent || fired[1].Rule.Threshold != 0.01 {
		t.Fatalf("unexpected triggered subset %+v", fired)
	}
}

func TestParseKindRoundTrip(t *testing.T) {
	for _, k := range Kinds() {
		if ParseKind(k.String()) != k {
			t.Fatalf("ParseKind(%q) != %v", k.String(), k)
		}
		if k.Unit() == "" {
			t.Fatalf("kind %s has no unit", k)
		}
		if _, ok := For(k); !ok {
			t.Fatalf("kind %s has no implementation", k)
		}
	}
	if ParseKind("  Volume_Surge ") != KindVolumeSurge {
		t.Fatal("ParseKind should trim and lower-case")
	}
}
