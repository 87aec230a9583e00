package market

import (
	"errors"
	"math"
	"testing"
	"time"
)

func candlesAt(start time.Time, interval time.Duration, closes, volumes []float64) []Candle {
	out := make([]Candle, len(closes))
	for i := range closes {
		open := start.Add(time.Duration(i) * interval)
		out[i] = Candle{
			OpenTime:  open,
			CloseTime: open.Add(interval - time.Millisecond),
			Open:      closes[i],
			High:      closes[i] + 1,
			Low:       closes[i] - 1,
			Close:     closes[i],
			Volume:    volumes[i],
		}
	}
	return out
}

func TestBuildWindowInsufficientData(t *testing.T) {
	if _, err := BuildWindow("BTCUSDT", 5*time.Minute, nil); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
	one := candlesAt(time.Unix(0, 0), time.Minute, []float64{1}, []float64{1})
	if _, err := BuildWindow("BTCUSDT", time.Minute, one); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("single candle should be insufficient, got %v", err)
	}
}

func TestBuildWindowCurrentAndAggregates(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	interval := 5 * time.Minute
	candles := candlesAt(start, interval, []float64{98, 100, 102.5}, []float64{10, 20, 30})

	w, err := BuildWindow("btcusdt", interval, candles)
	if err != nil {
		t.Fatalf("BuildWindow: %v", err)
	}

	if w.Symbol != "BTCUSDT" {
		t.Fatalf("symbol should be upper-cased, got %s", w.Symbol)
	}
	if w.Close != 102.5 || w.PreviousClose != 100 {
		t.Fatalf("unexpected closes: current %v previous %v", w.Close, w.PreviousClose)
	}
	if math.Abs(w.ChangePercent-0.025) > 1e-12 {
		t.Fatalf("change percent = %v, want 0.025", w.ChangePercent)
	}
	if w.Direction != DirectionUp {
		t.Fatalf("direction = %s, want UP", w.Direction)
	}
	if w.High != 103.5 || w.Low != 97 {
		t.Fatalf("aggregate high/low = %v/%v", w.High, w.Low)
	}
	if w.Volume != 60 || w.CurrentVolume != 30 || w.PreviousVolume != 20 {
		t.Fatalf("unexpected volumes: total %v current %v previous %v", w.Volume, w.CurrentVolume, w.PreviousVolume)
	}
	if !w.Start.Equal(start.Add(10*time.Minute)) || !w.End.Equal(start.Add(15*time.Minute)) {
		t.Fatalf("unexpected window bounds %s - %s", w.Start, w.End)
	}
	if len(w.HistoricalVolumes) != 2 || w.VolumeMean != 15 || w.VolumeStdDev != 5 {
		t.Fatalf("unexpected history %v mean %v std %v", w.HistoricalVolumes, w.VolumeMean, w.VolumeStdDev)
	}
	if w.Minutes() != 5 {
		t.Fatalf("minutes = %d", w.Minutes())
	}
}

func TestBuildWindowSortsByOpenTime(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := candlesAt(start, time.Minute, []float64{100, 90}, []float64{1, 2})
	candles[0], candles[1] = candles[1], candles[0]

	w, err := BuildWindow("ETHUSDT", time.Minute, candles)
	if err != nil {
		t.Fatalf("BuildWindow: %v", err)
	}
	if w.Close != 90 || w.Direction != DirectionDown {
		t.Fatalf("last candle by time should be current, got close %v direction %s", w.Close, w.Direction)
	}
}

func TestPriceChangePercent(t *testing.T) {
	cases := []struct {
		previous, current, want float64
	}{
		{100, 102.5, 0.025},
		{100, 95, -0.05},
		{0, 10, 0},
		{0, 0, 0},
		{-50, -25, -0.5},
	}
	for _, tc := range cases {
		got := PriceChangePercent(tc.previous, tc.current)
		if math.Abs(got-tc.want) > 1e-12 {
			t.Fatalf("PriceChangePercent(%v, %v) = %v, want %v", tc.previous, tc.current, got, tc.want)
		}
	}
}

func TestMeanStdDevEmpty(t *testing.T) {
	mean, std := MeanStdDev(nil)
	if mean != 0 || std != 0 {
		t.Fatalf("empty series should yield zeros, got %v %v", mean, std)
	}
}

func TestWindowEndFallsBackToCloseTime(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := candlesAt(start, time.Minute, []float64{1, 2}, []float64{1, 1})
	w, err := BuildWindow("X", 0, candles)
	if err != nil {
		t.Fatalf("BuildWindow: %v", err)
	}
	if !w.End.Equal(candles[1].CloseTime) {
		t.Fatalf("end = %s, want close time %s", w.End, candles[1].CloseTime)
	}
}
