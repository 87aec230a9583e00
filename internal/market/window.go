package market

import (
	"errors"
	"math"
	"sort"
	"strings"
	"time"
)

// ErrInsufficientData is returned when fewer than two candles are supplied.
var ErrInsufficientData = errors.New("market: insufficient candle data")

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Direction classifies the sign of a price change.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
	DirectionFlat Direction = "FLAT"
)

// Window is the analysis view over one candle sequence. It is never persisted.
type Window struct {
	Symbol   string
	Interval time.Duration
	Start    time.Time
	End      time.Time

	// Open and Close belong to the current (last) candle.
	Open  float64
	Close float64
	// High, Low and Volume aggregate every supplied candle.
	High   float64
	Low    float64
	Volume float64

	CurrentVolume  float64
	PreviousClose  float64
	PreviousVolume float64

	ChangePercent float64
	Direction     Direction

	HistoricalVolumes []float64
	VolumeMean        float64
	VolumeStdDev      float64

	CandleCount int
}

// Minutes reports the window length in whole minutes.
func (w Window) Minutes() int {
	return int(w.Interval / time.Minute)
}

// VolumeChange is the signed difference between the current and previous volume.
func (w Window) VolumeChange() float64 {
	return w.CurrentVolume - w.PreviousVolume
}

// BuildWindow converts candles into a Window. Candles are ordered by open time
// before use; the last one is the current window.
func BuildWindow(symbol string, interval time.Duration, candles []Candle) (Window, error) {
	if len(candles) < 2 {
		return Window{}, ErrInsufficientData
	}

	ordered := make([]Candle, len(candles))
	copy(ordered, candles)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].OpenTime.Before(ordered[j].OpenTime)
	})

	current := ordered[len(ordered)-1]
	previous := ordered[len(ordered)-2]

	w := Window{
		Symbol:         strings.ToUpper(symbol),
		Interval:       interval,
		Start:          current.OpenTime,
		End:            windowEnd(current, interval),
		Open:           current.Open,
		Close:          current.Close,
		High:           current.High,
		Low:            current.Low,
		CurrentVolume:  current.Volume,
		PreviousClose:  previous.Close,
		PreviousVolume: previous.Volume,
		CandleCount:    len(ordered),
	}

	for _, c := range ordered {
		if c.High > w.High {
			w.High = c.High
		}
		if c.Low < w.Low {
			w.Low = c.Low
		}
		w.Volume += c.Volume
	}

	w.ChangePercent = PriceChangePercent(previous.Close, current.Close)
	w.Direction = DirectionOf(w.ChangePercent)

	history := make([]float64, 0, len(ordered)-1)
	for _, c := range ordered[:len(ordered)-1] {
		history = append(history, c.Volume)
	}
	w.HistoricalVolumes = history
	w.VolumeMean, w.VolumeStdDev = MeanStdDev(history)

	return w, nil
}

// PriceChangePercent returns (current-previous)/previous as a fraction, or 0
// when previous is 0.
func PriceChangePercent(previous, current float64) float64 {
	if previous == 0 {
		return 0
	}
	return (current - previous) / previous
}

// DirectionOf maps a signed change to a Direction.
func DirectionOf(change float64) Direction {
	switch {
	case change > 0:
		return DirectionUp
	case change < 0:
		return DirectionDown
	default:
		return DirectionFlat
	}
}

// MeanStdDev returns the mean and population standard deviation of values.
func MeanStdDev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

func windowEnd(c Candle, interval time.Duration) time.Time {
	if interval > 0 {
		return c.OpenTime.Add(interval)
	}
	if !c.CloseTime.IsZero() {
		return c.CloseTime
	}
	return c.OpenTime
}
