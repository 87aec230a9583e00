package indicator

import (
	"math"
	"strings"

	"candlewatch/internal/market"
)

// Kind enumerates the supported indicator rules.
type Kind int

const (
	KindUnknown Kind = iota
	KindPriceChangePercent
	KindVolumeChangePercent
	KindVolumeSurge
	KindVolumeSpike
	KindAbnormalVolume
	KindPriceVolumeDivergence
)

var kindNames = map[Kind]string{
	KindPriceChangePercent:    "price_change_percent",
	KindVolumeChangePercent:   "volume_change_percent",
	KindVolumeSurge:           "volume_surge",
	KindVolumeSpike:           "volume_spike",
	KindAbnormalVolume:        "abnormal_volume",
	KindPriceVolumeDivergence: "price_volume_divergence",
}

var kindUnits = map[Kind]string{
	KindPriceChangePercent:    "ratio",
	KindVolumeChangePercent:   "ratio",
	KindVolumeSurge:           "x",
	KindVolumeSpike:           "x",
	KindAbnormalVolume:        "sigma",
	KindPriceVolumeDivergence: "bool",
}

// Kinds lists every known kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindPriceChangePercent,
		KindVolumeChangePercent,
		KindVolumeSurge,
		KindVolumeSpike,
		KindAbnormalVolume,
		KindPriceVolumeDivergence,
	}
}

// ParseKind maps a stored indicator type name to its Kind. Unrecognised
// names map to KindUnknown.
func ParseKind(name string) Kind {
	name = strings.ToLower(strings.TrimSpace(name))
	for k, n := range kindNames {
		if n == name {
			return k
		}
	}
	return KindUnknown
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Unit is the display unit of the observed value.
func (k Kind) Unit() string {
	return kindUnits[k]
}

// Indicator computes an observed value from a window.
type Indicator interface {
	Kind() Kind
	Observe(w market.Window) (float64, map[string]any)
}

// For returns the implementation of k. The switch is exhaustive over Kinds.
func For(k Kind) (Indicator, bool) {
	switch k {
	case KindPriceChangePercent:
		return PriceChange{}, true
	case KindVolumeChangePercent:
		return VolumeChange{}, true
	case KindVolumeSurge, KindVolumeSpike:
		return VolumeRatio{kind: k}, true
	case KindAbnormalVolume:
		return AbnormalVolume{}, true
	case KindPriceVolumeDivergence:
		return PriceVolumeDivergence{}, true
	default:
		return nil, false
	}
}

// PriceChange observes |close change| between the previous and current window.
type PriceChange struct{}

func (PriceChange) Kind() Kind { return KindPriceChangePercent }

func (PriceChange) Observe(w market.Window) (float64, map[string]any) {
	return math.Abs(w.ChangePercent), map[string]any{
		"change_percent": w.ChangePercent,
		"previous_close": w.PreviousClose,
		"close":          w.Close,
	}
}

// VolumeChange observes |relative volume change| between consecutive windows.
type VolumeChange struct{}

func (VolumeChange) Kind() Kind { return KindVolumeChangePercent }

func (VolumeChange) Observe(w market.Window) (float64, map[string]any) {
	var change float64
	if w.PreviousVolume != 0 {
		change = (w.CurrentVolume - w.PreviousVolume) / w.PreviousVolume
	}
	return math.Abs(change), map[string]any{
		"volume_change_percent": change,
		"current_volume":        w.CurrentVolume,
		"previous_volume":       w.PreviousVolume,
	}
}

// VolumeRatio observes current volume over the historical mean. Surge and
// spike share the math and differ only in configured thresholds.
type VolumeRatio struct {
	kind Kind
}

func (v VolumeRatio) Kind() Kind { return v.kind }

func (VolumeRatio) Observe(w market.Window) (float64, map[string]any) {
	var ratio float64
	if w.VolumeMean != 0 {
		ratio = w.CurrentVolume / w.VolumeMean
	}
	return ratio, map[string]any{
		"volume_ratio":   ratio,
		"mean_volume":    w.VolumeMean,
		"current_volume": w.CurrentVolume,
	}
}

// AbnormalVolume observes the absolute z-score of the current volume.
type AbnormalVolume struct{}

func (AbnormalVolume) Kind() Kind { return KindAbnormalVolume }

func (AbnormalVolume) Observe(w market.Window) (float64, map[string]any) {
	var z float64
	if w.VolumeStdDev != 0 {
		z = (w.CurrentVolume - w.VolumeMean) / w.VolumeStdDev
	}
	return math.Abs(z), map[string]any{
		"z_score":        z,
		"mean_volume":    w.VolumeMean,
		"stddev_volume":  w.VolumeStdDev,
		"current_volume": w.CurrentVolume,
		"history_size":   len(w.HistoricalVolumes),
	}
}

// PriceVolumeDivergence observes 1 when price and volume move in opposite
// directions, else 0.
type PriceVolumeDivergence struct{}

func (PriceVolumeDivergence) Kind() Kind { return KindPriceVolumeDivergence }

func (PriceVolumeDivergence) Observe(w market.Window) (float64, map[string]any) {
	volumeChange := w.VolumeChange()
	diverging := (w.Direction == market.DirectionUp && volumeChange < 0) ||
		(w.Direction == market.DirectionDown && volumeChange > 0)

	var value float64
	if diverging {
		value = 1
	}
	return value, map[string]any{
		"price_direction": string(w.Direction),
		"volume_change":   volumeChange,
	}
}
