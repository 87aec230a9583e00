package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the terminal state of a ledger row.
type Status string

const (
	StatusSent    Status = "SENT"
	StatusSkipped Status = "SKIPPED"
	StatusFailed  Status = "FAILED"
)

// Valid reports whether s is one of the ledger statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSent, StatusSkipped, StatusFailed:
		return true
	}
	return false
}

const (
	// DefaultListLimit applies when a filter leaves Limit unset.
	DefaultListLimit = 50
	// MaxListLimit caps List regardless of the requested limit.
	MaxListLimit = 200
)

// Symbol is a monitored instrument.
type Symbol struct {
	ID                     int64
	Name                   string
	Enabled                bool
	DefaultThreshold       *decimal.Decimal
	DefaultCooldownMinutes *int
	WebhookURL             string
}

// IndicatorType is static reference data for a rule kind.
type IndicatorType struct {
	ID       int64
	Name     string
	Unit     string
	IsActive bool
}

// IndicatorConfig binds a symbol to an indicator type with a threshold rule.
type IndicatorConfig struct {
	ID              int64
	Symbol          string
	IndicatorType   string
	Threshold       decimal.Decimal
	Operator        string
	CooldownMinutes *int
	WebhookURL      string
	Enabled         bool
}

// AlertRecord is one ledger row: a trigger decision and its delivery outcome.
type AlertRecord struct {
	ID                int64
	Symbol            string
	IndicatorType     string
	IndicatorValue    decimal.Decimal
	ThresholdValue    decimal.Decimal
	ThresholdOperator string
	ChangePercent     *decimal.Decimal
	Direction         string
	WindowStart       time.Time
	WindowEnd         time.Time
	WindowMinutes     int
	IdempotencyKey    string
	Status            Status
	Reason            string
	ResponseCode      *int
	ResponseBody      string
	Error             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AlertFilter narrows List. Zero values mean "any".
type AlertFilter struct {
	Symbol         string
	IndicatorType  string
	SinceWindowEnd time.Time
	// UntilWindowEnd is exclusive.
	UntilWindowEnd time.Time
	Status         Status
	Limit          int
}

// Cursor is a keyset position in (window_end, id) order. The zero value is
// the start of the ledger.
type Cursor struct {
	WindowEnd time.Time
	ID        int64
}

// After reports the cursor following rec.
func After(rec AlertRecord) Cursor {
	return Cursor{WindowEnd: rec.WindowEnd, ID: rec.ID}
}

// EffectiveLimit clamps the requested limit into [1, MaxListLimit].
func (f AlertFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	}
	return f.Limit
}
