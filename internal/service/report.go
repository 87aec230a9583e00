package service

import (
	"time"

	"candlewatch/internal/storage"
)

// Status is the outcome of one symbol or one indicator in a run.
type Status string

const (
	StatusSent      Status = "SENT"
	StatusSkipped   Status = "SKIPPED"
	StatusFailed    Status = "FAILED"
	StatusDuplicate Status = "DUPLICATE"
)

// Reason explains a Status.
type Reason string

const (
	ReasonSymbolNotFound       Reason = "symbol_not_found"
	ReasonSymbolDisabled       Reason = "symbol_disabled"
	ReasonNoIndicators         Reason = "no_indicators"
	ReasonConfigError          Reason = "config_error"
	ReasonConfigUnavailable    Reason = "config_unavailable"
	ReasonFetchFailed          Reason = "fetch_failed"
	ReasonInsufficientData     Reason = "insufficient_data"
	ReasonNoTriggers           Reason = "no_triggers"
	ReasonAlertingDisabled     Reason = "alerting_disabled"
	ReasonCooldownActive       Reason = "cooldown_active"
	ReasonDuplicate            Reason = "duplicate"
	ReasonDelivered            Reason = "delivered"
	ReasonDeliveryFailed       Reason = "delivery_failed"
	ReasonWebhookNotConfigured Reason = "webhook_not_configured"
	ReasonLedgerError          Reason = "ledger_error"
	ReasonCancelled            Reason = "cancelled"
	ReasonInternalError        Reason = "internal_error"
)

// IndicatorResult is the outcome of one configured rule.
type IndicatorResult struct {
	Indicator      string  `json:"indicator"`
	Status         Status  `json:"status"`
	Triggered      bool    `json:"triggered"`
	IndicatorValue float64 `json:"indicator_value"`
	ThresholdValue float64 `json:"threshold_value"`
	Operator       string  `json:"threshold_operator,omitempty"`
	Reason         Reason  `json:"reason,omitempty"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
	// LedgerStatus is the stored status behind a DUPLICATE.
	LedgerStatus storage.Status `json:"ledger_status,omitempty"`
	Attempts     int            `json:"attempts,omitempty"`
	ResponseCode int            `json:"response_code,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// SymbolResult is the outcome of one symbol in a run.
type SymbolResult struct {
	Symbol      string            `json:"symbol"`
	Status      Status            `json:"status"`
	Reason      Reason            `json:"reason,omitempty"`
	WindowStart *time.Time        `json:"window_start,omitempty"`
	WindowEnd   *time.Time        `json:"window_end,omitempty"`
	Retryable   bool              `json:"retryable,omitempty"`
	Error       string            `json:"error,omitempty"`
	Indicators  []IndicatorResult `json:"indicators"`
}

// Report lists every requested symbol in request order.
type Report struct {
	RunID      string         `json:"run_id"`
	Trigger    string         `json:"trigger"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Symbols    []SymbolResult `json:"symbols"`
}

// Counts tallies symbol statuses.
func (r Report) Counts() map[Status]int {
	counts := make(map[Status]int, 4)
	for _, s := range r.Symbols {
		counts[s.Status]++
	}
	return counts
}

// aggregate folds triggered indicator outcomes into a symbol outcome:
// any FAILED wins, then any SENT, then all-DUPLICATE, else SKIPPED.
func aggregate(results []IndicatorResult) (Status, Reason) {
	var (
		triggered  int
		duplicates int
		sent       bool
		skipReason Reason
	)
	for _, r := range results {
		if !r.Triggered {
			continue
		}
		triggered++
		switch r.Status {
		case StatusFailed:
			return StatusFailed, r.Reason
		case StatusSent:
			sent = true
		case StatusDuplicate:
			duplicates++
		case StatusSkipped:
			if skipReason == "" {
				skipReason = r.Reason
			}
		}
	}
	switch {
	case triggered == 0:
		return StatusSkipped, ReasonNoTriggers
	case sent:
		return StatusSent, ReasonDelivered
	case duplicates == triggered:
		return StatusDuplicate, ReasonDuplicate
	}
	return StatusSkipped, skipReason
}
