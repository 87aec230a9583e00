package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"candlewatch/internal/config"
	"candlewatch/internal/storage"
)

const maxBodyBytes = 64 << 10

type triggerRequest struct {
	Symbols []string `json:"symbols" validate:"max=100,dive,symbol"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

type alertView struct {
	ID                int64            `json:"id"`
	Symbol            string           `json:"symbol"`
	IndicatorType     string           `json:"indicator_type"`
	IndicatorValue    decimal.Decimal  `json:"indicator_value"`
	ThresholdValue    decimal.Decimal  `json:"threshold_value"`
	ThresholdOperator string           `json:"threshold_operator"`
	ChangePercent     *decimal.Decimal `json:"change_percent,omitempty"`
	Direction         string           `json:"direction"`
	WindowStart       time.Time        `json:"window_start"`
	WindowEnd         time.Time        `json:"window_end"`
	WindowMinutes     int              `json:"window_minutes"`
	IdempotencyKey    string           `json:"idempotency_key"`
	Status            storage.Status   `json:"status"`
	Reason            string           `json:"reason,omitempty"`
	ResponseCode      *int             `json:"response_code,omitempty"`
	Error             string           `json:"error,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			s.logger.Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid symbol list", Field: "symbols"})
		return
	}

	report, err := s.deps.Engine.Trigger(r.Context(), req.Symbols)
	if err != nil {
		s.logger.Error().Err(err).Msg("trigger failed")
		writeError(w, http.StatusServiceUnavailable, "symbol configuration unavailable")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	filter, field, err := parseAlertFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Field: field})
		return
	}

	records, err := s.deps.Alerts.List(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("list alerts failed")
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}

	views := make([]alertView, 0, len(records))
	for _, rec := range records {
		views = append(views, toView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": views})
}

func parseAlertFilter(r *http.Request) (storage.AlertFilter, string, error) {
	q := r.URL.Query()
	var filter storage.AlertFilter

	if sym := strings.TrimSpace(q.Get("symbol")); sym != "" {
		if !config.ValidSymbol(sym) {
			return filter, "symbol", errors.New("invalid symbol")
		}
		filter.Symbol = strings.ToUpper(sym)
	}
	filter.IndicatorType = strings.TrimSpace(q.Get("indicator"))

	if raw := q.Get("status"); raw != "" {
		status := storage.Status(strings.ToUpper(raw))
		if !status.Valid() {
			return filter, "status", errors.New("status must be SENT, SKIPPED or FAILED")
		}
		filter.Status = status
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, "since", errors.New("since must be RFC3339")
		}
		filter.SinceWindowEnd = since
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, "limit", errors.New("limit must be a positive integer")
		}
		filter.Limit = limit
	}
	return filter, "", nil
}

func toView(rec storage.AlertRecord) alertView {
	return alertView{
		ID:                rec.ID,
		Symbol:            rec.Symbol,
		IndicatorType:     rec.IndicatorType,
		IndicatorValue:    rec.IndicatorValue,
		ThresholdValue:    rec.ThresholdValue,
		ThresholdOperator: rec.ThresholdOperator,
		ChangePercent:     rec.ChangePercent,
		Direction:         rec.Direction,
		WindowStart:       rec.WindowStart,
		WindowEnd:         rec.WindowEnd,
		WindowMinutes:     rec.WindowMinutes,
		IdempotencyKey:    rec.IdempotencyKey,
		Status:            rec.Status,
		Reason:            rec.Reason,
		ResponseCode:      rec.ResponseCode,
		Error:             rec.Error,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
