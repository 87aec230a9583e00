package alerting

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Payload is the JSON body posted to webhook endpoints.
type Payload struct {
	Symbol            string            `json:"symbol"`
	IndicatorType     string            `json:"indicator_type"`
	IndicatorValue    float64           `json:"indicator_value"`
	ThresholdValue    float64           `json:"threshold_value"`
	ThresholdOperator string            `json:"threshold_operator"`
	Direction         string            `json:"direction"`
	ChangePercent     *float64          `json:"change_percent,omitempty"`
	WindowMinutes     int               `json:"window_minutes"`
	WindowStart       time.Time         `json:"window_start"`
	WindowEnd         time.Time         `json:"window_end"`
	ObservedAt        time.Time         `json:"observed_at"`
	Source            string            `json:"source"`
	Metadata          map[string]any    `json:"metadata"`
	Links             map[string]string `json:"links"`
}

// Encode renders the canonical body: fixed field order, sorted map keys, UTC
// timestamps, and non-finite metadata numbers replaced by null.
func (p Payload) Encode() ([]byte, error) {
	p.WindowStart = p.WindowStart.UTC()
	p.WindowEnd = p.WindowEnd.UTC()
	p.ObservedAt = p.ObservedAt.UTC()
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	} else {
		p.Metadata = sanitizeMetadata(p.Metadata)
	}
	if p.Links == nil {
		p.Links = map[string]string{}
	}
	if p.ChangePercent != nil && !finite(*p.ChangePercent) {
		p.ChangePercent = nil
	}

	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook payload: %w", err)
	}
	return body, nil
}

// Sign returns hex(HMAC-SHA256(secret, body)).
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a hex signature in constant time.
func Verify(secret string, body []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

func sanitizeMetadata(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch n := v.(type) {
		case float64:
			if !finite(n) {
				out[k] = nil
				continue
			}
		case float32:
			if !finite(float64(n)) {
				out[k] = nil
				continue
			}
		}
		out[k] = v
	}
	return out
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
