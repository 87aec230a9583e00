package service

import (
	"fmt"
	"time"

	"candlewatch/internal/indicator"
	"candlewatch/internal/storage"
)

// boundRule is an evaluable rule plus the routing resolved for it.
type boundRule struct {
	rule       indicator.Rule
	cooldown   time.Duration
	webhookURL string
}

// resolveRules turns stored bindings into rules. Bindings with an unknown
// indicator type or operator come back as config_error results instead.
// A symbol default threshold adds a price_change_percent >= |threshold| rule
// unless an explicit price_change_percent binding exists.
func (s *Service) resolveRules(sym storage.Symbol, configs []storage.IndicatorConfig) ([]boundRule, []IndicatorResult) {
	var (
		rules     []boundRule
		invalid   []IndicatorResult
		hasLegacy bool
	)
	for _, c := range configs {
		kind := indicator.ParseKind(c.IndicatorType)
		op, opErr := indicator.ParseOperator(c.Operator)
		threshold, _ := c.Threshold.Float64()

		switch {
		case kind == indicator.KindUnknown:
			invalid = append(invalid, configErrorResult(c, threshold, fmt.Errorf("unknown indicator type %q", c.IndicatorType)))
			continue
		case opErr != nil:
			invalid = append(invalid, configErrorResult(c, threshold, opErr))
			continue
		}
		if kind == indicator.KindPriceChangePercent {
			hasLegacy = true
		}

		rules = append(rules, boundRule{
			rule: indicator.Rule{
				ConfigID:      c.ID,
				Kind:          kind,
				TypeName:      kind.String(),
				Threshold:     threshold,
				ThresholdText: c.Threshold.String(),
				Operator:      op,
			},
			cooldown:   s.cooldownFor(c.CooldownMinutes, sym.DefaultCooldownMinutes),
			webhookURL: firstNonEmpty(c.WebhookURL, sym.WebhookURL, s.opts.WebhookURL),
		})
	}

	if sym.DefaultThreshold != nil && !hasLegacy {
		abs := sym.DefaultThreshold.Abs()
		threshold, _ := abs.Float64()
		rules = append(rules, boundRule{
			rule: indicator.Rule{
				Kind:          indicator.KindPriceChangePercent,
				TypeName:      indicator.KindPriceChangePercent.String(),
				Threshold:     threshold,
				ThresholdText: abs.String(),
				Operator:      indicator.OpGTE,
			},
			cooldown:   s.cooldownFor(nil, sym.DefaultCooldownMinutes),
			webhookURL: firstNonEmpty(sym.WebhookURL, s.opts.WebhookURL),
		})
	}
	return rules, invalid
}

func (s *Service) cooldownFor(binding, symbol *int) time.Duration {
	switch {
	case binding != nil:
		return time.Duration(*binding) * time.Minute
	case symbol != nil:
		return time.Duration(*symbol) * time.Minute
	}
	return s.opts.DefaultCooldown
}

func configErrorResult(c storage.IndicatorConfig, threshold float64, err error) IndicatorResult {
	return IndicatorResult{
		Indicator:      c.IndicatorType,
		Status:         StatusSkipped,
		ThresholdValue: threshold,
		Operator:       c.Operator,
		Reason:         ReasonConfigError,
		Error:          err.Error(),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
