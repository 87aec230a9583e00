package indicator

import (
	"candlewatch/internal/market"
)

// Rule binds an indicator kind to a threshold comparison.
type Rule struct {
	// ConfigID is the source binding id; zero for synthesized rules.
	ConfigID int64
	Kind     Kind
	// TypeName is the indicator type as stored, kept verbatim for unknown kinds.
	TypeName string
	// Threshold is the comparison value; ThresholdText is its canonical
	// decimal rendering used in idempotency keys.
	Threshold     float64
	ThresholdText string
	Operator      Operator
}

// Name returns the stored type name, falling back to the kind name.
func (r Rule) Name() string {
	if r.TypeName != "" {
		return r.TypeName
	}
	return r.Kind.String()
}

// Evaluation is the outcome of one rule against one window. A triggered
// evaluation is an alert trigger.
type Evaluation struct {
	Rule      Rule
	Symbol    string
	Value     float64
	Triggered bool
	Direction market.Direction
	Metadata  map[string]any
}

// Evaluate runs every rule against w and returns results in rule order.
// Unknown kinds observe 0 and never trigger.
func Evaluate(w market.Window, rules []Rule) []Evaluation {
	out := make([]Evaluation, 0, len(rules))
	for _, rule := range rules {
		out = append(out, evaluateRule(w, rule))
	}
	return out
}

func evaluateRule(w market.Window, rule Rule) Evaluation {
	ev := Evaluation{
		Rule:      rule,
		Symbol:    w.Symbol,
		Direction: w.Direction,
	}

	impl, ok := For(rule.Kind)
	if !ok {
		ev.Metadata = map[string]any{"unknown_indicator": rule.Name()}
		return ev
	}

	ev.Value, ev.Metadata = impl.Observe(w)
	ev.Triggered = rule.Operator.Compare(ev.Value, rule.Threshold)
	return ev
}

// Triggered filters evaluations down to the ones that fired, preserving order.
func Triggered(evals []Evaluation) []Evaluation {
	out := make([]Evaluation, 0, len(evals))
	for _, ev := range evals {
		if ev.Triggered {
			out = append(out, ev)
		}
	}
	return out
}
