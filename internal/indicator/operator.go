package indicator

import (
	"fmt"
	"math"
	"strings"
)

// Epsilon is the tolerance used by the equality operators.
const Epsilon = 1e-4

// Operator is a threshold comparison.
type Operator int

const (
	OpGT Operator = iota + 1
	OpGTE
	OpLT
	OpLTE
	OpEQ
	OpNEQ
)

var operatorSymbols = map[Operator]string{
	OpGT:  ">",
	OpGTE: ">=",
	OpLT:  "<",
	OpLTE: "<=",
	OpEQ:  "=",
	OpNEQ: "!=",
}

// ParseOperator accepts the stored operator text. "==" and "<>" are accepted
// as aliases.
func ParseOperator(raw string) (Operator, error) {
	switch strings.TrimSpace(raw) {
	case ">":
		return OpGT, nil
	case ">=":
		return OpGTE, nil
	case "<":
		return OpLT, nil
	case "<=":
		return OpLTE, nil
	case "=", "==":
		return OpEQ, nil
	case "!=", "<>":
		return OpNEQ, nil
	default:
		return 0, fmt.Errorf("indicator: unknown threshold operator %q", raw)
	}
}

// String returns the canonical operator text.
func (o Operator) String() string {
	if s, ok := operatorSymbols[o]; ok {
		return s
	}
	return fmt.Sprintf("Operator(%d)", int(o))
}

// Compare applies the operator to observed and threshold.
func (o Operator) Compare(observed, threshold float64) bool {
	switch o {
	case OpGT:
		return observed > threshold
	case OpGTE:
		return observed >= threshold
	case OpLT:
		return observed < threshold
	case OpLTE:
		return observed <= threshold
	case OpEQ:
		return nearlyEqual(observed, threshold)
	case OpNEQ:
		return !nearlyEqual(observed, threshold)
	default:
		return false
	}
}

func nearlyEqual(a, b float64) bool {
	return math.Abs(a-b) < Epsilon
}

// ShouldTrigger is the single-threshold price check: |change| >= |threshold|.
func ShouldTrigger(changePercent, threshold float64) bool {
	return math.Abs(changePercent) >= math.Abs(threshold)
}
