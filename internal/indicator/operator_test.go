package indicator

import (
	"math"
	"testing"
)

func TestParseOperator(t *testing.T) {
	for raw, want := range map[string]Operator{
		">": OpGT, ">=": OpGTE, "<": OpLT, "<=": OpLTE,
		"=": OpEQ, "==": OpEQ, "!=": OpNEQ, "<>": OpNEQ, " >= ": OpGTE,
	} {
		got, err := ParseOperator(raw)
		if err != nil || got != want {
			t.Fatalf("ParseOperator(%q) = %v, %v", raw, got, err)
		}
	}
	if _, err := ParseOperator("=>"); err == nil {
		t.Fatal("malformed operator should fail")
	}
}

func TestOperatorCompare(t *testing.T) {
	cases := []struct {
		op        Operator
		observed  float64
		threshold float64
		want      bool
	}{
		{OpGT, 2, 1, true},
		{OpGT, 1, 1, false},
		{OpGTE, 1, 1, true},
		{OpLT, 0.5, 1, true},
		{OpLTE, 1, 1, true},
		{OpLTE, 1.1, 1, false},
		{OpEQ, 1.00005, 1, true},
		{OpEQ, 1.0002, 1, false},
		{OpNEQ, 1.00005, 1, false},
		{OpNEQ, 1.5, 1, true},
		{Operator(99), 1, 1, false},
	}
	for _, tc := range cases {
		if got := tc.op.Compare(tc.observed, tc.threshold); got != tc.want {
			t.Fatalf("%v.Compare(%v, %v) = %v, want %v", tc.op, tc.observed, tc.threshold, got, tc.want)
		}
	}
}

func TestOperatorStringRoundTrip(t *testing.T) {
	for _, op := range []Operator{OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNEQ} {
		parsed, err := ParseOperator(op.String())
		if err != nil || parsed != op {
			t.Fatalf("round trip failed for %v", op)
		}
	}
}

func TestShouldTriggerMatchesAbsComparison(t *testing.T) {
	values := []float64{-1, -0.5, -0.02, -0.0199, 0, 0.0199, 0.02, 0.025, 1, math.Inf(1)}
	for _, change := range values {
		for _, threshold := range values {
			want := math.Abs(change) >= math.Abs(threshold)
			if got := ShouldTrigger(change, threshold); got != want {
				t.Fatalf("ShouldTrigger(%v, %v) = %v, want %v", change, threshold, got, want)
			}
		}
	}
}
