package app

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
)

// Trigger runs one manual evaluation and prints the report.
func (a *App) Trigger(ctx context.Context, symbols []string, asJSON bool) error {
	eng, err := a.newEngine(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer eng.Close()

	report, err := eng.svc.Trigger(ctx, symbols)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(a.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "run %s\n", report.RunID)
	fmt.Fprintln(writer, "Symbol\tStatus\tReason\tIndicator\tValue\tThreshold\tResult")
	for _, s := range report.Symbols {
		fmt.Fprintf(writer, "%s\t%s\t%s\t\t\t\t\n", s.Symbol, s.Status, s.Reason)
		for _, ir := range s.Indicators {
			fmt.Fprintf(writer, "\t\t\t%s\t%.6f\t%s %.6f\t%s %s\n",
				ir.Indicator, ir.IndicatorValue, ir.Operator, ir.ThresholdValue, ir.Status, ir.Reason)
		}
	}
	return writer.Flush()
}
