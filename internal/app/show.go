package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"candlewatch/internal/storage"
)

// Show prints recent ledger rows.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	rows, err := backend.List(ctx, storage.AlertFilter{
		Symbol: opts.Symbol,
		Status: opts.Status,
		Limit:  opts.Limit,
	})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(a.Out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Window end (UTC)\tSymbol\tIndicator\tValue\tThreshold\tStatus\tReason\tCode\tError")
	for _, rec := range rows {
		code := ""
		if rec.ResponseCode != nil {
			code = fmt.Sprint(*rec.ResponseCode)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s %s\t%s\t%s\t%s\t%s\n",
			rec.WindowEnd.UTC().Format(time.RFC3339),
			rec.Symbol,
			rec.IndicatorType,
			formatDecimal(rec.IndicatorValue, 6),
			rec.ThresholdOperator,
			rec.ThresholdValue.String(),
			rec.Status,
			rec.Reason,
			code,
			sanitizeInline(rec.Error),
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
