package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"candlewatch/internal/storage"
)

// Export renders ledger rows as CSV and/or a PNG chart of indicator values.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Market.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	rows, err := storage.ListRange(ctx, backend, storage.AlertFilter{
		Symbol:         opts.Symbol,
		IndicatorType:  opts.Indicator,
		SinceWindowEnd: from,
		UntilWindowEnd: to,
	}, 0)
	if err != nil {
		return fmt.Errorf("load export rows: %w", err)
	}
	if len(rows) == 0 {
		a.Logger.Info().Msg("no alerts found for export window")
		return nil
	}

	downsampled := downsampleAlerts(rows, opts.MaxPoints)
	a.Logger.Info().Int("total", len(rows)).Int("exported", len(downsampled)).Msg("exporting alerts")

	if opts.CSVPath != "" {
		if err := writeAlertsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeAlertsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}
	return nil
}

func downsampleAlerts(rows []storage.AlertRecord, max int) []storage.AlertRecord {
	if max <= 1 || len(rows) <= max {
		return rows
	}

	result := make([]storage.AlertRecord, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeAlertsCSV(path string, rows []storage.AlertRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"window_end", "symbol", "indicator_type", "indicator_value", "threshold_operator", "threshold_value", "change_percent", "direction", "status", "reason", "response_code", "idempotency_key", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range rows {
		change := ""
		if r.ChangePercent != nil {
			change = r.ChangePercent.String()
		}
		code := ""
		if r.ResponseCode != nil {
			code = fmt.Sprint(*r.ResponseCode)
		}
		record := []string{
			r.WindowEnd.UTC().Format(time.RFC3339),
			r.Symbol,
			r.IndicatorType,
			r.IndicatorValue.String(),
			r.ThresholdOperator,
			r.ThresholdValue.String(),
			change,
			r.Direction,
			string(r.Status),
			r.Reason,
			code,
			r.IdempotencyKey,
			r.Error,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeAlertsPNG draws one series per symbol/indicator pair.
func writeAlertsPNG(path string, rows []storage.AlertRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	type points struct {
		x []time.Time
		y []float64
	}
	bySeries := map[string]*points{}
	var names []string
	for _, r := range rows {
		name := r.Symbol + " " + r.IndicatorType
		p, ok := bySeries[name]
		if !ok {
			p = &points{}
			bySeries[name] = p
			names = append(names, name)
		}
		p.x = append(p.x, r.WindowEnd)
		p.y = append(p.y, r.IndicatorValue.InexactFloat64())
	}
	sort.Strings(names)

	series := make([]chart.Series, 0, len(names))
	for _, name := range names {
		p := bySeries[name]
		// go-chart needs two points to draw a line
		if len(p.x) == 1 {
			p.x = append(p.x, p.x[0].Add(time.Second))
			p.y = append(p.y, p.y[0])
		}
		series = append(series, chart.TimeSeries{
			Name:    name,
			XValues: p.x,
			YValues: p.y,
			Style:   chart.Style{StrokeWidth: 2, DotWidth: 3},
		})
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Indicator value",
			ValueFormatter: valueFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
