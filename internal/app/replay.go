package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"
)

// Replay evaluates historical windows for one symbol without delivering or
// writing the ledger.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	interval := a.Config.Market.Interval
	if interval <= 0 {
		return errors.New("market interval must be positive")
	}

	start := alignForward(opts.From.UTC(), interval)
	end := opts.To.UTC()
	if !start.Before(end) {
		return errors.New("replay range is empty, check --from/--to")
	}

	eng, err := a.newEngine(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer eng.Close()

	windows, err := eng.svc.Replay(ctx, opts.Symbol, start, end)
	if err != nil {
		return err
	}

	fired := 0
	for _, w := range windows {
		if len(w.Triggered()) > 0 {
			fired++
		}
	}
	a.Logger.Info().Str("symbol", opts.Symbol).Int("windows", len(windows)).Int("triggered", fired).Msg("replay complete")

	if opts.JSON {
		enc := json.NewEncoder(a.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(windows)
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Window end (UTC)\tClose\tChange%\tTriggered")
	for _, w := range windows {
		fmt.Fprintf(writer, "%s\t%.4f\t%.3f\t%s\n",
			w.WindowEnd.UTC().Format(time.RFC3339),
			w.Close,
			w.ChangePercent*100,
			strings.Join(w.Triggered(), ","),
		)
	}
	return writer.Flush()
}

func alignForward(t time.Time, interval time.Duration) time.Time {
	truncated := t.Truncate(interval)
	if truncated.Before(t) {
		return truncated.Add(interval)
	}
	return truncated
}
