package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"candlewatch/internal/app"
)

var (
	replaySymbol string
	replayFrom   string
	replayTo     string
	replayJSON   bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Dry-run indicator rules over historical windows",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replaySymbol == "" || replayFrom == "" {
			return fmt.Errorf("--symbol and --from must be provided")
		}

		from, err := time.Parse(time.RFC3339, replayFrom)
		if err != nil {
			return fmt.Errorf("invalid --from value: %w", err)
		}

		to := time.Now().UTC()
		if replayTo != "" {
			to, err = time.Parse(time.RFC3339, replayTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
		}

		if !from.Before(to) {
			return fmt.Errorf("--from must be before --to")
		}

		return getApp().Replay(cmd.Context(), app.ReplayOptions{
			Symbol: replaySymbol,
			From:   from,
			To:     to,
			JSON:   replayJSON,
		})
	},
}

func init() {
	replayCmd.Flags().StringVar(&replaySymbol, "symbol", "", "Symbol to replay")
	replayCmd.Flags().StringVar(&replayFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	replayCmd.Flags().StringVar(&replayTo, "to", "", "End timestamp (RFC3339, defaults to now)")
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "Print windows as JSON")
}
