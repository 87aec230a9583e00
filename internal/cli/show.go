package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"candlewatch/internal/app"
	"candlewatch/internal/storage"
)

var (
	showLimit  int
	showSymbol string
	showStatus string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent ledger rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		status := storage.Status(strings.ToUpper(showStatus))
		if status != "" && !status.Valid() {
			return fmt.Errorf("--status must be SENT, SKIPPED or FAILED")
		}

		opts := app.ShowOptions{
			Symbol: strings.ToUpper(showSymbol),
			Status: status,
			Limit:  showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().StringVar(&showSymbol, "symbol", "", "Only rows for this symbol")
	showCmd.Flags().StringVar(&showStatus, "status", "", "Only rows with this status")
}
