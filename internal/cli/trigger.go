package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"candlewatch/internal/config"
)

var triggerJSON bool

var triggerCmd = &cobra.Command{
	Use:   "trigger [SYMBOL...]",
	Short: "Evaluate symbols once; no arguments means every enabled symbol",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, s := range args {
			if !config.ValidSymbol(s) {
				return fmt.Errorf("invalid symbol %q", s)
			}
		}
		return getApp().Trigger(cmd.Context(), args, triggerJSON)
	},
}

func init() {
	triggerCmd.Flags().BoolVar(&triggerJSON, "json", false, "Print the full report as JSON")
}
