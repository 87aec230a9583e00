package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"candlewatch/internal/app"
)

var (
	simulateSymbol string
	simulateChange float64
	simulateVolume float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Push a synthetic candle move through the pipeline and deliver the alert",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateChange == 0 && simulateVolume <= 1 {
			return errors.New("--change or --volume-factor must describe a move")
		}

		_, err := getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Symbol:        simulateSymbol,
			ChangePercent: simulateChange,
			VolumeFactor:  simulateVolume,
		})
		return err
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "BTCUSDT", "Symbol to simulate")
	simulateCmd.Flags().Float64Var(&simulateChange, "change", 0, "Price change of the last candle as a fraction, e.g. 0.03")
	simulateCmd.Flags().Float64Var(&simulateVolume, "volume-factor", 1, "Last candle volume as a multiple of the flat history")
}
