package cli

import (
	"github.com/spf13/cobra"

	"otc-reconciler/internal/app"
)

var simulateOpts app.SimulateOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate-drift",
	Short: "发送一条模拟的漂移告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateDrift(cmd.Context(), simulateOpts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateOpts.QuoteID, "quote", "", "告警中的报价 ID")
	simulateCmd.Flags().StringVar(&simulateOpts.Chain, "chain", "", "告警中的链")
	simulateCmd.Flags().StringVar(&simulateOpts.Ref, "ref", "", "告警中的链上引用")
	simulateCmd.Flags().StringVar(&simulateOpts.Reason, "reason", "", "漂移原因")
}
