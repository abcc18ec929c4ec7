package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"otc-reconciler/internal/app"
)

var showOpts app.ShowOptions

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display stored quotes or the sweep history",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showOpts.Limit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Show(cmd.Context(), showOpts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showOpts.Limit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showOpts.DriftedOnly, "drifted", false, "Only quotes flagged for drift")
	showCmd.Flags().BoolVar(&showOpts.ActiveOnly, "active", false, "Only quotes in a non-terminal status")
	showCmd.Flags().StringVar(&showOpts.Chain, "chain", "", "Only quotes on this chain")
	showCmd.Flags().BoolVar(&showOpts.Runs, "runs", false, "Show sweep runs instead of quotes")
}
