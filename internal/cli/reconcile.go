package cli

import (
	"github.com/spf13/cobra"

	"otc-reconciler/internal/app"
)

var (
	reconcileQuote string
	reconcileAll   bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile one quote or sweep all active quotes once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Reconcile(cmd.Context(), app.ReconcileOptions{
			QuoteID: reconcileQuote,
			All:     reconcileAll,
		})
	},
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileQuote, "quote", "", "Quote id to reconcile")
	reconcileCmd.Flags().BoolVar(&reconcileAll, "all", false, "Sweep every active quote")
	reconcileCmd.MarkFlagsMutuallyExclusive("quote", "all")
	reconcileCmd.MarkFlagsOneRequired("quote", "all")
}
