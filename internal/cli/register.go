package cli

import (
	"github.com/spf13/cobra"

	"otc-reconciler/internal/app"
)

var registerOpts app.RegisterOptions

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a negotiated quote and its on-chain offer reference",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Register(cmd.Context(), registerOpts)
		return err
	},
}

var resolveOpts app.ResolveOptions

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Clear the drift flag on a quote after manual review",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Resolve(cmd.Context(), resolveOpts)
		return err
	},
}

func init() {
	registerCmd.Flags().StringVar(&registerOpts.ID, "id", "", "Quote id (random UUID when empty)")
	registerCmd.Flags().StringVar(&registerOpts.Chain, "chain", "", "Settlement chain: ethereum, base, bsc or solana")
	registerCmd.Flags().StringVar(&registerOpts.Ref, "ref", "", "On-chain reference: <contract>:<offerId> on EVM, offer account on Solana")
	registerCmd.Flags().StringVar(&registerOpts.TokenAmount, "tokens", "", "Negotiated token amount")
	_ = registerCmd.MarkFlagRequired("chain")
	_ = registerCmd.MarkFlagRequired("ref")

	resolveCmd.Flags().StringVar(&resolveOpts.QuoteID, "quote", "", "Quote id")
	resolveCmd.Flags().StringVar(&resolveOpts.Status, "status", "", "Force a corrected status")
	_ = resolveCmd.MarkFlagRequired("quote")
}
