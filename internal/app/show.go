package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"otc-reconciler/internal/quote"
	"otc-reconciler/internal/storage"
)

// Show prints stored quotes, or the sweep history when opts.Runs is set.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, _, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.Runs {
		return a.showRuns(ctx, store, opts.Limit)
	}

	filter := storage.DealFilter{
		ActiveOnly:  opts.ActiveOnly,
		DriftedOnly: opts.DriftedOnly,
		Limit:       opts.Limit,
	}
	if opts.Chain != "" {
		c, err := quote.ParseChain(strings.ToLower(opts.Chain))
		if err != nil {
			return err
		}
		filter.Chain = c
	}

	deals, err := store.List(ctx, filter)
	if err != nil {
		return err
	}
	if len(deals) == 0 {
		fmt.Fprintln(a.out(), "no quotes found")
		return nil
	}

	table := tablewriter.NewWriter(a.out())
	table.Header("Quote", "Chain", "Ref", "Status", "Version", "Tokens", "Paid", "Reconciled (UTC)", "Drift")
	for _, d := range deals {
		drift := ""
		if d.DriftFlag {
			drift = sanitizeInline(d.DriftReason)
		}
		table.Append(
			d.ID,
			string(d.Chain),
			shorten(d.OnChainRef, 24),
			string(d.Status),
			fmt.Sprintf("%d", d.OnChainVersion),
			formatDecimal(d.TokenAmount, 4),
			formatDecimal(d.AmountPaid, 4),
			formatTime(d.LastReconciledAt),
			drift,
		)
	}
	return table.Render()
}

func (a *App) showRuns(ctx context.Context, store storage.RunStore, limit int) error {
	runs, err := store.ListRuns(ctx, storage.RunFilter{Limit: limit})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(a.out(), "no runs found")
		return nil
	}

	table := tablewriter.NewWriter(a.out())
	table.Header("Run", "Trigger", "Started (UTC)", "Duration", "Attempted", "Updated", "Failed", "Skipped", "Drifted")
	for _, r := range runs {
		table.Append(
			r.ID.String(),
			r.Trigger,
			formatTime(r.StartedAt),
			r.Duration().Round(time.Millisecond).String(),
			fmt.Sprintf("%d", r.Attempted),
			fmt.Sprintf("%d", r.Updated),
			fmt.Sprintf("%d", r.Failed),
			fmt.Sprintf("%d", r.Skipped),
			fmt.Sprintf("%d", r.Drifted),
		)
	}
	return table.Render()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func shorten(v string, max int) string {
	if len(v) <= max {
		return v
	}
	return v[:max-3] + "..."
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
