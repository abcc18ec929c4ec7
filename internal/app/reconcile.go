package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"otc-reconciler/internal/chain"
	"otc-reconciler/internal/engine"
	"otc-reconciler/internal/quote"
	"otc-reconciler/internal/service"
)

// Reconcile runs a single reconciliation pass for one quote or all active ones.
func (a *App) Reconcile(ctx context.Context, opts ReconcileOptions) error {
	id := strings.TrimSpace(opts.QuoteID)
	if opts.All == (id != "") {
		return errors.New("exactly one of --quote or --all must be provided")
	}

	d, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	if opts.All {
		svc := a.newService(d, nil)
		sum, err := svc.Sweep(ctx, service.TriggerCLI)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out(), "run %s: attempted %d, updated %d, failed %d, skipped %d, drifted %d (%s)\n",
			sum.RunID, sum.Attempted, sum.Updated, sum.Failed, sum.Skipped, sum.Drifted,
			sum.FinishedAt.Sub(sum.StartedAt).Round(time.Millisecond))
		return nil
	}

	res, err := d.engine.ReconcileOne(ctx, id)
	switch {
	case res.Outcome == engine.OutcomeInProgress:
		fmt.Fprintf(a.out(), "%s: reconciliation already in progress\n", id)
	case res.Outcome != "":
		fmt.Fprintf(a.out(), "%s: %s → %s (v%d → v%d) %s\n",
			id, res.OldStatus, res.NewStatus, res.OldVersion, res.NewVersion, res.Outcome)
	}
	if res.Drifted {
		fmt.Fprintf(a.out(), "%s: drift flagged: %s\n", id, res.Reason)
	}
	return err
}

// Register records a newly negotiated deal awaiting its on-chain offer.
func (a *App) Register(ctx context.Context, opts RegisterOptions) (quote.Deal, error) {
	c, err := quote.ParseChain(strings.ToLower(strings.TrimSpace(opts.Chain)))
	if err != nil {
		return quote.Deal{}, err
	}
	ref := strings.TrimSpace(opts.Ref)
	if err := chain.ValidateRef(c, ref); err != nil {
		return quote.Deal{}, fmt.Errorf("invalid on-chain reference: %w", err)
	}

	amount := decimal.Zero
	if opts.TokenAmount != "" {
		amount, err = decimal.NewFromString(opts.TokenAmount)
		if err != nil {
			return quote.Deal{}, fmt.Errorf("invalid token amount %q: %w", opts.TokenAmount, err)
		}
		if amount.IsNegative() {
			return quote.Deal{}, errors.New("token amount must not be negative")
		}
	}

	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}

	store, _, closeStore, err := a.openStore(ctx)
	if err != nil {
		return quote.Deal{}, err
	}
	defer closeStore()

	deal, err := store.Create(ctx, quote.Deal{
		ID:          id,
		Chain:       c,
		OnChainRef:  ref,
		Status:      quote.StatusCreated,
		TokenAmount: amount,
	})
	if err != nil {
		return quote.Deal{}, err
	}

	a.Logger.Info().Str("quote_id", deal.ID).Str("chain", string(deal.Chain)).Str("ref", deal.OnChainRef).Msg("quote registered")
	fmt.Fprintf(a.out(), "registered %s on %s (%s)\n", deal.ID, deal.Chain, deal.OnChainRef)
	return deal, nil
}

// Resolve clears a drift flag once an operator has reviewed the deal.
func (a *App) Resolve(ctx context.Context, opts ResolveOptions) (quote.Deal, error) {
	id := strings.TrimSpace(opts.QuoteID)
	if id == "" {
		return quote.Deal{}, errors.New("--quote is required")
	}
	var status quote.Status
	if opts.Status != "" {
		s, err := quote.ParseStatus(opts.Status)
		if err != nil {
			return quote.Deal{}, err
		}
		status = s
	}

	store, _, closeStore, err := a.openStore(ctx)
	if err != nil {
		return quote.Deal{}, err
	}
	defer closeStore()

	deal, err := store.Resolve(ctx, id, status)
	if err != nil {
		return quote.Deal{}, err
	}

	a.Logger.Info().Str("quote_id", id).Str("status", string(deal.Status)).Msg("drift resolved")
	fmt.Fprintf(a.out(), "resolved %s, status %s\n", deal.ID, deal.Status)
	return deal, nil
}
