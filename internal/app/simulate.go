package app

import (
	"context"
	"errors"
	"time"

	"otc-reconciler/internal/alerting"
	"otc-reconciler/internal/quote"
)

// SimulateDrift 发送一条模拟的漂移告警，用于验证告警通道配置。
func (a *App) SimulateDrift(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	note := alerting.Notification{
		QuoteID:         opts.QuoteID,
		Chain:           quote.Chain(opts.Chain),
		OnChainRef:      opts.Ref,
		StoredStatus:    quote.StatusFunded,
		ObservedStatus:  quote.StatusCreated,
		StoredVersion:   2,
		ObservedVersion: 1,
		Reason:          opts.Reason,
		DetectedAt:      time.Now().UTC(),
		AdditionalMsg:   "simulated alert",
	}
	if note.QuoteID == "" {
		note.QuoteID = "simulated-quote"
	}
	if note.Chain == "" {
		note.Chain = quote.ChainEthereum
	}
	if note.Reason == "" {
		note.Reason = "unreachable transition funded → created"
	}

	if err := notifier.Notify(ctx, note); err != nil {
		return err
	}
	a.Logger.Info().Str("quote_id", note.QuoteID).Msg("simulated drift alert sent")
	return nil
}
