package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Summary aggregates one sweep.
type Summary struct {
	RunID     uuid.UUID
	Attempted int
	Updated   int
	Failed    int
	Skipped   int
	// Drifted counts active deals carrying the drift flag after the sweep.
	Drifted    int
	StartedAt  time.Time
	FinishedAt time.Time
}

// ReconcileAll reconciles every active deal with bounded concurrency. A
// failure of one deal is counted and never stops the others; the only error
// returned is a failure to list active deals. Once ctx is cancelled no new
// deals are started, but those already running finish.
func (e *Engine) ReconcileAll(ctx context.Context) (Summary, error) {
	sum := Summary{RunID: uuid.New(), StartedAt: e.now().UTC()}

	listCtx, cancel := context.WithTimeout(ctx, e.timeout)
	deals, err := e.store.ListActive(listCtx)
	cancel()
	if err != nil {
		sum.FinishedAt = e.now().UTC()
		return sum, fmt.Errorf("list active quotes: %w", err)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.concurrency)

	for _, deal := range deals {
		if ctx.Err() != nil {
			e.logger.Info().Str("run_id", sum.RunID.String()).Int("remaining", len(deals)-sum.Attempted).Msg("sweep cancelled, not starting remaining quotes")
			break
		}
		id := deal.ID
		sum.Attempted++

		g.Go(func() error {
			res, _ := e.ReconcileOne(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case res.Updated:
				sum.Updated++
			case res.Outcome.Failed():
				sum.Failed++
			case res.Outcome.Skipped():
				sum.Skipped++
			}
			if res.Drifted {
				sum.Drifted++
			}
			return nil
		})
	}
	_ = g.Wait()

	sum.FinishedAt = e.now().UTC()
	e.reporter.RecordSweep(sum.StartedAt, sum.FinishedAt, sum.Drifted)

	e.logger.Info().
		Str("run_id", sum.RunID.String()).
		Int("attempted", sum.Attempted).
		Int("updated", sum.Updated).
		Int("failed", sum.Failed).
		Int("skipped", sum.Skipped).
		Int("drifted", sum.Drifted).
		Dur("elapsed", sum.FinishedAt.Sub(sum.StartedAt)).
		Msg("sweep finished")
	return sum, nil
}
