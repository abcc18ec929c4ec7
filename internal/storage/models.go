package storage

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"otc-reconciler/internal/quote"
)

// Run is the persisted summary of one reconciliation sweep.
type Run struct {
	ID         uuid.UUID
	Trigger    string
	StartedAt  time.Time
	FinishedAt time.Time
	Attempted  int
	Updated    int
	Failed     int
	Skipped    int
	Drifted    int
}

// Duration is the wall time the sweep took.
func (r Run) Duration() time.Duration {
	if r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// DealFilter narrows deal listings. The zero value lists everything.
type DealFilter struct {
	ActiveOnly  bool
	DriftedOnly bool
	Chain       quote.Chain
	Limit       int
}

func (f DealFilter) match(d quote.Deal) bool {
	if f.ActiveOnly && d.Status.Terminal() {
		return false
	}
	if f.DriftedOnly && !d.DriftFlag {
		return false
	}
	if f.Chain != "" && d.Chain != f.Chain {
		return false
	}
	return true
}

// RunFilter bounds a run history query. Zero times are unbounded.
type RunFilter struct {
	From  time.Time
	To    time.Time
	Limit int
}

func (f RunFilter) match(r Run) bool {
	if !f.From.IsZero() && r.StartedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !r.StartedAt.Before(f.To) {
		return false
	}
	return true
}

// sortDeals orders by creation time then id, matching the SQL backends.
func sortDeals(deals []quote.Deal) {
	sort.Slice(deals, func(i, j int) bool {
		if !deals[i].CreatedAt.Equal(deals[j].CreatedAt) {
			return deals[i].CreatedAt.Before(deals[j].CreatedAt)
		}
		return deals[i].ID < deals[j].ID
	})
}

func terminalStatuses() []string {
	out := make([]string, 0, 3)
	for _, s := range quote.Statuses() {
		if s.Terminal() {
			out = append(out, string(s))
		}
	}
	return out
}
