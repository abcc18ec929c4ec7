package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"otc-reconciler/internal/quote"
)

// MemoryStore implements Backend with in-memory maps. Used for tests and
// local development; nothing survives a restart.
type MemoryStore struct {
	mu    sync.RWMutex
	deals map[string]quote.Deal
	refs  map[string]string // chain/ref -> id
	runs  []Run
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deals: make(map[string]quote.Deal),
		refs:  make(map[string]string),
		now:   time.Now,
	}
}

func refKey(c quote.Chain, ref string) string { return string(c) + "/" + ref }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Create registers a new deal.
func (s *MemoryStore) Create(_ context.Context, deal quote.Deal) (quote.Deal, error) {
	if err := deal.Validate(); err != nil {
		return quote.Deal{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deals[deal.ID]; ok {
		return quote.Deal{}, fmt.Errorf("create quote %s: %w", deal.ID, quote.ErrDuplicate)
	}
	key := refKey(deal.Chain, deal.OnChainRef)
	if _, ok := s.refs[key]; ok {
		return quote.Deal{}, fmt.Errorf("create quote %s: %w", deal.ID, quote.ErrDuplicate)
	}
	if deal.Status == "" {
		deal.Status = quote.StatusCreated
	}
	if deal.CreatedAt.IsZero() {
		deal.CreatedAt = s.now().UTC()
	}
	deal.UpdatedAt = deal.CreatedAt
	deal.Revision = 0

	s.deals[deal.ID] = deal
	s.refs[key] = deal.ID
	return deal, nil
}

// Get loads a deal by id.
func (s *MemoryStore) Get(_ context.Context, id string) (quote.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	deal, ok := s.deals[id]
	if !ok {
		return quote.Deal{}, fmt.Errorf("quote %s: %w", id, quote.ErrNotFound)
	}
	return deal, nil
}

// ListActive lists deals not in a terminal status.
func (s *MemoryStore) ListActive(ctx context.Context) ([]quote.Deal, error) {
	return s.List(ctx, DealFilter{ActiveOnly: true})
}

// List lists deals matching the filter.
func (s *MemoryStore) List(_ context.Context, filter DealFilter) ([]quote.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	deals := make([]quote.Deal, 0, len(s.deals))
	for _, d := range s.deals {
		if filter.match(d) {
			deals = append(deals, d)
		}
	}
	sortDeals(deals)
	if filter.Limit > 0 && len(deals) > filter.Limit {
		deals = deals[:filter.Limit]
	}
	return deals, nil
}

// CompareAndUpdate writes fields only when the stored version still equals
// expectedVersion and the record is still at f.Revision.
func (s *MemoryStore) CompareAndUpdate(_ context.Context, id string, expectedVersion uint64, f quote.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deal, ok := s.deals[id]
	if !ok {
		return fmt.Errorf("quote %s: %w", id, quote.ErrNotFound)
	}
	if deal.OnChainVersion != expectedVersion {
		return fmt.Errorf("quote %s expected version %d: %w", id, expectedVersion, quote.ErrVersionConflict)
	}
	if deal.Revision != f.Revision {
		return fmt.Errorf("quote %s expected revision %d: %w", id, f.Revision, quote.ErrVersionConflict)
	}
	s.deals[id] = deal.Apply(f, s.now().UTC())
	return nil
}

// Resolve clears drift and optionally forces a corrected status. It bumps the
// revision so an engine write derived from the earlier record conflicts.
func (s *MemoryStore) Resolve(_ context.Context, id string, status quote.Status) (quote.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deal, ok := s.deals[id]
	if !ok {
		return quote.Deal{}, fmt.Errorf("quote %s: %w", id, quote.ErrNotFound)
	}
	if status != "" {
		deal.Status = status
	}
	deal.DriftFlag = false
	deal.DriftReason = ""
	deal.Revision++
	deal.UpdatedAt = s.now().UTC()
	s.deals[id] = deal
	return deal, nil
}

// InsertRun records a sweep summary.
func (s *MemoryStore) InsertRun(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

// ListRuns lists sweeps newest first.
func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		if filter.match(r) {
			runs = append(runs, r)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

var _ Backend = (*MemoryStore)(nil)
