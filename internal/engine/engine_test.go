package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otc-reconciler/internal/alerting"
	"otc-reconciler/internal/chain"
	"otc-reconciler/internal/health"
	"otc-reconciler/internal/lock"
	"otc-reconciler/internal/quote"
	"otc-reconciler/internal/storage"
)

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fakeReader struct {
	mu    sync.Mutex
	snaps map[string]quote.Snapshot
	errs  map[string]error
	calls atomic.Int32

	// entered receives once per read when set; gate blocks reads until closed.
	entered chan struct{}
	gate    chan struct{}

	delay    time.Duration
	inflight atomic.Int32
	peak     atomic.Int32

	sawCancelled atomic.Bool
}

func newFakeReader() *fakeReader {
	return &fakeReader{snaps: map[string]quote.Snapshot{}, errs: map[string]error{}}
}

func (f *fakeReader) set(ref string, snap quote.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[ref] = snap
	delete(f.errs, ref)
}

func (f *fakeReader) fail(ref string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[ref] = err
}

func (f *fakeReader) ReadDealState(ctx context.Context, c quote.Chain, ref string) (quote.Snapshot, error) {
	f.calls.Add(1)
	if ctx.Err() != nil {
		f.sawCancelled.Store(true)
	}
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[ref]; ok {
		return quote.Snapshot{}, err
	}
	snap, ok := f.snaps[ref]
	if !ok {
		return quote.Snapshot{}, &chain.ReadError{Kind: chain.Permanent, Chain: c, Ref: ref, Err: errors.New("account not found")}
	}
	return snap, nil
}

// recordingStore counts successful compare-and-update calls.
type recordingStore struct {
	*storage.MemoryStore
	mu       sync.Mutex
	expected []uint64
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: storage.NewMemoryStore()}
}

func (s *recordingStore) CompareAndUpdate(ctx context.Context, id string, expectedVersion uint64, f quote.Fields) error {
	if err := s.MemoryStore.CompareAndUpdate(ctx, id, expectedVersion, f); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expected = append(s.expected, expectedVersion)
	return nil
}

func (s *recordingStore) writes() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.expected...)
}

type countingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (n *countingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notes)
}

type busyLocker struct{}

func (busyLocker) TryLock(context.Context, string) (func(), bool, error) { return nil, false, nil }

func newTestEngine(t *testing.T, store storage.QuoteStore, reader StateReader, mutate ...func(*Options)) *Engine {
	t.Helper()
	opts := Options{
		Store:    store,
		Reader:   reader,
		Reporter: health.NewReporter(nil),
		Clock:    func() time.Time { return fixedNow },
	}
	for _, m := range mutate {
		m(&opts)
	}
	eng, err := NewEngine(opts, zerolog.Nop())
	require.NoError(t, err)
	return eng
}

func seed(t *testing.T, store storage.QuoteRegistry, id string, c quote.Chain, status quote.Status, version uint64, fp string) quote.Deal {
	t.Helper()
	deal, err := store.Create(context.Background(), quote.Deal{
		ID:             id,
		Chain:          c,
		OnChainRef:     "ref-" + id,
		Status:         status,
		OnChainVersion: version,
		Fingerprint:    fp,
		TokenAmount:    decimal.NewFromInt(100),
		CreatedAt:      fixedNow.Add(-time.Hour),
	})
	require.NoError(t, err)
	return deal
}

func snapshot(status quote.Status, version uint64, fp string) quote.Snapshot {
	return quote.Snapshot{
		Status:      status,
		Version:     version,
		Fingerprint: fp,
		TokenAmount: decimal.NewFromInt(100),
		AmountPaid:  decimal.NewFromInt(25),
		ExpiresAt:   fixedNow.Add(time.Hour),
	}
}

func get(t *testing.T, store storage.QuoteStore, id string) quote.Deal {
	t.Helper()
	d, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return d
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(Options{Reader: newFakeReader()}, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewEngine(Options{Store: storage.NewMemoryStore()}, zerolog.Nop())
	assert.Error(t, err)
}

func TestReconcileOneFundedToPendingApproval(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	reader := newFakeReader()
	seed(t, store, "Q1", quote.ChainBase, quote.StatusFunded, 3, "fp-3")
	reader.set("ref-Q1", snapshot(quote.StatusPendingApproval, 4, "fp-4"))
	eng := newTestEngine(t, store, reader)

	res, err := eng.ReconcileOne(ctx, "Q1")
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.Equal(t, quote.StatusFunded, res.OldStatus)
	assert.Equal(t, quote.StatusPendingApproval, res.NewStatus)
	assert.Equal(t, OutcomeUpdated, res.Outcome)
	assert.Equal(t, []uint64{3}, store.writes(), "compare-and-update must expect the stored version")

	stored := get(t, store, "Q1")
	assert.Equal(t, uint64(4), stored.OnChainVersion)
	assert.Equal(t, quote.StatusPendingApproval, stored.Status)
	assert.Equal(t, "fp-4", stored.Fingerprint)
	assert.True(t, stored.AmountPaid.Equal(decimal.NewFromInt(25)))
	assert.True(t, stored.LastReconciledAt.Equal(fixedNow))

	// same chain read again: nothing to do, nothing written
	res, err = eng.ReconcileOne(ctx, "Q1")
	require.NoError(t, err)
	assert.False(t, res.Updated)
	assert.Equal(t, OutcomeUnchanged, res.Outcome)
	assert.Equal(t, stored, get(t, store, "Q1"))
	assert.Len(t, store.writes(), 1)
}

func TestReconcileOneVersionAdvanceKeepingStatus(t *testing.T) {
	store := newRecordingStore()
	reader := newFakeReader()
	seed(t, store, "q", quote.ChainBase, quote.StatusCreated, 0, "fp-0")
	reader.set("ref-q", snapshot(quote.StatusCreated, 1, "fp-1"))
	eng := newTestEngine(t, store, reader)

	res, err := eng.ReconcileOne(context.Background(), "q")
	require.NoError(t, err)
	assert.True(t, res.Updated, "a version advance is a write even when the status holds")
	assert.Equal(t, OutcomeUpdated, res.Outcome)
	assert.Equal(t, quote.StatusCreated, res.OldStatus)
	assert.Equal(t, quote.StatusCreated, res.NewStatus)
	assert.Equal(t, uint64(1), res.NewVersion)

	stored := get(t, store, "q")
	assert.Equal(t, uint64(1), stored.OnChainVersion)
	assert.Equal(t, "fp-1", stored.Fingerprint)
	assert.True(t, stored.LastReconciledAt.Equal(fixedNow))
}

func TestReconcileOneStaleReadIsNoop(t *testing.T) {
	store := newRecordingStore()
	reader := newFakeReader()
	before := seed(t, store, "q", quote.ChainEthereum, quote.StatusPendingApproval, 5, "fp")
	reader.set("ref-q", snapshot(quote.StatusFunded, 4, "older"))
	eng := newTestEngine(t, store, reader)

	res, err := eng.ReconcileOne(context.Background(), "q")
	require.NoError(t, err)
	assert.False(t, res.Updated)
	assert.Equal(t, OutcomeUnchanged, res.Outcome)
	assert.Empty(t, store.writes())
	assert.Equal(t, before, get(t, store, "q"))
}

func TestReconcileOneBaselineThenContentDrift(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	reader := newFakeReader()
	notes := &countingNotifier{}
	seed(t, store, "q", quote.ChainSolana, quote.StatusCreated, 0, "")
	reader.set("ref-q", snapshot(quote.StatusCreated, 0, "first"))
	eng := newTestEngine(t, store, reader, func(o *Options) { o.Notifier = notes })

	res, err := eng.ReconcileOne(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, OutcomeBaselined, res.Outcome)
	assert.False(t, res.Updated)
	assert.Equal(t, "first", get(t, store, "q").Fingerprint)

	res, err = eng.ReconcileOne(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, res.Outcome)

	reader.set("ref-q", snapshot(quote.StatusCreated, 0, "second"))
	res, err = eng.ReconcileOne(ctx, "q")
	require.ErrorIs(t, err, ErrStateDrift)
	assert.Equal(t, OutcomeDrift, res.Outcome)
	stored := get(t, store, "q")
	assert.True(t, stored.DriftFlag)
	assert.Equal(t, "first", stored.Fingerprint, "drift never overwrites observed fields")
	assert.Equal(t, 1, notes.count())
}

func TestReconcileOneInProgressDoesNotWait(t *testing.T) {
	store := newRecordingStore()
	reader := newFakeReader()
	reader.entered = make(chan struct{}, 1)
	reader.gate = make(chan struct{})
	seed(t, store, "q", quote.ChainBase, quote.StatusFunded, 3, "fp")
	reader.set("ref-q", snapshot(quote.StatusPendingApproval, 4, "fp-4"))
	eng := newTestEngine(t, store, reader)

	type outcome struct {
		res Result
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := eng.ReconcileOne(context.Background(), "q")
		first <- outcome{res, err}
	}()
	<-reader.entered

	res, err := eng.ReconcileOne(context.Background(), "q")
	require.NoError(t, err)
	assert.False(t, res.Updated)
	assert.Equal(t, OutcomeInProgress, res.Outcome)

	close(reader.gate)
	got := <-first
	require.NoError(t, got.err)
	assert.True(t, got.res.Updated)

	assert.Equal(t, int32(1), reader.calls.Load(), "the redundant caller never reads the chain")
	assert.Len(t, store.writes(), 1, "exactly one transition recorded")
	assert.False(t, eng.locks.Held("q"), "lock released after the call")
}

func TestReconcileOneTwoEnginesSharingStore(t *testing.T) {
	store := newRecordingStore()
	reader := newFakeReader()
	reader.entered = make(chan struct{}, 2)
	reader.gate = make(chan struct{})
	seed(t, store, "q", quote.ChainBSC, quote.StatusFunded, 3, "fp")
	reader.set("ref-q", snapshot(quote.StatusPendingApproval, 4, "fp-4"))

	// separate lock tables: only the store's version check protects the deal
	a := newTestEngine(t, store, reader)
	b := newTestEngine(t, store, reader)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	for i, eng := range []*Engine{a, b} {
		wg.Add(1)
		go func(i int, eng *Engine) {
			defer wg.Done()
			results[i], errs[i] = eng.ReconcileOne(context.Background(), "q")
		}(i, eng)
	}
	<-reader.entered
	<-reader.entered
	close(reader.gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	updated := 0
	for _, r := range results {
		if r.Updated {
			updated++
		} else {
			assert.Equal(t, OutcomeConflict, r.Outcome)
		}
	}
	assert.Equal(t, 1, updated, "never two, never zero")
	assert.Len(t, store.writes(), 1)
	stored := get(t, store, "q")
	assert.Equal(t, uint64(4), stored.OnChainVersion)
	assert.Equal(t, quote.StatusPendingApproval, stored.Status)
}

// reviewingStore applies a manual resolution right after the engine loads a
// deal, before its write lands.
type reviewingStore struct {
	*storage.MemoryStore
	once   sync.Once
	status quote.Status
}

func (s *reviewingStore) Get(ctx context.Context, id string) (quote.Deal, error) {
	d, err := s.MemoryStore.Get(ctx, id)
	s.once.Do(func() {
		_, _ = s.MemoryStore.Resolve(ctx, id, s.status)
	})
	return d, err
}

func TestReconcileOneDoesNotOverwriteManualResolution(t *testing.T) {
	store := &reviewingStore{MemoryStore: storage.NewMemoryStore(), status: quote.StatusCancelled}
	reader := newFakeReader()
	seed(t, store.MemoryStore, "q", quote.ChainBase, quote.StatusFunded, 3, "fp")
	reader.set("ref-q", snapshot(quote.StatusPendingApproval, 4, "fp-4"))
	eng := newTestEngine(t, store, reader)

	res, err := eng.ReconcileOne(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, res.Outcome)
	assert.False(t, res.Updated)

	d := get(t, store.MemoryStore, "q")
	assert.Equal(t, quote.StatusCancelled, d.Status)
	assert.Equal(t, uint64(3), d.OnChainVersion)

	// the next pass sees a frozen deal
	res, err = eng.ReconcileOne(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFrozen, res.Outcome)
}

func TestReconcileOneVersionNeverDecreases(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	reader := newFakeReader()
	seed(t, store, "q", quote.ChainEthereum, quote.StatusCreated, 0, "")
	eng := newTestEngine(t, store, reader)

	reads := []quote.Snapshot{
		snapshot(quote.StatusFunded, 2, "a"),
		snapshot(quote.StatusPendingApproval, 3, "b"),
		snapshot(quote.StatusFunded, 2, "a"), // lagging replica
		snapshot(quote.StatusPendingApproval, 3, "b"),
		snapshot(quote.StatusCreated, 1, "z"),
		snapshot(quote.StatusFilled, 4, "c"),
	}
	var last uint64
	statuses := []quote.Status{quote.StatusCreated}
	for i, snap := range reads {
		reader.set("ref-q", snap)
		_, _ = eng.ReconcileOne(ctx, "q")
		stored := get(t, store, "q")
		assert.GreaterOrEqual(t, stored.OnChainVersion, last, "read %d", i)
		last = stored.OnChainVersion
		if statuses[len(statuses)-1] != stored.Status {
			statuses = append(statuses, stored.Status)
		}
	}
	assert.Equal(t, uint64(4), last)
	assert.Equal(t, []quote.Status{quote.StatusCreated, quote.StatusFunded, quote.StatusPendingApproval, quote.StatusFilled}, statuses)
	for i := 1; i < len(statuses); i++ {
		assert.True(t, statuses[i-1].CanReach(statuses[i]), "%s -> %s", statuses[i-1], statuses[i])
	}
	assert.False(t, get(t, store, "q").DriftFlag)
}

func TestReconcileOneUnreachableStatusFlagsDrift(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	reader := newFakeReader()
	notes := &countingNotifier{}
	seed(t, store, "q", quote.ChainBase, quote.StatusPendingApproval, 3, "fp")
	reader.set("ref-q", snapshot(quote.StatusFunded, 4, "rolled-back"))
	eng := newTestEngine(t, store, reader, func(o *Options) { o.Notifier = notes })

	res, err := eng.ReconcileOne(ctx, "q")
	require.ErrorIs(t, err, ErrStateDrift)
	assert.False(t, res.Updated)
	assert.True(t, res.Drifted)
	assert.Contains(t, res.Reason, "not reachable")

	stored := get(t, store, "q")
	assert.Equal(t, quote.StatusPendingApproval, stored.Status, "status left untouched")
	assert.Equal(t, uint64(3), stored.OnChainVersion)
	assert.True(t, stored.DriftFlag)
	require.Equal(t, 1, notes.count())
	assert.Equal(t, quote.StatusFunded, notes.notes[0].ObservedStatus)

	// flag is sticky: a second pass neither writes nor alerts again
	_, err = eng.ReconcileOne(ctx, "q")
	require.ErrorIs(t, err, ErrStateDrift)
	assert.Equal(t, 1, notes.count())
	assert.Len(t, store.writes(), 1)
	assert.Equal(t, stored, get(t, store, "q"))
}

func TestReconcileOneFrozenStatusesAreNoops(t *testing.T) {
	for _, status := range []quote.Status{quote.StatusFilled, quote.StatusCancelled, quote.StatusExpired, quote.StatusDisputed} {
		t.Run(string(status), func(t *testing.T) {
			store := newRecordingStore()
			reader := newFakeReader()
			before := seed(t, store, "q", quote.ChainSolana, status, 4, "fp")
			reader.set("ref-q", snapshot(quote.StatusCreated, 9, "whatever"))
			eng := newTestEngine(t, store, reader)

			res, err := eng.ReconcileOne(context.Background(), "q")
			require.NoError(t, err)
			assert.False(t, res.Updated)
			assert.Equal(t, OutcomeFrozen, res.Outcome)
			assert.Zero(t, reader.calls.Load())
			assert.Equal(t, before, get(t, store, "q"))
		})
	}
}

func TestReconcileOneTransientReadWritesNothing(t *testing.T) {
	store := newRecordingStore()
	reader := newFakeReader()
	before := seed(t, store, "q", quote.ChainBase, quote.StatusFunded, 2, "fp")
	reader.fail("ref-q", &chain.ReadError{Kind: chain.Transient, Chain: quote.ChainBase, Ref: "ref-q", Err: errors.New("429 too many requests")})
	eng := newTestEngine(t, store, reader)

	res, err := eng.ReconcileOne(context.Background(), "q")
	require.ErrorIs(t, err, ErrTransient)
	assert.True(t, chain.IsTransient(err))
	assert.Equal(t, OutcomeTransient, res.Outcome)
	assert.Empty(t, store.writes())
	assert.Equal(t, before, get(t, store, "q"))
	assert.Equal(t, int64(1), eng.HealthCheck().ErrorCount)
}

func TestReconcileOnePermanentReadFlagsInvalidReference(t *testing.T) {
	store := newRecordingStore()
	reader := newFakeReader()
	seed(t, store, "q", quote.ChainEthereum, quote.StatusFunded, 2, "fp")
	eng := newTestEngine(t, store, reader)

	res, err := eng.ReconcileOne(context.Background(), "q")
	require.ErrorIs(t, err, ErrInvalidReference)
	assert.Equal(t, OutcomeInvalidReference, res.Outcome)

	stored := get(t, store, "q")
	assert.True(t, stored.DriftFlag)
	assert.Contains(t, stored.DriftReason, "on-chain reference invalid")
	assert.Equal(t, quote.StatusFunded, stored.Status)
	assert.Equal(t, uint64(2), stored.OnChainVersion)
}

func TestReconcileOneUnknownQuote(t *testing.T) {
	eng := newTestEngine(t, newRecordingStore(), newFakeReader())
	res, err := eng.ReconcileOne(context.Background(), "missing")
	require.ErrorIs(t, err, quote.ErrNotFound)
	assert.Equal(t, OutcomeNotFound, res.Outcome)
	assert.False(t, eng.locks.Held("missing"))
}

func TestReconcileOneDistributedLockHeldElsewhere(t *testing.T) {
	store := newRecordingStore()
	reader := newFakeReader()
	seed(t, store, "q", quote.ChainBase, quote.StatusFunded, 3, "fp")
	reader.set("ref-q", snapshot(quote.StatusPendingApproval, 4, "fp-4"))
	table := lock.NewTable()
	eng := newTestEngine(t, store, reader, func(o *Options) {
		o.Locks = table
		o.Distributed = busyLocker{}
	})

	res, err := eng.ReconcileOne(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInProgress, res.Outcome)
	assert.Zero(t, reader.calls.Load())
	assert.Zero(t, table.Len(), "in-process lock released when the distributed one is busy")
}

func TestReconcileOneIgnoresCallerCancellation(t *testing.T) {
	store := newRecordingStore()
	reader := newFakeReader()
	seed(t, store, "q", quote.ChainBase, quote.StatusFunded, 3, "fp")
	reader.set("ref-q", snapshot(quote.StatusPendingApproval, 4, "fp-4"))
	eng := newTestEngine(t, store, reader)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := eng.ReconcileOne(ctx, "q")
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.False(t, reader.sawCancelled.Load())
}

func TestReconcileAllIsolatesFailures(t *testing.T) {
	const n = 6
	store := newRecordingStore()
	reader := newFakeReader()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("q%d", i)
		seed(t, store, id, quote.ChainBase, quote.StatusFunded, 2, "fp")
		reader.set("ref-"+id, snapshot(quote.StatusPendingApproval, 3, "fp-3"))
	}
	reader.fail("ref-q3", &chain.ReadError{Kind: chain.Permanent, Chain: quote.ChainBase, Ref: "ref-q3", Err: errors.New("execution reverted")})
	eng := newTestEngine(t, store, reader)

	sum, err := eng.ReconcileAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, n, sum.Attempted)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, n-1, sum.Updated)
	assert.Equal(t, 1, sum.Drifted)
	assert.NotEqual(t, uuid.Nil, sum.RunID)
	assert.True(t, sum.FinishedAt.Equal(fixedNow))

	for i := 0; i < n; i++ {
		d := get(t, store, fmt.Sprintf("q%d", i))
		if i == 3 {
			assert.Equal(t, quote.StatusFunded, d.Status)
			assert.True(t, d.DriftFlag)
			continue
		}
		assert.Equal(t, quote.StatusPendingApproval, d.Status)
	}

	h := eng.HealthCheck()
	assert.Equal(t, int64(n), h.TotalRuns)
	assert.Equal(t, int64(1), h.ErrorCount)
	assert.Equal(t, 1, h.BacklogSize)
	assert.True(t, h.LastRunAt.Equal(fixedNow))
}

func TestReconcileAllCountsSkipsAndBoundsConcurrency(t *testing.T) {
	store := newRecordingStore()
	reader := newFakeReader()
	reader.delay = 10 * time.Millisecond
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("q%d", i)
		seed(t, store, id, quote.ChainEthereum, quote.StatusFunded, 2, "fp")
		reader.set("ref-"+id, snapshot(quote.StatusFunded, 2, "fp"))
	}
	seed(t, store, "disputed", quote.ChainEthereum, quote.StatusDisputed, 5, "fp")
	eng := newTestEngine(t, store, reader, func(o *Options) { o.Concurrency = 2 })

	sum, err := eng.ReconcileAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, sum.Attempted)
	assert.Equal(t, 1, sum.Skipped)
	assert.Zero(t, sum.Updated)
	assert.Zero(t, sum.Failed)
	assert.LessOrEqual(t, reader.peak.Load(), int32(2))
}

func TestReconcileAllCancelledBeforeStart(t *testing.T) {
	store := newRecordingStore()
	reader := newFakeReader()
	seed(t, store, "q", quote.ChainBase, quote.StatusFunded, 3, "fp")
	eng := newTestEngine(t, store, reader)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := eng.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Attempted)
	assert.Zero(t, reader.calls.Load())
}
