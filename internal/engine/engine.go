// Package engine re-derives each deal's status from chain state and applies
// the minimal forward-only mutation to the quote store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"otc-reconciler/internal/alerting"
	"otc-reconciler/internal/chain"
	"otc-reconciler/internal/health"
	"otc-reconciler/internal/lock"
	"otc-reconciler/internal/quote"
	"otc-reconciler/internal/storage"
)

var (
	// ErrInvalidReference means the deal's chain reference cannot be read or
	// decoded. The deal is flagged and not retried automatically.
	ErrInvalidReference = errors.New("on-chain reference invalid")
	// ErrStateDrift means the chain reports a state the stored status cannot
	// reach. The deal is flagged and its status left untouched.
	ErrStateDrift = errors.New("state drift")
	// ErrTransient means nothing was written and the next trigger may retry.
	ErrTransient = errors.New("transient reconcile failure")
)

const (
	defaultConcurrency  = 4
	defaultStoreTimeout = 10 * time.Second
)

// StateReader is the chain router contract the engine depends on.
type StateReader interface {
	ReadDealState(ctx context.Context, c quote.Chain, ref string) (quote.Snapshot, error)
}

// Outcome labels what a reconciliation did.
type Outcome string

const (
	OutcomeUpdated          Outcome = "updated"
	OutcomeUnchanged        Outcome = "unchanged"
	OutcomeBaselined        Outcome = "baselined"
	OutcomeInProgress       Outcome = "in_progress"
	OutcomeFrozen           Outcome = "frozen"
	OutcomeConflict         Outcome = "conflict"
	OutcomeTransient        Outcome = "transient"
	OutcomeInvalidReference Outcome = "invalid_reference"
	OutcomeDrift            Outcome = "drift"
	OutcomeNotFound         Outcome = "not_found"
	OutcomeError            Outcome = "error"
)

// Failed reports whether the outcome counts as a failed reconciliation.
func (o Outcome) Failed() bool {
	switch o {
	case OutcomeTransient, OutcomeInvalidReference, OutcomeDrift, OutcomeError:
		return true
	}
	return false
}

// Skipped reports whether the deal was left alone without a chain read.
func (o Outcome) Skipped() bool {
	return o == OutcomeInProgress || o == OutcomeFrozen
}

// Result describes one reconcileOne call.
type Result struct {
	QuoteID    string
	Chain      quote.Chain
	Updated    bool
	OldStatus  quote.Status
	NewStatus  quote.Status
	OldVersion uint64
	NewVersion uint64
	Outcome    Outcome
	// Drifted is true when the stored deal carries the drift flag after this call.
	Drifted bool
	Reason  string
}

// Health is the read-only view served to the health endpoint.
type Health struct {
	LastRunAt   time.Time
	BacklogSize int
	ErrorCount  int64
	TotalRuns   int64
}

// Options wire the engine's collaborators.
type Options struct {
	Store  storage.QuoteStore
	Reader StateReader
	// Locks is the in-process per-deal lock table; one is created when nil.
	Locks *lock.Table
	// Distributed optionally extends per-deal exclusion across instances.
	Distributed lock.Locker
	Reporter    *health.Reporter
	Notifier    alerting.Notifier
	Concurrency int
	// StoreTimeout bounds each quote store call; a distributed lock may pin a
	// connection from the same pool the store draws on.
	StoreTimeout time.Duration
	Clock        func() time.Time
}

// Engine reconciles stored deals against chain state.
type Engine struct {
	store       storage.QuoteStore
	reader      StateReader
	locks       *lock.Table
	distributed lock.Locker
	reporter    *health.Reporter
	notifier    alerting.Notifier
	concurrency int
	timeout     time.Duration
	now         func() time.Time
	logger      zerolog.Logger
}

// NewEngine builds an engine. Store and Reader are required.
func NewEngine(opts Options, logger zerolog.Logger) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: quote store is required")
	}
	if opts.Reader == nil {
		return nil, errors.New("engine: chain reader is required")
	}
	if opts.Locks == nil {
		opts.Locks = lock.NewTable()
	}
	if opts.Reporter == nil {
		opts.Reporter = health.NewReporter(nil)
	}
	if opts.Notifier == nil {
		opts.Notifier = alerting.Nop{}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		store:       opts.Store,
		reader:      opts.Reader,
		locks:       opts.Locks,
		distributed: opts.Distributed,
		reporter:    opts.Reporter,
		notifier:    opts.Notifier,
		concurrency: opts.Concurrency,
		timeout:     opts.StoreTimeout,
		now:         opts.Clock,
		logger:      logger.With().Str("component", "engine").Logger(),
	}, nil
}

// HealthCheck returns the process-wide counters.
func (e *Engine) HealthCheck() Health {
	s := e.reporter.Snapshot()
	return Health{
		LastRunAt:   s.LastRunAt,
		BacklogSize: s.BacklogSize,
		ErrorCount:  s.ErrorCount,
		TotalRuns:   s.TotalRuns,
	}
}

// ReconcileOne reconciles a single deal. A deal already being reconciled
// returns immediately with OutcomeInProgress and a nil error.
//
// The caller's cancellation is not propagated: once started, a reconciliation
// runs to completion bounded by the per-read timeout.
func (e *Engine) ReconcileOne(ctx context.Context, id string) (Result, error) {
	res, err := e.reconcile(context.WithoutCancel(ctx), id)
	e.reporter.RecordReconcile(res.Chain, string(res.Outcome), res.Updated, failureReason(res.Outcome))
	e.log(res, err)
	return res, err
}

func (e *Engine) reconcile(ctx context.Context, id string) (Result, error) {
	res := Result{QuoteID: id}

	release, ok := e.locks.TryAcquire(id)
	if !ok {
		res.Outcome = OutcomeInProgress
		return res, nil
	}
	defer release()

	if e.distributed != nil {
		unlock, acquired, err := e.distributed.TryLock(ctx, id)
		if err != nil {
			res.Outcome = OutcomeTransient
			return res, fmt.Errorf("%w: distributed lock: %w", ErrTransient, err)
		}
		if !acquired {
			res.Outcome = OutcomeInProgress
			return res, nil
		}
		defer unlock()
	}

	deal, err := e.get(ctx, id)
	if err != nil {
		if errors.Is(err, quote.ErrNotFound) {
			res.Outcome = OutcomeNotFound
		} else {
			res.Outcome = OutcomeError
		}
		return res, fmt.Errorf("load quote: %w", err)
	}
	res.Chain = deal.Chain
	res.OldStatus, res.NewStatus = deal.Status, deal.Status
	res.OldVersion, res.NewVersion = deal.OnChainVersion, deal.OnChainVersion
	res.Drifted = deal.DriftFlag

	if deal.Status.Frozen() {
		res.Outcome = OutcomeFrozen
		return res, nil
	}

	snap, err := e.reader.ReadDealState(ctx, deal.Chain, deal.OnChainRef)
	if err != nil {
		if chain.IsPermanent(err) {
			reason := fmt.Sprintf("%s: %v", ErrInvalidReference, err)
			if flagged, ferr := e.flagDrift(ctx, &res, deal, nil, reason); ferr != nil || !flagged {
				return res, ferr
			}
			res.Outcome = OutcomeInvalidReference
			return res, fmt.Errorf("%w: %w", ErrInvalidReference, err)
		}
		res.Outcome = OutcomeTransient
		return res, fmt.Errorf("%w: %w", ErrTransient, err)
	}

	switch {
	case snap.Version < deal.OnChainVersion:
		res.Outcome = OutcomeUnchanged
		return res, nil

	case snap.Version == deal.OnChainVersion:
		return e.reconcileSameVersion(ctx, res, deal, snap)
	}

	if snap.Status != deal.Status && !deal.Status.CanReach(snap.Status) {
		reason := fmt.Sprintf("observed %s (v%d) not reachable from %s (v%d)", snap.Status, snap.Version, deal.Status, deal.OnChainVersion)
		if flagged, ferr := e.flagDrift(ctx, &res, deal, &snap, reason); ferr != nil || !flagged {
			return res, ferr
		}
		res.Outcome = OutcomeDrift
		return res, fmt.Errorf("%w: %s", ErrStateDrift, reason)
	}

	fields := observedFields(deal, snap, e.now().UTC())
	if err := e.compareAndUpdate(ctx, deal, fields); err != nil {
		return e.writeFailed(res, err)
	}
	res.Updated = true
	res.NewStatus = snap.Status
	res.NewVersion = snap.Version
	res.Outcome = OutcomeUpdated
	return res, nil
}

// reconcileSameVersion handles a read at the stored version: the first read
// after registration records the baseline fingerprint, a different
// fingerprint means the deal changed without advancing its version.
func (e *Engine) reconcileSameVersion(ctx context.Context, res Result, deal quote.Deal, snap quote.Snapshot) (Result, error) {
	var reason string
	switch {
	case snap.Status != deal.Status:
		reason = fmt.Sprintf("observed %s differs from stored %s at version %d", snap.Status, deal.Status, deal.OnChainVersion)
	case deal.Fingerprint == "":
		fields := observedFields(deal, snap, e.now().UTC())
		if err := e.compareAndUpdate(ctx, deal, fields); err != nil {
			return e.writeFailed(res, err)
		}
		res.Outcome = OutcomeBaselined
		return res, nil
	case snap.Fingerprint != deal.Fingerprint:
		reason = fmt.Sprintf("on-chain content changed at version %d without a version advance", deal.OnChainVersion)
	default:
		res.Outcome = OutcomeUnchanged
		return res, nil
	}

	if flagged, err := e.flagDrift(ctx, &res, deal, &snap, reason); err != nil || !flagged {
		return res, err
	}
	res.Outcome = OutcomeDrift
	return res, fmt.Errorf("%w: %s", ErrStateDrift, reason)
}

// flagDrift sets the drift flag at the stored version, leaving status and
// version untouched. An already flagged deal is not written again. flagged is
// false when a concurrent writer got there first.
func (e *Engine) flagDrift(ctx context.Context, res *Result, deal quote.Deal, snap *quote.Snapshot, reason string) (flagged bool, err error) {
	res.Reason = reason
	res.Drifted = true
	if deal.DriftFlag {
		return true, nil
	}

	fields := deal.Fields()
	fields.DriftFlag = true
	fields.DriftReason = reason
	fields.LastReconciledAt = e.now().UTC()
	if err := e.compareAndUpdate(ctx, deal, fields); err != nil {
		if errors.Is(err, quote.ErrVersionConflict) {
			// a concurrent writer moved the deal on; our observation is stale
			res.Drifted = false
			res.Outcome = OutcomeConflict
			return false, nil
		}
		res.Outcome = OutcomeError
		return false, fmt.Errorf("flag drift: %w", err)
	}

	note := alerting.Notification{
		QuoteID:       deal.ID,
		Chain:         deal.Chain,
		OnChainRef:    deal.OnChainRef,
		StoredStatus:  deal.Status,
		StoredVersion: deal.OnChainVersion,
		Reason:        reason,
		DetectedAt:    fields.LastReconciledAt,
	}
	if snap != nil {
		note.ObservedStatus = snap.Status
		note.ObservedVersion = snap.Version
	}
	if err := e.notifier.Notify(ctx, note); err != nil {
		e.logger.Error().Err(err).Str("quote_id", deal.ID).Msg("failed to dispatch drift alert")
	}
	return true, nil
}

func (e *Engine) get(ctx context.Context, id string) (quote.Deal, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.store.Get(ctx, id)
}

// compareAndUpdate writes fields expecting the version deal was loaded at.
func (e *Engine) compareAndUpdate(ctx context.Context, deal quote.Deal, fields quote.Fields) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.store.CompareAndUpdate(ctx, deal.ID, deal.OnChainVersion, fields)
}

func (e *Engine) writeFailed(res Result, err error) (Result, error) {
	if errors.Is(err, quote.ErrVersionConflict) {
		res.Outcome = OutcomeConflict
		return res, nil
	}
	if errors.Is(err, quote.ErrNotFound) {
		res.Outcome = OutcomeNotFound
	} else {
		res.Outcome = OutcomeError
	}
	return res, fmt.Errorf("compare and update: %w", err)
}

func observedFields(deal quote.Deal, snap quote.Snapshot, now time.Time) quote.Fields {
	fields := deal.Fields()
	fields.Status = snap.Status
	fields.OnChainVersion = snap.Version
	fields.Fingerprint = snap.Fingerprint
	fields.TokenAmount = snap.TokenAmount
	fields.AmountPaid = snap.AmountPaid
	fields.ExpiresAt = snap.ExpiresAt
	fields.LastReconciledAt = now
	return fields
}

func failureReason(o Outcome) string {
	if !o.Failed() {
		return ""
	}
	return string(o)
}

func (e *Engine) log(res Result, err error) {
	var ev *zerolog.Event
	switch {
	case res.Outcome.Failed():
		ev = e.logger.Warn().Err(err)
	case res.Updated:
		ev = e.logger.Info()
	case err != nil:
		ev = e.logger.Debug().Err(err)
	default:
		ev = e.logger.Debug()
	}
	ev.Str("quote_id", res.QuoteID).
		Str("chain", string(res.Chain)).
		Str("outcome", string(res.Outcome)).
		Str("old_status", string(res.OldStatus)).
		Str("new_status", string(res.NewStatus)).
		Uint64("old_version", res.OldVersion).
		Uint64("new_version", res.NewVersion).
		Msg("quote reconciled")
}
