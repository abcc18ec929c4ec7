package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"otc-reconciler/internal/quote"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	postgresSchemaSQL = `
CREATE TABLE IF NOT EXISTS quotes (
    id                 TEXT PRIMARY KEY,
    chain              TEXT        NOT NULL,
    on_chain_ref       TEXT        NOT NULL,
    status             TEXT        NOT NULL,
    on_chain_version   BIGINT      NOT NULL DEFAULT 0,
    fingerprint        TEXT        NOT NULL DEFAULT '',
    token_amount       NUMERIC     NOT NULL DEFAULT 0,
    amount_paid        NUMERIC     NOT NULL DEFAULT 0,
    expires_at         TIMESTAMPTZ,
    last_reconciled_at TIMESTAMPTZ,
    drift_flag         BOOLEAN     NOT NULL DEFAULT FALSE,
    drift_reason       TEXT        NOT NULL DEFAULT '',
    revision           BIGINT      NOT NULL DEFAULT 0,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (chain, on_chain_ref)
);

ALTER TABLE quotes ADD COLUMN IF NOT EXISTS revision BIGINT NOT NULL DEFAULT 0;

CREATE INDEX IF NOT EXISTS idx_quotes_active
    ON quotes (created_at)
    WHERE status NOT IN ('filled', 'cancelled', 'expired');

CREATE TABLE IF NOT EXISTS reconcile_runs (
    id          UUID PRIMARY KEY,
    trigger     TEXT        NOT NULL,
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL,
    attempted   INTEGER     NOT NULL DEFAULT 0,
    updated     INTEGER     NOT NULL DEFAULT 0,
    failed      INTEGER     NOT NULL DEFAULT 0,
    skipped     INTEGER     NOT NULL DEFAULT 0,
    drifted     INTEGER     NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_reconcile_runs_started ON reconcile_runs (started_at DESC);`

	quoteColumns = `id,
        chain,
        on_chain_ref,
        status,
        on_chain_version,
        fingerprint,
        token_amount::text,
        amount_paid::text,
        expires_at,
        last_reconciled_at,
        drift_flag,
        drift_reason,
        revision,
        created_at,
        updated_at`

	insertQuoteSQL = `INSERT INTO quotes (
        id,
        chain,
        on_chain_ref,
        status,
        on_chain_version,
        fingerprint,
        token_amount,
        amount_paid,
        expires_at,
        created_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10
    )
    RETURNING ` + quoteColumns + `;`

	getQuoteSQL = `SELECT ` + quoteColumns + `
    FROM quotes
    WHERE id = $1;`

	listQuotesSQL = `SELECT ` + quoteColumns + `
    FROM quotes
    WHERE ($1::boolean = FALSE OR status <> ALL($2::text[]))
      AND ($3::boolean = FALSE OR drift_flag)
      AND ($4 = '' OR chain = $4)
    ORDER BY created_at, id
    LIMIT NULLIF($5, 0);`

	// drift_flag is OR-ed so the engine can never clear it.
	compareAndUpdateSQL = `UPDATE quotes
    SET status             = $3,
        on_chain_version   = $4,
        fingerprint        = $5,
        token_amount       = $6,
        amount_paid        = $7,
        expires_at         = $8,
        last_reconciled_at = $9,
        drift_reason       = CASE WHEN NOT drift_flag AND $10 THEN $11 ELSE drift_reason END,
        drift_flag         = drift_flag OR $10,
        revision           = revision + 1,
        updated_at         = $12
    WHERE id = $1
      AND on_chain_version = $2
      AND revision = $13;`

	quoteExistsSQL = `SELECT EXISTS (SELECT 1 FROM quotes WHERE id = $1);`

	resolveQuoteSQL = `UPDATE quotes
    SET status       = COALESCE(NULLIF($2, ''), status),
        drift_flag   = FALSE,
        drift_reason = '',
        revision     = revision + 1,
        updated_at   = $3
    WHERE id = $1
    RETURNING ` + quoteColumns + `;`

	insertRunSQL = `INSERT INTO reconcile_runs (
        id,
        trigger,
        started_at,
        finished_at,
        attempted,
        updated,
        failed,
        skipped,
        drifted
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    );`

	listRunsSQL = `SELECT
        id,
        trigger,
        started_at,
        finished_at,
        attempted,
        updated,
        failed,
        skipped,
        drifted
    FROM reconcile_runs
    WHERE ($1::timestamptz IS NULL OR started_at >= $1)
      AND ($2::timestamptz IS NULL OR started_at < $2)
    ORDER BY started_at DESC
    LIMIT NULLIF($3, 0);`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`

	uniqueViolation = "23505"
)

// QuoteStore is the persistence contract the reconciliation engine relies on.
// CompareAndUpdate is its only mutation.
type QuoteStore interface {
	Get(ctx context.Context, id string) (quote.Deal, error)
	ListActive(ctx context.Context) ([]quote.Deal, error)
	CompareAndUpdate(ctx context.Context, id string, expectedVersion uint64, fields quote.Fields) error
}

// QuoteRegistry covers deal registration and manual review.
type QuoteRegistry interface {
	Create(ctx context.Context, deal quote.Deal) (quote.Deal, error)
	List(ctx context.Context, filter DealFilter) ([]quote.Deal, error)
	// Resolve clears the drift flag and, when status is set, forces it.
	Resolve(ctx context.Context, id string, status quote.Status) (quote.Deal, error)
}

// RunStore keeps the sweep history.
type RunStore interface {
	InsertRun(ctx context.Context, run Run) error
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Backend is a complete storage implementation.
type Backend interface {
	QuoteStore
	QuoteRegistry
	RunStore
	Close() error
}

// Store is the PostgreSQL backend.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Migrate creates the tables when they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, postgresSchemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// the session lock dies with the connection
			conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Create registers a new deal in the created status.
func (s *Store) Create(ctx context.Context, deal quote.Deal) (quote.Deal, error) {
	pool, err := s.getPool()
	if err != nil {
		return quote.Deal{}, err
	}
	if err := deal.Validate(); err != nil {
		return quote.Deal{}, err
	}
	if deal.Status == "" {
		deal.Status = quote.StatusCreated
	}
	now := deal.CreatedAt
	if now.IsZero() {
		now = s.now().UTC()
	}

	row := pool.QueryRow(ctx, insertQuoteSQL,
		deal.ID,
		string(deal.Chain),
		deal.OnChainRef,
		string(deal.Status),
		int64(deal.OnChainVersion),
		deal.Fingerprint,
		deal.TokenAmount.String(),
		deal.AmountPaid.String(),
		nullTime(deal.ExpiresAt),
		now,
	)
	created, err := scanDeal(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return quote.Deal{}, fmt.Errorf("create quote %s: %w", deal.ID, quote.ErrDuplicate)
		}
		return quote.Deal{}, fmt.Errorf("create quote: %w", err)
	}
	return created, nil
}

// Get loads a deal by id.
func (s *Store) Get(ctx context.Context, id string) (quote.Deal, error) {
	pool, err := s.getPool()
	if err != nil {
		return quote.Deal{}, err
	}
	deal, err := scanDeal(pool.QueryRow(ctx, getQuoteSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return quote.Deal{}, fmt.Errorf("quote %s: %w", id, quote.ErrNotFound)
	}
	if err != nil {
		return quote.Deal{}, fmt.Errorf("get quote: %w", err)
	}
	return deal, nil
}

// ListActive lists deals that are not in a terminal status.
func (s *Store) ListActive(ctx context.Context) ([]quote.Deal, error) {
	return s.List(ctx, DealFilter{ActiveOnly: true})
}

// List lists deals matching the filter ordered by creation time.
func (s *Store) List(ctx context.Context, filter DealFilter) ([]quote.Deal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listQuotesSQL,
		filter.ActiveOnly,
		terminalStatuses(),
		filter.DriftedOnly,
		string(filter.Chain),
		filter.Limit,
	)
	if queryErr != nil {
		return nil, fmt.Errorf("list quotes: %w", queryErr)
	}
	defer rows.Close()

	deals := make([]quote.Deal, 0)
	for rows.Next() {
		deal, scanErr := scanDeal(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		deals = append(deals, deal)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return deals, nil
}

// CompareAndUpdate writes fields only when the stored version still equals
// expectedVersion and the record is still at f.Revision.
func (s *Store) CompareAndUpdate(ctx context.Context, id string, expectedVersion uint64, f quote.Fields) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	cmdTag, execErr := pool.Exec(ctx, compareAndUpdateSQL,
		id,
		int64(expectedVersion),
		string(f.Status),
		int64(f.OnChainVersion),
		f.Fingerprint,
		f.TokenAmount.String(),
		f.AmountPaid.String(),
		nullTime(f.ExpiresAt),
		nullTime(f.LastReconciledAt),
		f.DriftFlag,
		f.DriftReason,
		s.now().UTC(),
		int64(f.Revision),
	)
	if execErr != nil {
		return fmt.Errorf("compare and update quote: %w", execErr)
	}
	if cmdTag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := pool.QueryRow(ctx, quoteExistsSQL, id).Scan(&exists); err != nil {
		return fmt.Errorf("check quote exists: %w", err)
	}
	if !exists {
		return fmt.Errorf("quote %s: %w", id, quote.ErrNotFound)
	}
	return fmt.Errorf("quote %s expected version %d revision %d: %w", id, expectedVersion, f.Revision, quote.ErrVersionConflict)
}

// Resolve clears drift and optionally forces a corrected status. It bumps the
// revision so an engine write derived from the earlier record conflicts.
func (s *Store) Resolve(ctx context.Context, id string, status quote.Status) (quote.Deal, error) {
	pool, err := s.getPool()
	if err != nil {
		return quote.Deal{}, err
	}
	deal, err := scanDeal(pool.QueryRow(ctx, resolveQuoteSQL, id, string(status), s.now().UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return quote.Deal{}, fmt.Errorf("quote %s: %w", id, quote.ErrNotFound)
	}
	if err != nil {
		return quote.Deal{}, fmt.Errorf("resolve quote: %w", err)
	}
	return deal, nil
}

// InsertRun persists a sweep summary.
func (s *Store) InsertRun(ctx context.Context, run Run) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertRunSQL,
		run.ID,
		run.Trigger,
		run.StartedAt,
		run.FinishedAt,
		run.Attempted,
		run.Updated,
		run.Failed,
		run.Skipped,
		run.Drifted,
	); execErr != nil {
		return fmt.Errorf("insert run: %w", execErr)
	}
	return nil
}

// ListRuns lists sweeps newest first.
func (s *Store) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRunsSQL, nullTime(filter.From), nullTime(filter.To), filter.Limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list runs: %w", queryErr)
	}
	defer rows.Close()

	runs := make([]Run, 0)
	for rows.Next() {
		var (
			run Run
			id  uuid.UUID
		)
		if err := rows.Scan(
			&id,
			&run.Trigger,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Attempted,
			&run.Updated,
			&run.Failed,
			&run.Skipped,
			&run.Drifted,
		); err != nil {
			return nil, err
		}
		run.ID = id
		runs = append(runs, run)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

func scanDeal(row pgx.Row) (quote.Deal, error) {
	var (
		deal           quote.Deal
		chain          string
		status         string
		version        int64
		revision       int64
		tokenAmountStr string
		amountPaidStr  string
		expiresAt      sql.NullTime
		reconciledAt   sql.NullTime
	)

	if err := row.Scan(
		&deal.ID,
		&chain,
		&deal.OnChainRef,
		&status,
		&version,
		&deal.Fingerprint,
		&tokenAmountStr,
		&amountPaidStr,
		&expiresAt,
		&reconciledAt,
		&deal.DriftFlag,
		&deal.DriftReason,
		&revision,
		&deal.CreatedAt,
		&deal.UpdatedAt,
	); err != nil {
		return quote.Deal{}, err
	}

	var err error
	deal.Chain = quote.Chain(chain)
	if deal.Status, err = quote.ParseStatus(status); err != nil {
		return quote.Deal{}, err
	}
	deal.OnChainVersion = uint64(version)
	deal.Revision = uint64(revision)
	if deal.TokenAmount, err = decimal.NewFromString(tokenAmountStr); err != nil {
		return quote.Deal{}, fmt.Errorf("parse token amount: %w", err)
	}
	if deal.AmountPaid, err = decimal.NewFromString(amountPaidStr); err != nil {
		return quote.Deal{}, fmt.Errorf("parse amount paid: %w", err)
	}
	if expiresAt.Valid {
		deal.ExpiresAt = expiresAt.Time.UTC()
	}
	if reconciledAt.Valid {
		deal.LastReconciledAt = reconciledAt.Time.UTC()
	}
	deal.CreatedAt = deal.CreatedAt.UTC()
	deal.UpdatedAt = deal.UpdatedAt.UTC()
	return deal, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

var (
	_ Backend        = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
