package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"otc-reconciler/internal/quote"
)

// Timestamps are stored as unix nanoseconds; 0 means unset.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS quotes (
    id                 TEXT PRIMARY KEY,
    chain              TEXT    NOT NULL,
    on_chain_ref       TEXT    NOT NULL,
    status             TEXT    NOT NULL,
    on_chain_version   INTEGER NOT NULL DEFAULT 0,
    fingerprint        TEXT    NOT NULL DEFAULT '',
    token_amount       TEXT    NOT NULL DEFAULT '0',
    amount_paid        TEXT    NOT NULL DEFAULT '0',
    expires_at         INTEGER NOT NULL DEFAULT 0,
    last_reconciled_at INTEGER NOT NULL DEFAULT 0,
    drift_flag         INTEGER NOT NULL DEFAULT 0,
    drift_reason       TEXT    NOT NULL DEFAULT '',
    revision           INTEGER NOT NULL DEFAULT 0,
    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL,
    UNIQUE (chain, on_chain_ref)
);

CREATE TABLE IF NOT EXISTS reconcile_runs (
    id          TEXT PRIMARY KEY,
    trigger     TEXT    NOT NULL,
    started_at  INTEGER NOT NULL,
    finished_at INTEGER NOT NULL,
    attempted   INTEGER NOT NULL DEFAULT 0,
    updated     INTEGER NOT NULL DEFAULT 0,
    failed      INTEGER NOT NULL DEFAULT 0,
    skipped     INTEGER NOT NULL DEFAULT 0,
    drifted     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_quotes_status  ON quotes(status);
CREATE INDEX IF NOT EXISTS idx_runs_started   ON reconcile_runs(started_at DESC);
`

const sqliteQuoteColumns = `id, chain, on_chain_ref, status, on_chain_version, fingerprint,
    token_amount, amount_paid, expires_at, last_reconciled_at, drift_flag, drift_reason,
    revision, created_at, updated_at`

// SQLiteStore is a single-node backend on pure-Go SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStore: open %q: %w", path, err)
	}
	// single writer; also keeps ":memory:" on one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStore: apply schema: %w", err)
	}
	if err := addRevisionColumn(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStore: migrate: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// addRevisionColumn upgrades databases created before quotes carried a
// write revision. SQLite has no ADD COLUMN IF NOT EXISTS.
func addRevisionColumn(db *sql.DB) error {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('quotes') WHERE name = 'revision'`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err := db.Exec(`ALTER TABLE quotes ADD COLUMN revision INTEGER NOT NULL DEFAULT 0`)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create registers a new deal.
func (s *SQLiteStore) Create(ctx context.Context, deal quote.Deal) (quote.Deal, error) {
	if err := deal.Validate(); err != nil {
		return quote.Deal{}, err
	}
	if deal.Status == "" {
		deal.Status = quote.StatusCreated
	}
	if deal.CreatedAt.IsZero() {
		deal.CreatedAt = s.now().UTC()
	}
	deal.UpdatedAt = deal.CreatedAt

	_, err := s.db.ExecContext(ctx, `INSERT INTO quotes (`+sqliteQuoteColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		deal.ID, string(deal.Chain), deal.OnChainRef, string(deal.Status), int64(deal.OnChainVersion),
		deal.Fingerprint, deal.TokenAmount.String(), deal.AmountPaid.String(),
		unixNano(deal.ExpiresAt), unixNano(deal.LastReconciledAt), boolInt(deal.DriftFlag), deal.DriftReason,
		unixNano(deal.CreatedAt), unixNano(deal.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return quote.Deal{}, fmt.Errorf("create quote %s: %w", deal.ID, quote.ErrDuplicate)
		}
		return quote.Deal{}, fmt.Errorf("create quote: %w", err)
	}
	return s.Get(ctx, deal.ID)
}

// Get loads a deal by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (quote.Deal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteQuoteColumns+` FROM quotes WHERE id = ?`, id)
	deal, err := scanSQLiteDeal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return quote.Deal{}, fmt.Errorf("quote %s: %w", id, quote.ErrNotFound)
	}
	if err != nil {
		return quote.Deal{}, fmt.Errorf("get quote: %w", err)
	}
	return deal, nil
}

// ListActive lists deals not in a terminal status.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]quote.Deal, error) {
	return s.List(ctx, DealFilter{ActiveOnly: true})
}

// List lists deals matching the filter.
func (s *SQLiteStore) List(ctx context.Context, filter DealFilter) ([]quote.Deal, error) {
	var (
		where []string
		args  []any
	)
	if filter.ActiveOnly {
		terminal := terminalStatuses()
		where = append(where, "status NOT IN (?"+strings.Repeat(", ?", len(terminal)-1)+")")
		for _, st := range terminal {
			args = append(args, st)
		}
	}
	if filter.DriftedOnly {
		where = append(where, "drift_flag = 1")
	}
	if filter.Chain != "" {
		where = append(where, "chain = ?")
		args = append(args, string(filter.Chain))
	}

	query := `SELECT ` + sqliteQuoteColumns + ` FROM quotes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list quotes: %w", err)
	}
	defer rows.Close()

	deals := make([]quote.Deal, 0)
	for rows.Next() {
		deal, err := scanSQLiteDeal(rows)
		if err != nil {
			return nil, err
		}
		deals = append(deals, deal)
	}
	return deals, rows.Err()
}

// CompareAndUpdate writes fields only when the stored version still equals
// expectedVersion and the record is still at f.Revision.
func (s *SQLiteStore) CompareAndUpdate(ctx context.Context, id string, expectedVersion uint64, f quote.Fields) error {
	res, err := s.db.ExecContext(ctx, `UPDATE quotes
        SET status = ?, on_chain_version = ?, fingerprint = ?, token_amount = ?, amount_paid = ?,
            expires_at = ?, last_reconciled_at = ?,
            drift_reason = CASE WHEN drift_flag = 0 AND ? = 1 THEN ? ELSE drift_reason END,
            drift_flag = MAX(drift_flag, ?),
            revision = revision + 1,
            updated_at = ?
        WHERE id = ? AND on_chain_version = ? AND revision = ?`,
		string(f.Status), int64(f.OnChainVersion), f.Fingerprint, f.TokenAmount.String(), f.AmountPaid.String(),
		unixNano(f.ExpiresAt), unixNano(f.LastReconciledAt),
		boolInt(f.DriftFlag), f.DriftReason,
		boolInt(f.DriftFlag),
		unixNano(s.now().UTC()),
		id, int64(expectedVersion), int64(f.Revision),
	)
	if err != nil {
		return fmt.Errorf("compare and update quote: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("compare and update quote: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM quotes WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check quote exists: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("quote %s: %w", id, quote.ErrNotFound)
	}
	return fmt.Errorf("quote %s expected version %d revision %d: %w", id, expectedVersion, f.Revision, quote.ErrVersionConflict)
}

// Resolve clears drift and optionally forces a corrected status. It bumps the
// revision so an engine write derived from the earlier record conflicts.
func (s *SQLiteStore) Resolve(ctx context.Context, id string, status quote.Status) (quote.Deal, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE quotes
        SET status = COALESCE(NULLIF(?, ''), status), drift_flag = 0, drift_reason = '',
            revision = revision + 1, updated_at = ?
        WHERE id = ?`, string(status), unixNano(s.now().UTC()), id)
	if err != nil {
		return quote.Deal{}, fmt.Errorf("resolve quote: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return quote.Deal{}, fmt.Errorf("quote %s: %w", id, quote.ErrNotFound)
	}
	return s.Get(ctx, id)
}

// InsertRun persists a sweep summary.
func (s *SQLiteStore) InsertRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO reconcile_runs
        (id, trigger, started_at, finished_at, attempted, updated, failed, skipped, drifted)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.Trigger, unixNano(run.StartedAt), unixNano(run.FinishedAt),
		run.Attempted, run.Updated, run.Failed, run.Skipped, run.Drifted,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// ListRuns lists sweeps newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT id, trigger, started_at, finished_at, attempted, updated, failed, skipped, drifted
        FROM reconcile_runs WHERE 1 = 1`
	var args []any
	if !filter.From.IsZero() {
		query += " AND started_at >= ?"
		args = append(args, unixNano(filter.From))
	}
	if !filter.To.IsZero() {
		query += " AND started_at < ?"
		args = append(args, unixNano(filter.To))
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]Run, 0)
	for rows.Next() {
		var (
			run               Run
			id                string
			started, finished int64
		)
		if err := rows.Scan(&id, &run.Trigger, &started, &finished,
			&run.Attempted, &run.Updated, &run.Failed, &run.Skipped, &run.Drifted); err != nil {
			return nil, err
		}
		if run.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse run id: %w", err)
		}
		run.StartedAt = fromUnixNano(started)
		run.FinishedAt = fromUnixNano(finished)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteDeal(row rowScanner) (quote.Deal, error) {
	var (
		deal                                   quote.Deal
		chain, status, tokenAmount, amountPaid string
		version, expires, reconciled, drift    int64
		revision, created, updated             int64
	)
	if err := row.Scan(&deal.ID, &chain, &deal.OnChainRef, &status, &version, &deal.Fingerprint,
		&tokenAmount, &amountPaid, &expires, &reconciled, &drift, &deal.DriftReason,
		&revision, &created, &updated); err != nil {
		return quote.Deal{}, err
	}

	var err error
	deal.Chain = quote.Chain(chain)
	if deal.Status, err = quote.ParseStatus(status); err != nil {
		return quote.Deal{}, err
	}
	if deal.TokenAmount, err = decimal.NewFromString(tokenAmount); err != nil {
		return quote.Deal{}, fmt.Errorf("parse token amount: %w", err)
	}
	if deal.AmountPaid, err = decimal.NewFromString(amountPaid); err != nil {
		return quote.Deal{}, fmt.Errorf("parse amount paid: %w", err)
	}
	deal.OnChainVersion = uint64(version)
	deal.ExpiresAt = fromUnixNano(expires)
	deal.LastReconciledAt = fromUnixNano(reconciled)
	deal.DriftFlag = drift != 0
	deal.Revision = uint64(revision)
	deal.CreatedAt = fromUnixNano(created)
	deal.UpdatedAt = fromUnixNano(updated)
	return deal, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Backend = (*SQLiteStore)(nil)
