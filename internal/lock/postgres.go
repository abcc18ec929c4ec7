package lock

import (
	"context"
	"time"

	"otc-reconciler/internal/storage"
)

// PostgresLockerOptions configure the advisory lock backend.
type PostgresLockerOptions struct {
	// Namespace is mixed into every deal key so deal locks never collide
	// with the sweep lock key.
	Namespace int64
	// AcquireTimeout bounds the wait for a pooled connection. Zero uses
	// DefaultAcquireTimeout.
	AcquireTimeout time.Duration
}

// PostgresLocker shares per-deal exclusion across instances through
// session-level advisory locks. A held lock pins one pooled connection until
// it is released.
type PostgresLocker struct {
	locker storage.AdvisoryLocker
	opts   PostgresLockerOptions
}

// NewPostgresLocker wraps an advisory lock provider.
func NewPostgresLocker(locker storage.AdvisoryLocker, opts PostgresLockerOptions) *PostgresLocker {
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}
	return &PostgresLocker{locker: locker, opts: opts}
}

// TryLock takes the advisory lock for key without waiting. When the pool has
// no free connection within AcquireTimeout the key is reported busy.
func (p *PostgresLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	advisoryKey := AdvisoryKey(p.opts.Namespace, key)
	return TryWithin(ctx, p.opts.AcquireTimeout, func(ctx context.Context) (func(), bool, error) {
		return p.locker.TryAdvisoryLock(ctx, advisoryKey)
	})
}

var _ Locker = (*PostgresLocker)(nil)
