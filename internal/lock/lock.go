// Package lock provides fail-fast per-deal exclusion. Acquisition never waits:
// a caller that loses the race is told so and moves on.
package lock

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// DefaultAcquireTimeout bounds how long a lock backend may wait for a free
// connection before the key is reported as busy.
const DefaultAcquireTimeout = 250 * time.Millisecond

// Locker is a non-blocking keyed lock. unlock is nil when acquired is false.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), acquired bool, err error)
}

type slot struct {
	token uint64
}

// Table is the in-process lock: a map of held keys under one mutex. Entries
// exist only while held, so the map never outgrows the in-flight set.
type Table struct {
	mu    sync.Mutex
	held  map[string]slot
	token uint64
}

// NewTable creates an empty lock table.
func NewTable() *Table {
	return &Table{held: make(map[string]slot)}
}

// TryAcquire takes key if it is free. The returned release is idempotent.
func (t *Table) TryAcquire(key string) (release func(), ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, busy := t.held[key]; busy {
		return nil, false
	}
	t.token++
	mine := slot{token: t.token}
	t.held[key] = mine

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if cur, ok := t.held[key]; ok && cur == mine {
				delete(t.held, key)
			}
		})
	}, true
}

// TryLock adapts the table to Locker.
func (t *Table) TryLock(_ context.Context, key string) (func(), bool, error) {
	release, ok := t.TryAcquire(key)
	return release, ok, nil
}

// Held reports whether key is currently locked.
func (t *Table) Held(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.held[key]
	return ok
}

// Len is the number of keys currently held.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.held)
}

// TryWithin runs try under timeout. A try that runs out of time while the
// parent ctx is still live reports the key as not acquired instead of
// failing: a backend starved of connections must not hold its caller.
func TryWithin(ctx context.Context, timeout time.Duration, try func(context.Context) (func(), bool, error)) (func(), bool, error) {
	if timeout <= 0 {
		return try(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	unlock, acquired, err := try(tctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, false, nil
		}
		return nil, false, err
	}
	return unlock, acquired, nil
}

// AdvisoryKey maps a string key onto the int64 space of Postgres advisory locks.
func AdvisoryKey(namespace int64, key string) int64 {
	sum := blake3.Sum256([]byte(key))
	return int64(binary.BigEndian.Uint64(sum[:8])) ^ namespace
}

var _ Locker = (*Table)(nil)
