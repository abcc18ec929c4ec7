package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableFailFast(t *testing.T) {
	tbl := NewTable()
	release, ok := tbl.TryAcquire("q1")
	require.True(t, ok)

	_, ok = tbl.TryAcquire("q1")
	assert.False(t, ok, "second holder must not wait or succeed")

	other, ok := tbl.TryAcquire("q2")
	require.True(t, ok, "different keys are independent")
	other()

	release()
	release() // idempotent
	assert.Equal(t, 0, tbl.Len(), "released entries are evicted")

	again, ok := tbl.TryAcquire("q1")
	require.True(t, ok)
	again()
}

func TestTableStaleReleaseKeepsNewHolder(t *testing.T) {
	tbl := NewTable()
	first, _ := tbl.TryAcquire("q1")
	first()
	second, ok := tbl.TryAcquire("q1")
	require.True(t, ok)

	first()
	assert.True(t, tbl.Held("q1"), "an old release func must not free the new holder")
	second()
	assert.False(t, tbl.Held("q1"))
}

func TestTableSingleWinnerUnderContention(t *testing.T) {
	tbl := NewTable()
	var (
		winners atomic.Int32
		wg      sync.WaitGroup
		start   = make(chan struct{})
		hold    = make(chan struct{})
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if release, ok := tbl.TryAcquire("hot"); ok {
				winners.Add(1)
				<-hold
				release()
			}
		}()
	}
	close(start)
	time.Sleep(20 * time.Millisecond)
	close(hold)
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, 0, tbl.Len())
}

type fakeAdvisory struct {
	mu   sync.Mutex
	held map[int64]bool
}

func (f *fakeAdvisory) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] {
		return nil, false, nil
	}
	f.held[key] = true
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.held, key)
	}, true, nil
}

func TestPostgresLockerUsesHashedKeys(t *testing.T) {
	adv := &fakeAdvisory{held: map[int64]bool{}}
	a := NewPostgresLocker(adv, PostgresLockerOptions{Namespace: 7})
	b := NewPostgresLocker(adv, PostgresLockerOptions{Namespace: 7})

	unlock, ok, err := a.TryLock(context.Background(), "q1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryLock(context.Background(), "q1")
	require.NoError(t, err)
	assert.False(t, ok, "another instance sees the same advisory key")

	unlock()
	_, ok, _ = b.TryLock(context.Background(), "q1")
	assert.True(t, ok)

	assert.Equal(t, AdvisoryKey(7, "q1"), AdvisoryKey(7, "q1"))
	assert.NotEqual(t, AdvisoryKey(7, "q1"), AdvisoryKey(7, "q2"))
	assert.NotEqual(t, AdvisoryKey(7, "q1"), AdvisoryKey(8, "q1"))
}

// exhaustedPool models a connection pool with no free connection: every
// acquisition waits until its context gives up.
type exhaustedPool struct {
	waits atomic.Int32
}

func (p *exhaustedPool) TryAdvisoryLock(ctx context.Context, _ int64) (func(), bool, error) {
	p.waits.Add(1)
	<-ctx.Done()
	return nil, false, fmt.Errorf("acquire connection: %w", ctx.Err())
}

func TestPostgresLockerReportsBusyWhenPoolExhausted(t *testing.T) {
	pool := &exhaustedPool{}
	locker := NewPostgresLocker(pool, PostgresLockerOptions{Namespace: 7, AcquireTimeout: 20 * time.Millisecond})

	start := time.Now()
	unlock, ok, err := locker.TryLock(context.Background(), "q1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, unlock)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), pool.waits.Load())

	// the caller's own cancellation is still an error
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = locker.TryLock(ctx, "q1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTryWithinPassesThroughResults(t *testing.T) {
	boom := errors.New("boom")
	_, _, err := TryWithin(context.Background(), time.Second, func(context.Context) (func(), bool, error) {
		return nil, false, boom
	})
	assert.ErrorIs(t, err, boom)

	unlock, ok, err := TryWithin(context.Background(), 0, func(ctx context.Context) (func(), bool, error) {
		_, hasDeadline := ctx.Deadline()
		assert.False(t, hasDeadline, "zero timeout leaves ctx unbounded")
		return func() {}, true, nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotNil(t, unlock)
}

func TestRedisLockerSurfacesConnectionErrors(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	l := NewRedisLocker(rdb, RedisLockerOptions{}, zerolog.Nop())
	unlock, ok, err := l.TryLock(context.Background(), "q1")
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Nil(t, unlock)
}

func TestNewRedisClientRejectsBadURL(t *testing.T) {
	_, err := NewRedisClient("not a url")
	assert.Error(t, err)

	c, err := NewRedisClient("redis://localhost:6379/0")
	require.NoError(t, err)
	_ = c.Close()
}
