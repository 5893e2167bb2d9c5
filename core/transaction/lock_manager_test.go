package transaction

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojodoc/core/dberrors"
	"golang.org/x/sync/errgroup"
)

func TestLockLifetime(t *testing.T) {
	lm := NewLockManager(nil, nil)
	require.NoError(t, lm.CreateLock(7))
	require.True(t, errors.Is(lm.CreateLock(7), dberrors.ErrLockAlreadyExists))
	require.True(t, lm.HasLock(7))

	require.NoError(t, lm.RemoveLock(7))
	require.True(t, errors.Is(lm.RemoveLock(7), dberrors.ErrLockDoesNotExist))

	_, err := lm.Acquire(context.Background(), 7, LockRead)
	require.True(t, errors.Is(err, dberrors.ErrLockDoesNotExist))
	_, err = lm.TryAcquire(7, LockRead, time.Millisecond)
	require.True(t, errors.Is(err, dberrors.ErrLockDoesNotExist))
}

func TestWriteLockIsExclusive(t *testing.T) {
	lm := NewLockManager(nil, nil)
	require.NoError(t, lm.CreateLock(1))

	var holders, maxHolders atomic.Int32
	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				scope, err := lm.Acquire(context.Background(), 1, LockWrite)
				if err != nil {
					return err
				}
				n := holders.Add(1)
				for {
					cur := maxHolders.Load()
					if n <= cur || maxHolders.CompareAndSwap(cur, n) {
						break
					}
				}
				holders.Add(-1)
				scope.Release()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), maxHolders.Load())
}

func TestReadersShareWritersExclude(t *testing.T) {
	lm := NewLockManager(nil, nil)
	require.NoError(t, lm.CreateLock(1))

	r1, err := lm.TryAcquire(1, LockRead, 0)
	require.NoError(t, err)
	require.NotNil(t, r1)
	r2, err := lm.TryAcquire(1, LockRead, 0)
	require.NoError(t, err)
	require.NotNil(t, r2)

	w, err := lm.TryAcquire(1, LockWrite, 10*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, w, "writer must time out while readers hold the lock")

	r1.Release()
	r2.Release()
	w, err = lm.TryAcquire(1, LockWrite, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, w)

	r3, err := lm.TryAcquire(1, LockRead, 10*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, r3)
	w.Release()
}

func TestAcquireScopeReleasesOnce(t *testing.T) {
	lm := NewLockManager(nil, nil)
	require.NoError(t, lm.CreateLock(1))
	w, err := lm.Acquire(context.Background(), 1, LockWrite)
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			w.Release()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// a second release would have over-credited the semaphore and let two
	// writers in
	w1, err := lm.TryAcquire(1, LockWrite, 0)
	require.NoError(t, err)
	require.NotNil(t, w1)
	w2, err := lm.TryAcquire(1, LockWrite, 0)
	require.NoError(t, err)
	require.Nil(t, w2)
	w1.Release()
}

func TestAcquireHonoursContext(t *testing.T) {
	lm := NewLockManager(nil, nil)
	require.NoError(t, lm.CreateLock(1))
	w, err := lm.Acquire(context.Background(), 1, LockWrite)
	require.NoError(t, err)
	defer w.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = lm.Acquire(ctx, 1, LockRead)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
