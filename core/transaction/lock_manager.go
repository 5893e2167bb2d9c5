package transaction

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sushant-115/gojodoc/core/dberrors"
	internaltelemetry "github.com/sushant-115/gojodoc/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// writeWeight is the whole semaphore. Readers take one unit each, so a
// writer excludes every reader and readers never exclude each other.
const writeWeight = 1 << 20

func weight(mode LockMode) int64 {
	if mode == LockWrite {
		return writeWeight
	}
	return 1
}

// Lock is the reader-writer lock of one object. Waiters are served in
// arrival order, so a queued writer holds back later readers.
type Lock struct {
	id  ObjectID
	sem *semaphore.Weighted
}

// LockManager owns one Lock per live object. Locks are created and removed
// explicitly as collections and indexes come and go.
type LockManager struct {
	mu    sync.RWMutex
	locks map[ObjectID]*Lock

	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// NewLockManager returns an empty lock table.
func NewLockManager(logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *LockManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockManager{
		locks:   make(map[ObjectID]*Lock),
		logger:  logger.With(zap.String("component", "lock_manager")),
		metrics: metrics,
	}
}

// CreateLock registers a lock for id.
func (lm *LockManager) CreateLock(id ObjectID) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if _, ok := lm.locks[id]; ok {
		return dberrors.Newf(dberrors.LockAlreadyExists, "object %d", id)
	}
	lm.locks[id] = &Lock{id: id, sem: semaphore.NewWeighted(writeWeight)}
	return nil
}

// RemoveLock forgets the lock of id. Holders keep their scopes.
func (lm *LockManager) RemoveLock(id ObjectID) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if _, ok := lm.locks[id]; !ok {
		return dberrors.Newf(dberrors.LockDoesNotExist, "object %d", id)
	}
	delete(lm.locks, id)
	return nil
}

// HasLock reports whether id has a lock.
func (lm *LockManager) HasLock(id ObjectID) bool {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	_, ok := lm.locks[id]
	return ok
}

// Len returns the number of registered locks.
func (lm *LockManager) Len() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return len(lm.locks)
}

func (lm *LockManager) lock(id ObjectID) (*Lock, error) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	l, ok := lm.locks[id]
	if !ok {
		return nil, dberrors.Newf(dberrors.LockDoesNotExist, "object %d", id)
	}
	return l, nil
}

// Acquire blocks until id is held in mode or ctx is done.
func (lm *LockManager) Acquire(ctx context.Context, id ObjectID, mode LockMode) (*AcquireScope, error) {
	l, err := lm.lock(id)
	if err != nil {
		return nil, err
	}
	if err := l.sem.Acquire(ctx, weight(mode)); err != nil {
		return nil, err
	}
	return &AcquireScope{lock: l, mode: mode}, nil
}

// TryAcquire waits at most timeout for id. It returns a nil scope and no
// error when the wait timed out.
func (lm *LockManager) TryAcquire(id ObjectID, mode LockMode, timeout time.Duration) (*AcquireScope, error) {
	l, err := lm.lock(id)
	if err != nil {
		return nil, err
	}
	if l.sem.TryAcquire(weight(mode)) {
		return &AcquireScope{lock: l, mode: mode}, nil
	}
	if timeout <= 0 {
		lm.timedOut(id, mode)
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := l.sem.Acquire(ctx, weight(mode)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			lm.timedOut(id, mode)
			return nil, nil
		}
		return nil, err
	}
	return &AcquireScope{lock: l, mode: mode}, nil
}

func (lm *LockManager) timedOut(id ObjectID, mode LockMode) {
	lm.metrics.LockTimeout(mode.String())
	lm.logger.Debug("lock wait timed out", zap.Uint64("object_id", uint64(id)), zap.Stringer("mode", mode))
}

// AcquireScope is a held lock. Release is safe to call any number of
// times from any goroutine; only the first call releases.
type AcquireScope struct {
	lock     *Lock
	mode     LockMode
	released atomic.Bool
}

// ID returns the locked object.
func (s *AcquireScope) ID() ObjectID { return s.lock.id }

// Mode returns the held mode.
func (s *AcquireScope) Mode() LockMode { return s.mode }

// Release gives the lock back.
func (s *AcquireScope) Release() {
	if s == nil || !s.released.CompareAndSwap(false, true) {
		return
	}
	s.lock.sem.Release(weight(s.mode))
}
