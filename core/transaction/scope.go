package transaction

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/gojodoc/core/dberrors"
	"github.com/sushant-115/gojodoc/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	"github.com/sushant-115/gojodoc/core/write_engine/wal"
	"go.uber.org/zap"
)

// Options bounds the transactions a Manager hands out.
type Options struct {
	// LockTimeout bounds every lock wait. Zero waits until the context is done.
	LockTimeout time.Duration
	// MaxConcurrentTransactions caps open scopes. Zero means unlimited.
	MaxConcurrentTransactions int
}

// Manager begins transaction scopes over one database.
type Manager struct {
	pool  *memtable.BufferPoolManager
	wal   *wal.LogManager
	locks *LockManager
	opts  Options

	active atomic.Int64
	nextID atomic.Uint64

	logger *zap.Logger
}

// NewManager wires the pool, WAL and lock table together.
func NewManager(pool *memtable.BufferPoolManager, logManager *wal.LogManager, locks *LockManager,
	opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		pool:   pool,
		wal:    logManager,
		locks:  locks,
		opts:   opts,
		logger: logger.With(zap.String("component", "transaction")),
	}
}

// Locks returns the lock table.
func (m *Manager) Locks() *LockManager { return m.locks }

// Pool returns the page pool.
func (m *Manager) Pool() *memtable.BufferPoolManager { return m.pool }

// Active returns the number of open scopes.
func (m *Manager) Active() int { return int(m.active.Load()) }

type scopeKey struct{}

// FromContext returns the scope carried by ctx, if any.
func FromContext(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

// Begin opens a scope holding every target. Locks are taken in ascending
// ObjectID order; a Write target wins over a Read target on the same id.
// The returned context carries the scope, and beginning another scope from
// it fails with NestedTransaction.
func (m *Manager) Begin(ctx context.Context, targets ...Target) (*Scope, context.Context, error) {
	if FromContext(ctx) != nil {
		return nil, ctx, dberrors.ErrNestedTransaction
	}
	if limit := m.opts.MaxConcurrentTransactions; limit > 0 {
		if m.active.Add(1) > int64(limit) {
			m.active.Add(-1)
			return nil, ctx, dberrors.Newf(dberrors.MaxTransactionCountReached, "%d transactions open", limit)
		}
	} else {
		m.active.Add(1)
	}

	s := &Scope{
		id:      m.nextID.Add(1),
		traceID: uuid.NewString(),
		m:       m,
		held:    make(map[ObjectID]*AcquireScope),
		pages:   make(map[pagemanager.PageHandle]*scopePage),
		fresh:   make(map[pagemanager.PageHandle]bool),
		batch:   m.wal.NewBatch(),
		started: time.Now(),
	}
	if err := s.acquire(ctx, targets); err != nil {
		s.releaseLocks()
		m.active.Add(-1)
		return nil, ctx, err
	}
	s.logger = m.logger.With(zap.Uint64("txn_id", s.id), zap.String("trace_id", s.traceID))
	s.logger.Debug("transaction started", zap.Stringers("targets", targets))
	return s, context.WithValue(ctx, scopeKey{}, s), nil
}

func normalizeTargets(targets []Target) []Target {
	modes := make(map[ObjectID]LockMode, len(targets))
	for _, t := range targets {
		if cur, ok := modes[t.ID]; !ok || t.Mode > cur {
			modes[t.ID] = t.Mode
		}
	}
	out := make([]Target, 0, len(modes))
	for id, mode := range modes {
		out = append(out, Target{ID: id, Mode: mode})
	}
	slices.SortFunc(out, func(a, b Target) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (s *Scope) acquire(ctx context.Context, targets []Target) error {
	for _, t := range normalizeTargets(targets) {
		if held, ok := s.held[t.ID]; ok {
			if t.Mode == LockWrite && held.Mode() != LockWrite {
				return dberrors.Newf(dberrors.LockUpgradeNotSupported, "object %d", t.ID)
			}
			continue
		}
		var (
			scope *AcquireScope
			err   error
		)
		if s.m.opts.LockTimeout > 0 {
			scope, err = s.m.locks.TryAcquire(t.ID, t.Mode, s.m.opts.LockTimeout)
			if err == nil && scope == nil {
				err = dberrors.Newf(dberrors.TransactionAcquireLockTimeout, "%s after %s", t, s.m.opts.LockTimeout)
			}
		} else {
			scope, err = s.m.locks.Acquire(ctx, t.ID, t.Mode)
		}
		if err != nil {
			return err
		}
		s.held[t.ID] = scope
		if t.Mode == LockWrite {
			s.writable = true
		}
	}
	return nil
}

type scopePage struct {
	page   pagemanager.Page
	pinned bool
	refs   int
	dirty  bool
}

// Scope is one unit of work. Every page it loads stays reachable through
// the scope, so later loads observe its earlier writes. A write scope keeps
// its pages pinned until it completes; a read-only scope unpins a page once
// every load of it has been released.
//
// A Scope is not safe for concurrent use.
type Scope struct {
	id      uint64
	traceID string
	m       *Manager
	state   TransactionState

	held     map[ObjectID]*AcquireScope
	writable bool

	pages map[pagemanager.PageHandle]*scopePage
	// fresh holds pages allocated by this scope and not yet committed.
	fresh map[pagemanager.PageHandle]bool
	freed []pagemanager.PageHandle
	batch *wal.Batch

	afterCommit   []func()
	afterRollback []func()

	started time.Time
	logger  *zap.Logger
}

// ID returns the scope's sequence number.
func (s *Scope) ID() uint64 { return s.id }

// TraceID returns a random id for log correlation.
func (s *Scope) TraceID() string { return s.traceID }

// State returns the lifecycle state.
func (s *Scope) State() TransactionState { return s.state }

// Writable reports whether the scope holds at least one write lock.
func (s *Scope) Writable() bool { return s.writable }

// Require checks that the scope holds id in at least mode.
func (s *Scope) Require(id ObjectID, mode LockMode) error {
	held, ok := s.held[id]
	if !ok {
		return dberrors.Newf(dberrors.TransactionTargetMismatch, "object %d is not a target", id)
	}
	if mode == LockWrite && held.Mode() != LockWrite {
		return dberrors.Newf(dberrors.LockUpgradeNotSupported, "object %d is held for reading", id)
	}
	return nil
}

// Extend acquires more targets. Callers use it only for locks that are
// always taken after one the scope already holds, such as the index locks
// of a locked collection, so the ascending order of Begin still holds.
func (s *Scope) Extend(ctx context.Context, targets ...Target) error {
	if err := s.running(); err != nil {
		return err
	}
	return s.acquire(ctx, targets)
}

// AfterCommit registers fn to run once the scope has committed. Hooks run
// before the scope's locks are released, so state they publish is in place
// by the time the next holder of those locks proceeds.
func (s *Scope) AfterCommit(fn func()) { s.afterCommit = append(s.afterCommit, fn) }

// AfterRollback registers fn to run if the scope rolls back, before its
// locks are released.
func (s *Scope) AfterRollback(fn func()) { s.afterRollback = append(s.afterRollback, fn) }

func (s *Scope) running() error {
	if s.state != TxnStateRunning {
		return dberrors.Newf(dberrors.TransactionAlreadyCompleted, "transaction %d is %s", s.id, s.state)
	}
	return nil
}

func (s *Scope) requireWritable() error {
	if err := s.running(); err != nil {
		return err
	}
	if !s.writable {
		return dberrors.Newf(dberrors.TransactionReadOnly, "transaction %d", s.id)
	}
	return nil
}

// LoadPage returns page h. Every call must be paired with ReleasePage.
func (s *Scope) LoadPage(h pagemanager.PageHandle) (pagemanager.Page, error) {
	if err := s.running(); err != nil {
		return nil, err
	}
	if sp, ok := s.pages[h]; ok {
		sp.refs++
		return sp.page, nil
	}
	if slices.Contains(s.freed, h) {
		return nil, dberrors.Newf(dberrors.InternalError, "transaction %d loads freed page %d", s.id, h)
	}
	page, pinned, err := s.m.pool.Load(h)
	if err != nil {
		return nil, err
	}
	s.pages[h] = &scopePage{page: page, pinned: pinned, refs: 1}
	return page, nil
}

// ReleasePage ends one LoadPage or AllocatePage use of h.
func (s *Scope) ReleasePage(h pagemanager.PageHandle) {
	sp, ok := s.pages[h]
	if !ok || sp.refs == 0 {
		return
	}
	sp.refs--
	if sp.refs > 0 || s.writable {
		return
	}
	if sp.pinned {
		s.m.pool.Release(h)
	}
	delete(s.pages, h)
}

// SavePage records that p changed. Its image is buffered immediately, so
// the buffered-page limit is enforced here, and refreshed at commit.
func (s *Scope) SavePage(p pagemanager.Page) error {
	if err := s.requireWritable(); err != nil {
		return err
	}
	h := p.Handle()
	sp, ok := s.pages[h]
	if !ok {
		return dberrors.Newf(dberrors.InternalError, "transaction %d saves page %d it never loaded", s.id, h)
	}
	if sp.page != p {
		return dberrors.Newf(dberrors.InternalError, "transaction %d saves a stale copy of page %d", s.id, h)
	}
	if err := s.m.pool.Save(s.batch, p); err != nil {
		return err
	}
	sp.dirty = true
	return nil
}

// AllocatePage claims a handle and returns an empty page of kind marker.
// The page counts as loaded once and as dirty.
func (s *Scope) AllocatePage(marker pagemanager.Marker) (pagemanager.Page, error) {
	if err := s.requireWritable(); err != nil {
		return nil, err
	}
	h, err := s.m.pool.Allocate()
	if err != nil {
		return nil, err
	}
	page := pagemanager.New(marker, h)
	pinned := s.m.pool.Adopt(page)
	s.pages[h] = &scopePage{page: page, pinned: pinned, refs: 1, dirty: true}
	s.fresh[h] = true
	if err := s.m.pool.Save(s.batch, page); err != nil {
		return nil, err
	}
	return page, nil
}

// FreePage deallocates h. Pages allocated by this scope are released at
// once; committed pages are released by the commit.
func (s *Scope) FreePage(h pagemanager.PageHandle) error {
	if err := s.requireWritable(); err != nil {
		return err
	}
	if sp, ok := s.pages[h]; ok {
		if sp.pinned {
			s.m.pool.Release(h)
		}
		delete(s.pages, h)
	}
	s.batch.Drop(h)
	if s.fresh[h] {
		delete(s.fresh, h)
		return s.m.pool.Deallocate(h)
	}
	if slices.Contains(s.freed, h) {
		return dberrors.Newf(dberrors.InternalError, "transaction %d frees page %d twice", s.id, h)
	}
	s.freed = append(s.freed, h)
	return nil
}

// Commit makes every change durable and releases the scope. A commit that
// fails before reaching the WAL rolls the scope back.
func (s *Scope) Commit() error {
	if err := s.running(); err != nil {
		return err
	}
	if !s.writable || (s.batch.Len() == 0 && len(s.freed) == 0) {
		s.finish(TxnStateCommitted, s.afterCommit)
		return nil
	}

	for h, sp := range s.pages {
		if !sp.dirty {
			continue
		}
		if err := s.m.pool.Save(s.batch, sp.page); err != nil {
			s.Rollback()
			return fmt.Errorf("failed to buffer page %d: %w", h, err)
		}
	}

	var (
		token    uint64
		released []pagemanager.PageHandle
	)
	lsn, err := s.m.wal.Commit(s.batch, func(b *wal.Batch) error {
		for _, h := range s.freed {
			if err := s.m.pool.FreeInBatch(b, h); err != nil {
				return err
			}
			released = append(released, h)
		}
		token = s.m.pool.AppendShared(b)
		return nil
	})
	if err != nil {
		if lsn != pagemanager.InvalidLSN {
			// durable in the WAL; the next open replays it
			s.logger.Error("commit durable but not applied", zap.Uint64("lsn", uint64(lsn)), zap.Error(err))
			s.finish(TxnStateCommitted, nil)
			return err
		}
		for _, h := range released {
			s.m.pool.Reclaim(h)
		}
		s.logger.Warn("commit failed", zap.Error(err))
		s.Rollback()
		return err
	}

	for h := range s.pages {
		s.m.pool.MarkClean(h)
	}
	s.m.pool.ClearShared(token)
	s.logger.Debug("transaction committed", zap.Uint64("lsn", uint64(lsn)),
		zap.Int("pages", s.batch.Len()), zap.Int("freed", len(s.freed)))
	s.finish(TxnStateCommitted, s.afterCommit)
	return nil
}

// Rollback discards every change and releases the scope. It is a no-op on a
// completed scope, so it can be deferred right after Begin.
func (s *Scope) Rollback() {
	if s.state != TxnStateRunning {
		return
	}
	if s.writable {
		for h := range s.pages {
			s.m.pool.Invalidate(h)
		}
		clear(s.pages)
		for h := range s.fresh {
			if err := s.m.pool.Deallocate(h); err != nil {
				s.logger.Error("failed to release page allocated by rolled back transaction",
					zap.Uint64("page", uint64(h)), zap.Error(err))
			}
		}
		clear(s.fresh)
	}
	s.logger.Debug("transaction rolled back")
	s.finish(TxnStateAborted, s.afterRollback)
}

func (s *Scope) finish(state TransactionState, hooks []func()) {
	for h, sp := range s.pages {
		if sp.pinned {
			s.m.pool.Release(h)
		}
	}
	clear(s.pages)
	s.batch.Reset()
	s.state = state
	for _, fn := range hooks {
		fn()
	}
	s.releaseLocks()
	s.m.active.Add(-1)
}

func (s *Scope) releaseLocks() {
	for id, held := range s.held {
		held.Release()
		delete(s.held, id)
	}
}
