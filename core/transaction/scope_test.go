package transaction

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojodoc/core/dberrors"
	flushmanager "github.com/sushant-115/gojodoc/core/write_engine/flush_manager"
	"github.com/sushant-115/gojodoc/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	"github.com/sushant-115/gojodoc/core/write_engine/wal"
	"go.uber.org/zap/zaptest"
)

func newManager(t *testing.T, opts Options, walConfig wal.Config) *Manager {
	t.Helper()
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)
	disk, err := flushmanager.NewDiskManager(filepath.Join(dir, "txn.db"), flushmanager.CreateTruncate, logger)
	require.NoError(t, err)
	walConfig.Path = filepath.Join(dir, "txn.wal")
	lm, err := wal.NewLogManager(walConfig, disk, pagemanager.FileMagicHighBit|1, true, logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		lm.Close()
		disk.Close()
	})
	pool := memtable.NewBufferPoolManager(disk, lm, 64, logger, nil)
	require.NoError(t, pool.Create(pagemanager.FileMagicHighBit|1))

	locks := NewLockManager(logger, nil)
	require.NoError(t, locks.CreateLock(MetaObjectID))
	require.NoError(t, locks.CreateLock(2))
	require.NoError(t, locks.CreateLock(3))
	return NewManager(pool, lm, locks, opts, logger)
}

func writeLeaf(t *testing.T, s *Scope, key, value string) pagemanager.PageHandle {
	t.Helper()
	page, err := s.AllocatePage(pagemanager.MarkerBTreeLeaf)
	require.NoError(t, err)
	leaf := page.(*pagemanager.NodePage)
	require.True(t, leaf.Slots().TryWrite([]byte(key), []byte(value)))
	require.NoError(t, s.SavePage(leaf))
	s.ReleasePage(leaf.Handle())
	return leaf.Handle()
}

func readLeaf(t *testing.T, s *Scope, h pagemanager.PageHandle, key string) (string, bool) {
	t.Helper()
	page, err := s.LoadPage(h)
	require.NoError(t, err)
	defer s.ReleasePage(h)
	data, _, ok := page.(*pagemanager.NodePage).Slots().TryRead([]byte(key))
	return string(data), ok
}

func TestScopeCommitIsVisible(t *testing.T) {
	m := newManager(t, Options{}, wal.Config{})
	ctx := context.Background()

	s, _, err := m.Begin(ctx, Write(2))
	require.NoError(t, err)
	h := writeLeaf(t, s, "k", "v1")
	v, ok := readLeaf(t, s, h, "k")
	require.True(t, ok)
	require.Equal(t, "v1", v, "read your own writes")
	require.NoError(t, s.Commit())
	require.Equal(t, TxnStateCommitted, s.State())
	require.Equal(t, 0, m.Active())

	r, _, err := m.Begin(ctx, Read(2))
	require.NoError(t, err)
	defer r.Rollback()
	v, ok = readLeaf(t, r, h, "k")
	require.True(t, ok)
	require.Equal(t, "v1", v)
	require.True(t, m.Pool().IsAllocated(h))
}

func TestScopeRollbackDiscards(t *testing.T) {
	m := newManager(t, Options{}, wal.Config{})
	ctx := context.Background()

	s, _, err := m.Begin(ctx, Write(2))
	require.NoError(t, err)
	h := writeLeaf(t, s, "k", "v1")
	require.NoError(t, s.Commit())

	s, _, err = m.Begin(ctx, Write(2))
	require.NoError(t, err)
	page, err := s.LoadPage(h)
	require.NoError(t, err)
	leaf := page.(*pagemanager.NodePage)
	require.True(t, leaf.Slots().TryWrite([]byte("k"), []byte("v2")))
	require.NoError(t, s.SavePage(leaf))
	s.ReleasePage(h)
	fresh := writeLeaf(t, s, "x", "y")
	s.Rollback()
	require.Equal(t, TxnStateAborted, s.State())
	require.False(t, m.Pool().IsAllocated(fresh))

	r, _, err := m.Begin(ctx, Read(2))
	require.NoError(t, err)
	defer r.Rollback()
	v, ok := readLeaf(t, r, h, "k")
	require.True(t, ok)
	require.Equal(t, "v1", v)
}

func TestScopeFreePageOnCommit(t *testing.T) {
	m := newManager(t, Options{}, wal.Config{})
	ctx := context.Background()

	s, _, err := m.Begin(ctx, Write(2))
	require.NoError(t, err)
	h := writeLeaf(t, s, "k", "v")
	require.NoError(t, s.Commit())

	s, _, err = m.Begin(ctx, Write(2))
	require.NoError(t, err)
	require.NoError(t, s.FreePage(h))
	require.True(t, m.Pool().IsAllocated(h), "committed pages are released by the commit")
	_, err = s.LoadPage(h)
	require.True(t, errors.Is(err, dberrors.ErrInternal))
	require.NoError(t, s.Commit())
	require.False(t, m.Pool().IsAllocated(h))

	s, _, err = m.Begin(ctx, Write(2))
	require.NoError(t, err)
	reused := writeLeaf(t, s, "a", "b")
	require.Equal(t, h, reused)
	require.NoError(t, s.FreePage(reused))
	require.False(t, m.Pool().IsAllocated(reused), "fresh pages are released at once")
	require.NoError(t, s.Commit())
}

func TestScopeUsageContract(t *testing.T) {
	m := newManager(t, Options{}, wal.Config{})
	ctx := context.Background()

	s, sctx, err := m.Begin(ctx, Read(2), Write(3))
	require.NoError(t, err)
	require.Same(t, s, FromContext(sctx))

	_, _, err = m.Begin(sctx, Read(2))
	require.True(t, errors.Is(err, dberrors.ErrNestedTransaction))

	require.NoError(t, s.Require(2, LockRead))
	require.NoError(t, s.Require(3, LockWrite))
	require.True(t, errors.Is(s.Require(2, LockWrite), dberrors.ErrLockUpgrade))
	require.True(t, errors.Is(s.Require(MetaObjectID, LockRead), dberrors.ErrTargetMismatch))
	require.True(t, errors.Is(s.Extend(ctx, Write(2)), dberrors.ErrLockUpgrade))
	require.NoError(t, s.Extend(ctx, Read(MetaObjectID)))
	require.NoError(t, s.Require(MetaObjectID, LockRead))

	require.NoError(t, s.Commit())
	require.True(t, errors.Is(s.Commit(), dberrors.ErrTransactionCompleted))
	s.Rollback()

	r, _, err := m.Begin(ctx, Read(2))
	require.NoError(t, err)
	_, err = r.AllocatePage(pagemanager.MarkerBTreeLeaf)
	require.True(t, errors.Is(err, dberrors.ErrTransactionReadOnly))
	require.NoError(t, r.Commit())
}

func TestBeginLockTimeout(t *testing.T) {
	m := newManager(t, Options{LockTimeout: 20 * time.Millisecond}, wal.Config{})
	ctx := context.Background()

	w, _, err := m.Begin(ctx, Write(2))
	require.NoError(t, err)

	_, _, err = m.Begin(ctx, Read(2), Read(MetaObjectID))
	require.True(t, errors.Is(err, dberrors.ErrLockTimeout))
	require.Equal(t, 1, m.Active())

	// the catalog lock taken before the timeout was given back
	other, _, err := m.Begin(ctx, Write(MetaObjectID))
	require.NoError(t, err)
	other.Rollback()
	w.Rollback()

	_, _, err = m.Begin(ctx, Read(99))
	require.True(t, errors.Is(err, dberrors.ErrLockDoesNotExist))
	require.Equal(t, 0, m.Active())
}

func TestMaxConcurrentTransactions(t *testing.T) {
	m := newManager(t, Options{MaxConcurrentTransactions: 2}, wal.Config{})
	ctx := context.Background()

	a, _, err := m.Begin(ctx, Read(2))
	require.NoError(t, err)
	b, _, err := m.Begin(ctx, Read(3))
	require.NoError(t, err)
	_, _, err = m.Begin(ctx, Read(MetaObjectID))
	require.True(t, errors.Is(err, dberrors.ErrMaxTransactionCount))

	a.Rollback()
	c, _, err := m.Begin(ctx, Read(MetaObjectID))
	require.NoError(t, err)
	b.Rollback()
	c.Rollback()
}

func TestBufferedPageLimit(t *testing.T) {
	m := newManager(t, Options{}, wal.Config{MaxBufferedPageCount: 2})
	s, _, err := m.Begin(context.Background(), Write(2))
	require.NoError(t, err)
	defer s.Rollback()

	writeLeaf(t, s, "a", "1")
	writeLeaf(t, s, "b", "2")
	_, err = s.AllocatePage(pagemanager.MarkerBTreeLeaf)
	require.True(t, errors.Is(err, dberrors.ErrMaxWalCommitNumber))
}

func TestAfterHooks(t *testing.T) {
	m := newManager(t, Options{}, wal.Config{})
	ctx := context.Background()
	var committed, rolledBack int

	s, _, err := m.Begin(ctx, Write(2))
	require.NoError(t, err)
	s.AfterCommit(func() { committed++ })
	s.AfterRollback(func() { rolledBack++ })
	writeLeaf(t, s, "a", "1")
	require.NoError(t, s.Commit())

	s, _, err = m.Begin(ctx, Write(2))
	require.NoError(t, err)
	s.AfterCommit(func() { committed++ })
	s.AfterRollback(func() { rolledBack++ })
	s.Rollback()
	s.Rollback()
	require.Equal(t, 1, committed)
	require.Equal(t, 1, rolledBack)
}
