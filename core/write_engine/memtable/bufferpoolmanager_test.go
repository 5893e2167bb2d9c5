package memtable

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojodoc/core/dberrors"
	flushmanager "github.com/sushant-115/gojodoc/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	"github.com/sushant-115/gojodoc/core/write_engine/wal"
	"go.uber.org/zap"
)

const testMagic = pagemanager.FileMagicHighBit | 0xC0FFEE

type poolEnv struct {
	dir  string
	disk *flushmanager.DiskManager
	wal  *wal.LogManager
	bpm  *BufferPoolManager
}

func openPoolEnv(t *testing.T, dir string, create bool, cacheSize int) *poolEnv {
	t.Helper()
	mode := flushmanager.OpenExisting
	if create {
		mode = flushmanager.CreateTruncate
	}
	disk, err := flushmanager.NewDiskManager(filepath.Join(dir, "pool.db"), mode, nil)
	require.NoError(t, err)
	lm, err := wal.NewLogManager(wal.Config{Path: filepath.Join(dir, "pool.wal")}, disk, testMagic, create, nil, nil)
	require.NoError(t, err)
	_, err = lm.Recover()
	require.NoError(t, err)

	bpm := NewBufferPoolManager(disk, lm, cacheSize, zap.NewNop(), nil)
	if create {
		require.NoError(t, bpm.Create(testMagic))
	} else {
		require.NoError(t, bpm.Open())
	}
	env := &poolEnv{dir: dir, disk: disk, wal: lm, bpm: bpm}
	t.Cleanup(env.close)
	return env
}

func (e *poolEnv) close() {
	e.wal.Close()
	e.disk.Close()
}

// commit pushes b and the shared pages through the WAL.
func (e *poolEnv) commit(t *testing.T, b *wal.Batch) {
	t.Helper()
	var token uint64
	_, err := e.wal.Commit(b, func(b *wal.Batch) error {
		token = e.bpm.AppendShared(b)
		return nil
	})
	require.NoError(t, err)
	e.bpm.ClearShared(token)
}

func TestPoolCreateAndReopen(t *testing.T) {
	dir := t.TempDir()
	env := openPoolEnv(t, dir, true, 8)
	root := env.bpm.Root()
	require.Equal(t, testMagic, root.FileMagic)
	require.Equal(t, pagemanager.PageHandle(3), root.NextAvailable)
	require.Equal(t, pagemanager.FirstObjectID, root.NextObjectID)

	h, err := env.bpm.Allocate()
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageHandle(3), h)
	require.Equal(t, pagemanager.FirstObjectID, env.bpm.NextObjectID())
	env.bpm.SetMetaRoots(7, 8)
	require.NoError(t, env.bpm.CommitShared())
	env.close()

	env = openPoolEnv(t, dir, false, 8)
	root = env.bpm.Root()
	require.Equal(t, pagemanager.PageHandle(4), root.NextAvailable)
	require.Equal(t, pagemanager.FirstObjectID+1, root.NextObjectID)
	require.Equal(t, pagemanager.PageHandle(7), root.MetaCollection)
	require.Equal(t, pagemanager.PageHandle(8), root.MetaNameIndex)
	require.True(t, env.bpm.IsAllocated(3))
	require.False(t, env.bpm.IsAllocated(4))
}

func TestPoolReusesLowestFreeHandle(t *testing.T) {
	env := openPoolEnv(t, t.TempDir(), true, 8)
	var got []pagemanager.PageHandle
	for i := 0; i < 4; i++ {
		h, err := env.bpm.Allocate()
		require.NoError(t, err)
		got = append(got, h)
	}
	require.Equal(t, []pagemanager.PageHandle{3, 4, 5, 6}, got)

	require.NoError(t, env.bpm.Deallocate(4))
	require.False(t, env.bpm.IsAllocated(4))
	h, err := env.bpm.Allocate()
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageHandle(4), h)
	require.Equal(t, pagemanager.PageHandle(7), env.bpm.Root().NextAvailable)
}

func TestPoolDeallocateInvariants(t *testing.T) {
	env := openPoolEnv(t, t.TempDir(), true, 8)
	h, err := env.bpm.Allocate()
	require.NoError(t, err)
	require.NoError(t, env.bpm.Deallocate(h))

	for _, bad := range []pagemanager.PageHandle{
		h, // double free
		pagemanager.NullHandle,
		pagemanager.RootHandle,
		pagemanager.FirstAllocationHandle,
		pagemanager.MaxPageHandle,
		100,
	} {
		err := env.bpm.Deallocate(bad)
		require.True(t, errors.Is(err, dberrors.ErrInternal), "handle %d", bad)
	}
	for _, bad := range []pagemanager.PageHandle{
		pagemanager.NullHandle,
		pagemanager.MaxPageHandle,
		env.bpm.Root().NextAvailable,
		100,
	} {
		_, _, err = env.bpm.Load(bad)
		require.True(t, errors.Is(err, dberrors.ErrInternal), "handle %d", bad)
	}
}

func TestPoolExtendsAllocationChain(t *testing.T) {
	dir := t.TempDir()
	env := openPoolEnv(t, dir, true, 8)
	// handles 3 .. PageCountPerBitmap-1 come from bitmap 0
	for i := 3; i < pagemanager.PageCountPerBitmap; i++ {
		_, err := env.bpm.Allocate()
		require.NoError(t, err)
	}
	h, err := env.bpm.Allocate()
	require.NoError(t, err)
	second := pagemanager.AllocationHandle(1)
	require.Equal(t, second+1, h)
	require.Equal(t, second, env.bpm.Root().LastAllocation)
	require.Equal(t, 2, env.bpm.Stats().Bitmaps)
	require.NoError(t, env.bpm.CommitShared())
	env.close()

	env = openPoolEnv(t, dir, false, 8)
	require.True(t, env.bpm.IsAllocated(second))
	require.True(t, env.bpm.IsAllocated(second+1))
	require.False(t, env.bpm.IsAllocated(second+2))
	stats := env.bpm.Stats()
	require.Equal(t, uint64(pagemanager.PageCountPerBitmap+1), stats.UsedPages)
}

func TestPoolMaxPageCount(t *testing.T) {
	env := openPoolEnv(t, t.TempDir(), true, 8)
	env.bpm.maxHandle = 6
	for i := 0; i < 3; i++ {
		_, err := env.bpm.Allocate()
		require.NoError(t, err)
	}
	_, err := env.bpm.Allocate()
	require.True(t, errors.Is(err, dberrors.ErrMaxPageCountReached))
}

func newLeaf(t *testing.T, h pagemanager.PageHandle, key, value string) *pagemanager.NodePage {
	t.Helper()
	leaf := pagemanager.New(pagemanager.MarkerBTreeLeaf, h).(*pagemanager.NodePage)
	require.True(t, leaf.Slots().TryWrite([]byte(key), []byte(value)))
	return leaf
}

func TestPoolSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	env := openPoolEnv(t, dir, true, 8)
	h, err := env.bpm.Allocate()
	require.NoError(t, err)
	leaf := newLeaf(t, h, "k", "v")
	require.True(t, env.bpm.Adopt(leaf))

	b := env.wal.NewBatch()
	require.NoError(t, env.bpm.Save(b, leaf))
	require.True(t, env.bpm.cache.IsDirty(h))
	env.commit(t, b)
	env.bpm.MarkClean(h)
	env.bpm.Release(h)

	page, pinned, err := env.bpm.Load(h)
	require.NoError(t, err)
	require.True(t, pinned)
	require.Same(t, leaf, page, "cached page is shared")
	env.bpm.Release(h)

	env.bpm.Invalidate(h)
	page, pinned, err = env.bpm.Load(h)
	require.NoError(t, err)
	require.True(t, pinned)
	require.NotSame(t, leaf, page)
	data, _, ok := page.(*pagemanager.NodePage).Slots().TryRead([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v"), data)
	env.bpm.Release(h)
	env.close()

	env = openPoolEnv(t, dir, false, 8)
	page, _, err = env.bpm.Load(h)
	require.NoError(t, err)
	require.Equal(t, pagemanager.MarkerBTreeLeaf, page.Marker())
}

func TestPoolDirtyEvictionParksInWal(t *testing.T) {
	env := openPoolEnv(t, t.TempDir(), true, 1)
	h1, err := env.bpm.Allocate()
	require.NoError(t, err)
	h2, err := env.bpm.Allocate()
	require.NoError(t, err)

	first := newLeaf(t, h1, "a", "1")
	require.True(t, env.bpm.Adopt(first))
	require.NoError(t, env.bpm.Save(env.wal.NewBatch(), first))
	env.bpm.Release(h1)

	second := newLeaf(t, h2, "b", "2")
	require.True(t, env.bpm.Adopt(second), "evicting the dirty page frees the slot")
	_, parked := env.wal.Parked(h1)
	require.True(t, parked)

	require.False(t, env.bpm.Adopt(newLeaf(t, h1, "c", "3")), "only slot is pinned")

	page, pinned, err := env.bpm.Load(h1)
	require.NoError(t, err)
	require.False(t, pinned)
	data, _, ok := page.(*pagemanager.NodePage).Slots().TryRead([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("1"), data)

	require.NoError(t, env.bpm.Deallocate(h1))
	_, parked = env.wal.Parked(h1)
	require.False(t, parked)
}

func TestPoolCachingDisabled(t *testing.T) {
	env := openPoolEnv(t, t.TempDir(), true, 0)
	h, err := env.bpm.Allocate()
	require.NoError(t, err)
	leaf := newLeaf(t, h, "k", "v")
	require.False(t, env.bpm.Adopt(leaf))
	b := env.wal.NewBatch()
	require.NoError(t, env.bpm.Save(b, leaf))
	env.commit(t, b)

	page, pinned, err := env.bpm.Load(h)
	require.NoError(t, err)
	require.False(t, pinned)
	require.Equal(t, h, page.Handle())
}
