package memtable

import (
	"fmt"
	"sync"

	"github.com/sushant-115/gojodoc/core/dberrors"
	flushmanager "github.com/sushant-115/gojodoc/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	"github.com/sushant-115/gojodoc/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojodoc/internal/telemetry"
	"go.uber.org/zap"
)

// BufferPoolManager translates page handles into decoded pages. Reads go
// through the page cache, then the WAL's parked images, then the database
// file. Writes never touch the file directly: Save buffers the encoded page
// in the caller's WAL batch and the WAL applies it at commit.
//
// The root page and the allocation chain are shared by every transaction and
// live outside the cache. They are guarded by allocMu and reach the WAL
// through AppendShared, which commits call while holding the WAL lock.
type BufferPoolManager struct {
	disk  *flushmanager.DiskManager
	wal   *wal.LogManager
	cache *Cache[pagemanager.PageHandle, pagemanager.Page]

	allocMu     sync.Mutex
	root        *pagemanager.RootPage
	allocations []*pagemanager.AllocationPage
	rootDirty   bool
	allocDirty  map[pagemanager.PageHandle]struct{}
	version     uint64
	maxHandle   pagemanager.PageHandle

	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// Stats is a point-in-time summary of the pool.
type Stats struct {
	FileMagic    uint64
	PageCount    uint64
	UsedPages    uint64
	Bitmaps      int
	CachedPages  int
	NextObjectID uint64
}

// NewBufferPoolManager creates a pool caching at most cacheSize pages.
// A cacheSize of zero disables caching. Call Create or Open before use.
func NewBufferPoolManager(disk *flushmanager.DiskManager, logManager *wal.LogManager, cacheSize int,
	logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *BufferPoolManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	bpm := &BufferPoolManager{
		disk:       disk,
		wal:        logManager,
		allocDirty: make(map[pagemanager.PageHandle]struct{}),
		maxHandle:  pagemanager.MaxPageHandle,
		logger:     logger.With(zap.String("component", "buffer_pool")),
		metrics:    metrics,
	}
	bpm.cache = NewCache[pagemanager.PageHandle, pagemanager.Page](cacheSize, bpm.park, logger, metrics)
	return bpm
}

// park moves an evicted dirty page into the WAL so that later loads still
// observe it and the next commit persists it.
func (bpm *BufferPoolManager) park(h pagemanager.PageHandle, p pagemanager.Page) error {
	bpm.wal.Park(h, pagemanager.Encode(p))
	return nil
}

// Create bootstraps an empty database: the root page and bitmap 0 with the
// null, root and bitmap handles marked used. Both pages are committed
// before Create returns.
func (bpm *BufferPoolManager) Create(fileMagic uint64) error {
	root := pagemanager.New(pagemanager.MarkerRoot, pagemanager.RootHandle).(*pagemanager.RootPage)
	root.FileMagic = fileMagic | pagemanager.FileMagicHighBit
	root.NextAvailable = pagemanager.FirstAllocationHandle + 1
	root.FirstAllocation = pagemanager.FirstAllocationHandle
	root.LastAllocation = pagemanager.FirstAllocationHandle
	root.NextObjectID = pagemanager.FirstObjectID

	first := pagemanager.New(pagemanager.MarkerAllocation, pagemanager.FirstAllocationHandle).(*pagemanager.AllocationPage)
	first.MarkUsed(pagemanager.NullHandle)
	first.MarkUsed(pagemanager.RootHandle)
	first.MarkUsed(pagemanager.FirstAllocationHandle)

	bpm.allocMu.Lock()
	bpm.root = root
	bpm.allocations = []*pagemanager.AllocationPage{first}
	bpm.rootDirty = true
	bpm.allocDirty[first.Handle()] = struct{}{}
	bpm.version++
	bpm.allocMu.Unlock()

	if err := bpm.CommitShared(); err != nil {
		return fmt.Errorf("failed to write initial pages: %w", err)
	}
	bpm.logger.Info("created database file", zap.String("path", bpm.disk.Path()),
		zap.String("file_magic", fmt.Sprintf("%#x", root.FileMagic)))
	return nil
}

// Open reads and validates the root page and loads the allocation chain.
func (bpm *BufferPoolManager) Open() error {
	page, err := bpm.readPage(pagemanager.RootHandle)
	if err != nil {
		return fmt.Errorf("failed to read root page: %w", err)
	}
	root, ok := page.(*pagemanager.RootPage)
	if !ok {
		return dberrors.Newf(dberrors.InvalidDatabaseState, "page 1 is a %s page", page.Marker())
	}
	if err := root.Validate(); err != nil {
		return err
	}

	var chain []*pagemanager.AllocationPage
	for h := root.FirstAllocation; !h.IsNull(); {
		ordinal := uint64(len(chain))
		if h != pagemanager.AllocationHandle(ordinal) {
			return dberrors.Newf(dberrors.InvalidDatabaseState, "bitmap %d found at page %d", ordinal, h)
		}
		page, err := bpm.readPage(h)
		if err != nil {
			return fmt.Errorf("failed to read bitmap %d: %w", ordinal, err)
		}
		a, ok := page.(*pagemanager.AllocationPage)
		if !ok || a.Ordinal != ordinal {
			return dberrors.Newf(dberrors.InvalidDatabaseState, "page %d is not bitmap %d", h, ordinal)
		}
		chain = append(chain, a)
		h = a.Next
	}
	if last := chain[len(chain)-1].Handle(); last != root.LastAllocation {
		return dberrors.Newf(dberrors.InvalidDatabaseState,
			"allocation chain ends at page %d, root names page %d", last, root.LastAllocation)
	}

	bpm.allocMu.Lock()
	bpm.root = root
	bpm.allocations = chain
	bpm.allocMu.Unlock()
	bpm.logger.Info("opened database file", zap.String("path", bpm.disk.Path()),
		zap.Int("bitmaps", len(chain)), zap.Uint64("next_available", uint64(root.NextAvailable)))
	return nil
}

func (bpm *BufferPoolManager) readPage(h pagemanager.PageHandle) (pagemanager.Page, error) {
	buf, ok := bpm.wal.Parked(h)
	if !ok {
		buf = make([]byte, pagemanager.PageLength)
		if err := bpm.disk.ReadAt(buf, h.Offset()); err != nil {
			return nil, err
		}
	}
	return pagemanager.Decode(h, buf)
}

// invariant logs a broken internal invariant and returns it as InternalError.
// Development loggers panic on DPanic.
func (bpm *BufferPoolManager) invariant(format string, args ...any) error {
	err := dberrors.Newf(dberrors.InternalError, format, args...)
	bpm.logger.DPanic("page pool invariant violated", zap.Error(err))
	return err
}

// Allocate claims the lowest free handle, extending the bitmap chain when
// every bitmap is full.
func (bpm *BufferPoolManager) Allocate() (pagemanager.PageHandle, error) {
	bpm.allocMu.Lock()
	defer bpm.allocMu.Unlock()

	for _, a := range bpm.allocations {
		if h, ok := a.TryAcquireFreeHandle(bpm.maxHandle); ok {
			bpm.claimedLocked(a, h)
			return h, nil
		}
	}

	ordinal := uint64(len(bpm.allocations))
	ah := pagemanager.AllocationHandle(ordinal)
	if ah >= bpm.maxHandle {
		return pagemanager.NullHandle, dberrors.Newf(dberrors.MaxPageCountReached,
			"no free page below %d", bpm.maxHandle)
	}
	next := pagemanager.New(pagemanager.MarkerAllocation, ah).(*pagemanager.AllocationPage)
	next.Ordinal = ordinal
	next.MarkUsed(ah)

	last := bpm.allocations[len(bpm.allocations)-1]
	last.Next = ah
	bpm.allocDirty[last.Handle()] = struct{}{}
	bpm.allocDirty[ah] = struct{}{}
	bpm.allocations = append(bpm.allocations, next)
	bpm.root.LastAllocation = ah
	bpm.logger.Info("extended allocation chain", zap.Uint64("ordinal", ordinal), zap.Uint64("handle", uint64(ah)))

	h, ok := next.TryAcquireFreeHandle(bpm.maxHandle)
	if !ok {
		// the bitmap page itself still counts as used
		bpm.bumpLocked(ah)
		return pagemanager.NullHandle, dberrors.Newf(dberrors.MaxPageCountReached,
			"no free page below %d", bpm.maxHandle)
	}
	bpm.claimedLocked(next, h)
	return h, nil
}

func (bpm *BufferPoolManager) claimedLocked(a *pagemanager.AllocationPage, h pagemanager.PageHandle) {
	bpm.allocDirty[a.Handle()] = struct{}{}
	bpm.bumpLocked(h)
	bpm.metrics.PageAllocated()
}

func (bpm *BufferPoolManager) bumpLocked(h pagemanager.PageHandle) {
	if h >= bpm.root.NextAvailable {
		bpm.root.NextAvailable = h + 1
	}
	bpm.rootDirty = true
	bpm.version++
}

// Deallocate clears the bitmap bit of h and drops any cached or parked copy.
// The page content is garbage afterwards.
func (bpm *BufferPoolManager) Deallocate(h pagemanager.PageHandle) error {
	if err := bpm.release(h); err != nil {
		return err
	}
	bpm.wal.Unpark(h)
	return nil
}

// FreeInBatch is Deallocate for use inside a WAL commit's finalize step,
// where the WAL lock is already held. The batch discards h.
func (bpm *BufferPoolManager) FreeInBatch(b *wal.Batch, h pagemanager.PageHandle) error {
	if err := bpm.release(h); err != nil {
		return err
	}
	b.Free(h)
	return nil
}

func (bpm *BufferPoolManager) release(h pagemanager.PageHandle) error {
	bpm.allocMu.Lock()
	defer bpm.allocMu.Unlock()

	if !h.InBounds() || h == pagemanager.RootHandle || h >= bpm.root.NextAvailable {
		return bpm.invariant("deallocating out-of-bounds page %d", h)
	}
	ordinal := pagemanager.AllocationOrdinal(h)
	if ordinal >= uint64(len(bpm.allocations)) {
		return bpm.invariant("deallocating page %d beyond the allocation chain", h)
	}
	a := bpm.allocations[ordinal]
	if h == a.Handle() {
		return bpm.invariant("deallocating bitmap page %d", h)
	}
	if !a.Release(h) {
		return bpm.invariant("double free of page %d", h)
	}
	bpm.allocDirty[a.Handle()] = struct{}{}
	bpm.version++
	bpm.cache.Pop(h)
	bpm.metrics.PageFreed()
	return nil
}

// Reclaim marks h used again after a commit that freed it failed before
// reaching the WAL.
func (bpm *BufferPoolManager) Reclaim(h pagemanager.PageHandle) {
	bpm.allocMu.Lock()
	defer bpm.allocMu.Unlock()
	ordinal := pagemanager.AllocationOrdinal(h)
	if ordinal >= uint64(len(bpm.allocations)) {
		return
	}
	a := bpm.allocations[ordinal]
	a.MarkUsed(h)
	bpm.allocDirty[a.Handle()] = struct{}{}
	bpm.version++
}

// IsAllocated reports whether h's bitmap bit is set.
func (bpm *BufferPoolManager) IsAllocated(h pagemanager.PageHandle) bool {
	bpm.allocMu.Lock()
	defer bpm.allocMu.Unlock()
	ordinal := pagemanager.AllocationOrdinal(h)
	return ordinal < uint64(len(bpm.allocations)) && bpm.allocations[ordinal].IsUsed(h)
}

// Load returns the page stored at h. When pinned is true the page is held in
// the cache and the caller must Release it; otherwise the cache was full of
// pinned pages and the returned page is private to the caller.
func (bpm *BufferPoolManager) Load(h pagemanager.PageHandle) (page pagemanager.Page, pinned bool, err error) {
	if !h.InBounds() || h >= bpm.nextAvailable() {
		return nil, false, bpm.invariant("loading out-of-bounds page %d", h)
	}
	if shared, ok := bpm.sharedPage(h); ok {
		return shared, false, nil
	}
	if p, ok := bpm.cache.TryGetWithPin(h); ok {
		return p, true, nil
	}
	p, err := bpm.readPage(h)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load page %d: %w", h, err)
	}
	actual, ok := bpm.cache.LoadOrCacheWithPin(h, p)
	return actual, ok, nil
}

func (bpm *BufferPoolManager) nextAvailable() pagemanager.PageHandle {
	bpm.allocMu.Lock()
	defer bpm.allocMu.Unlock()
	return bpm.root.NextAvailable
}

func (bpm *BufferPoolManager) sharedPage(h pagemanager.PageHandle) (pagemanager.Page, bool) {
	bpm.allocMu.Lock()
	defer bpm.allocMu.Unlock()
	if h == pagemanager.RootHandle {
		return bpm.root, true
	}
	ordinal := pagemanager.AllocationOrdinal(h)
	if ordinal < uint64(len(bpm.allocations)) && bpm.allocations[ordinal].Handle() == h {
		return bpm.allocations[ordinal], true
	}
	return nil, false
}

// Adopt caches a freshly created page pinned. It reports false on
// backpressure.
func (bpm *BufferPoolManager) Adopt(p pagemanager.Page) bool {
	return bpm.cache.TryCacheWithPin(p.Handle(), p)
}

// Save encodes p into b and marks its cache entry dirty.
func (bpm *BufferPoolManager) Save(b *wal.Batch, p pagemanager.Page) error {
	if err := b.Append(p.Handle(), pagemanager.Encode(p)); err != nil {
		return err
	}
	bpm.cache.MarkDirty(p.Handle())
	return nil
}

// Release drops one pin taken by Load or Adopt.
func (bpm *BufferPoolManager) Release(h pagemanager.PageHandle) {
	bpm.cache.Release(h)
}

// MarkClean records that h has reached the database file.
func (bpm *BufferPoolManager) MarkClean(h pagemanager.PageHandle) {
	bpm.cache.MarkClean(h)
}

// Invalidate drops the cached copy of h so the next Load rereads the file.
func (bpm *BufferPoolManager) Invalidate(h pagemanager.PageHandle) {
	bpm.cache.Pop(h)
}

// AppendShared adds the root page and every dirty bitmap to b. The returned
// token is handed to ClearShared once the commit is durable.
func (bpm *BufferPoolManager) AppendShared(b *wal.Batch) uint64 {
	bpm.allocMu.Lock()
	defer bpm.allocMu.Unlock()
	if bpm.rootDirty {
		b.AppendUnbounded(bpm.root.Handle(), pagemanager.Encode(bpm.root))
	}
	for _, a := range bpm.allocations {
		if _, ok := bpm.allocDirty[a.Handle()]; ok {
			b.AppendUnbounded(a.Handle(), pagemanager.Encode(a))
		}
	}
	return bpm.version
}

// ClearShared marks the shared pages clean unless they changed after the
// AppendShared call that produced token.
func (bpm *BufferPoolManager) ClearShared(token uint64) {
	bpm.allocMu.Lock()
	defer bpm.allocMu.Unlock()
	if bpm.version != token {
		return
	}
	bpm.rootDirty = false
	clear(bpm.allocDirty)
}

// CommitShared commits the shared pages on their own.
func (bpm *BufferPoolManager) CommitShared() error {
	var token uint64
	_, err := bpm.wal.Commit(bpm.wal.NewBatch(), func(b *wal.Batch) error {
		token = bpm.AppendShared(b)
		return nil
	})
	if err != nil {
		return err
	}
	bpm.ClearShared(token)
	return nil
}

// NextObjectID hands out the next collection or index id.
func (bpm *BufferPoolManager) NextObjectID() uint64 {
	bpm.allocMu.Lock()
	defer bpm.allocMu.Unlock()
	id := bpm.root.NextObjectID
	bpm.root.NextObjectID++
	bpm.rootDirty = true
	bpm.version++
	return id
}

// SetMetaRoots records the catalog trees in the root page.
func (bpm *BufferPoolManager) SetMetaRoots(collections, names pagemanager.PageHandle) {
	bpm.allocMu.Lock()
	defer bpm.allocMu.Unlock()
	bpm.root.MetaCollection = collections
	bpm.root.MetaNameIndex = names
	bpm.rootDirty = true
	bpm.version++
}

// Root returns a copy of the root page.
func (bpm *BufferPoolManager) Root() pagemanager.RootPage {
	bpm.allocMu.Lock()
	defer bpm.allocMu.Unlock()
	return *bpm.root
}

// Stats summarizes allocation and cache usage.
func (bpm *BufferPoolManager) Stats() Stats {
	bpm.allocMu.Lock()
	defer bpm.allocMu.Unlock()
	s := Stats{
		FileMagic:    bpm.root.FileMagic,
		PageCount:    uint64(bpm.root.NextAvailable) - 1,
		Bitmaps:      len(bpm.allocations),
		CachedPages:  bpm.cache.Len(),
		NextObjectID: bpm.root.NextObjectID,
	}
	for _, a := range bpm.allocations {
		s.UsedPages += uint64(a.UsedCount())
	}
	// null handle
	s.UsedPages--
	return s
}
