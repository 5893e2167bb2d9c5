package wal

import (
	"github.com/sushant-115/gojodoc/core/dberrors"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
)

// Batch is the buffered region of one transaction: the latest image of every
// page it wrote, in first-write order.
type Batch struct {
	images map[pagemanager.PageHandle][]byte
	order  []pagemanager.PageHandle
	freed  []pagemanager.PageHandle
	limit  int
}

// NewBatch returns a batch holding at most limit distinct pages (0 = unbounded).
func NewBatch(limit int) *Batch {
	return &Batch{images: make(map[pagemanager.PageHandle][]byte), limit: limit}
}

// Append buffers image as the newest version of page h.
func (b *Batch) Append(h pagemanager.PageHandle, image []byte) error {
	if len(image) != pagemanager.PageLength {
		return dberrors.Newf(dberrors.InternalError, "image for page %d has %d bytes", h, len(image))
	}
	if _, ok := b.images[h]; !ok {
		if b.limit > 0 && len(b.order) >= b.limit {
			return dberrors.Newf(dberrors.MaxWalCommitNumberReached,
				"transaction exceeds %d buffered pages", b.limit)
		}
		b.order = append(b.order, h)
	}
	b.images[h] = image
	return nil
}

// AppendUnbounded buffers image without applying the page limit. It is
// reserved for bookkeeping pages added while a commit is being finalized.
func (b *Batch) AppendUnbounded(h pagemanager.PageHandle, image []byte) {
	if _, ok := b.images[h]; !ok {
		b.order = append(b.order, h)
	}
	b.images[h] = image
}

// Lookup returns the buffered image of page h.
func (b *Batch) Lookup(h pagemanager.PageHandle) ([]byte, bool) {
	image, ok := b.images[h]
	return image, ok
}

// Drop forgets page h.
func (b *Batch) Drop(h pagemanager.PageHandle) {
	if _, ok := b.images[h]; !ok {
		return
	}
	delete(b.images, h)
	for i, x := range b.order {
		if x == h {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Free drops page h and records that it was deallocated, so that Commit
// also discards any parked image of it.
func (b *Batch) Free(h pagemanager.PageHandle) {
	b.Drop(h)
	b.freed = append(b.freed, h)
}

// Len returns the number of distinct pages buffered.
func (b *Batch) Len() int { return len(b.order) }

// Handles returns the buffered pages in first-write order.
func (b *Batch) Handles() []pagemanager.PageHandle {
	return append([]pagemanager.PageHandle(nil), b.order...)
}

// Reset empties the batch.
func (b *Batch) Reset() {
	clear(b.images)
	b.order = b.order[:0]
	b.freed = b.freed[:0]
}
