package pagemanager

import (
	"encoding/binary"
	"math/bits"
)

const (
	allocationMetaLength = 16
	// BitmapLength is the byte length of the bitmap carried by one allocation page.
	BitmapLength = PayloadLength - allocationMetaLength
	// PageCountPerBitmap is the number of handles tracked by one allocation page.
	PageCountPerBitmap = BitmapLength * 8

	wordsPerBitmap = BitmapLength / 8
)

// The bitmap is scanned in whole 64-bit words.
var _ [0]struct{} = [BitmapLength % 8]struct{}{}

// AllocationPage tracks PageCountPerBitmap consecutive handles, one bit each,
// LSB-first. Bitmap k of the chain tracks [k*PageCountPerBitmap, (k+1)*PageCountPerBitmap).
type AllocationPage struct {
	PageHeader
	Ordinal uint64
	Next    PageHandle
	words   [wordsPerBitmap]uint64
}

// AllocationHandle returns where bitmap number ordinal lives. Bitmap 0 sits
// right after the root page; every later bitmap occupies the first handle it tracks.
func AllocationHandle(ordinal uint64) PageHandle {
	if ordinal == 0 {
		return FirstAllocationHandle
	}
	return PageHandle(ordinal * PageCountPerBitmap)
}

// AllocationOrdinal returns the bitmap number tracking h.
func AllocationOrdinal(h PageHandle) uint64 {
	return uint64(h) / PageCountPerBitmap
}

// FirstHandle is the first handle tracked by this bitmap.
func (a *AllocationPage) FirstHandle() PageHandle {
	return PageHandle(a.Ordinal * PageCountPerBitmap)
}

// Covers reports whether h falls in this bitmap's range.
func (a *AllocationPage) Covers(h PageHandle) bool {
	first := a.FirstHandle()
	return h >= first && h < first+PageCountPerBitmap
}

// IsUsed reports whether h's bit is set.
func (a *AllocationPage) IsUsed(h PageHandle) bool {
	if !a.Covers(h) {
		return false
	}
	i := uint64(h - a.FirstHandle())
	return a.words[i/64]&(1<<(i%64)) != 0
}

// MarkUsed sets h's bit.
func (a *AllocationPage) MarkUsed(h PageHandle) {
	i := uint64(h - a.FirstHandle())
	a.words[i/64] |= 1 << (i % 64)
}

// Release clears h's bit. It reports false when h was not marked in use.
func (a *AllocationPage) Release(h PageHandle) bool {
	if !a.IsUsed(h) {
		return false
	}
	i := uint64(h - a.FirstHandle())
	a.words[i/64] &^= 1 << (i % 64)
	return true
}

// UsedCount returns the number of set bits.
func (a *AllocationPage) UsedCount() int {
	n := 0
	for _, w := range a.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// TryAcquireFreeHandle claims the lowest clear bit whose handle is below
// doNotExceed.
func (a *AllocationPage) TryAcquireFreeHandle(doNotExceed PageHandle) (PageHandle, bool) {
	base := a.FirstHandle()
	for w, word := range a.words {
		free := ^word
		if free == 0 {
			continue
		}
		bit := bits.TrailingZeros64(free)
		h := base + PageHandle(w*64+bit)
		if h >= doNotExceed {
			return NullHandle, false
		}
		a.words[w] |= 1 << uint(bit)
		return h, true
	}
	return NullHandle, false
}

func (a *AllocationPage) encodePayload(p []byte) {
	binary.LittleEndian.PutUint64(p[0:], a.Ordinal)
	putHandle(p[8:], a.Next)
	for i, w := range a.words {
		binary.LittleEndian.PutUint64(p[allocationMetaLength+i*8:], w)
	}
}

func decodeAllocation(h PageHeader, p []byte) *AllocationPage {
	a := &AllocationPage{
		PageHeader: h,
		Ordinal:    binary.LittleEndian.Uint64(p[0:]),
		Next:       getHandle(p[8:]),
	}
	for i := range a.words {
		a.words[i] = binary.LittleEndian.Uint64(p[allocationMetaLength+i*8:])
	}
	return a
}
