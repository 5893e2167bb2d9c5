// Package slotted implements the variable-length key/data record layout
// shared by B-Tree nodes and object pages.
//
// Layout of an area of N bytes:
//
//	[0,8)             packed header (count, data start, removed bytes, compaction flag)
//	[8, 8+8*count)    packed descriptors, one per slot, in caller-defined order
//	...               contiguous free space
//	[dataStart, N)    key/data payloads, growing towards the descriptors
//
// Each slot stores its key immediately followed by its data.
package slotted

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	HeaderSize     = 8
	DescriptorSize = 8

	offsetBits = 13
	countBits  = 12
	flagBits   = 8

	// MaxAreaSize is the largest area whose offsets fit the packed fields.
	MaxAreaSize = 1<<offsetBits - 1

	offsetMask = 1<<offsetBits - 1
	countMask  = 1<<countBits - 1
	flagMask   = 1<<flagBits - 1
)

const (
	headerWidth     = countBits + 2*offsetBits + 1
	descriptorWidth = 4*offsetBits + flagBits
)

// Both packed structs must fit in 64 bits.
var (
	_ [64 - headerWidth]struct{}
	_ [64 - descriptorWidth]struct{}
)

// Flags are caller-defined per-slot bits.
type Flags uint8

type header uint64

const (
	dataStartShift = countBits
	removedShift   = countBits + offsetBits
	compactShift   = countBits + 2*offsetBits
)

func (h header) count() int     { return int(h & countMask) }
func (h header) dataStart() int { return int(h >> dataStartShift & offsetMask) }
func (h header) removed() int   { return int(h >> removedShift & offsetMask) }
func (h header) compactable() bool {
	return h>>compactShift&1 == 1
}

func (h header) withCount(n int) header {
	return h&^countMask | header(n)&countMask
}

func (h header) withDataStart(off int) header {
	return h&^(offsetMask<<dataStartShift) | (header(off)&offsetMask)<<dataStartShift
}

func (h header) withRemoved(n int) header {
	h = h&^(offsetMask<<removedShift) | (header(n)&offsetMask)<<removedShift
	if n > 0 {
		return h | 1<<compactShift
	}
	return h &^ (1 << compactShift)
}

// Descriptor is a packed slot descriptor.
type Descriptor uint64

const (
	keyLengthShift  = offsetBits
	dataOffsetShift = 2 * offsetBits
	dataLengthShift = 3 * offsetBits
	flagsShift      = 4 * offsetBits
)

func newDescriptor(keyOffset, keyLength, dataOffset, dataLength int, flags Flags) Descriptor {
	return Descriptor(keyOffset&offsetMask) |
		Descriptor(keyLength&offsetMask)<<keyLengthShift |
		Descriptor(dataOffset&offsetMask)<<dataOffsetShift |
		Descriptor(dataLength&offsetMask)<<dataLengthShift |
		Descriptor(flags&flagMask)<<flagsShift
}

func (d Descriptor) KeyOffset() int  { return int(d & offsetMask) }
func (d Descriptor) KeyLength() int  { return int(d >> keyLengthShift & offsetMask) }
func (d Descriptor) DataOffset() int { return int(d >> dataOffsetShift & offsetMask) }
func (d Descriptor) DataLength() int { return int(d >> dataLengthShift & offsetMask) }
func (d Descriptor) Flags() Flags    { return Flags(d >> flagsShift & flagMask) }

// Entry is a detached copy of one slot.
type Entry struct {
	Key   []byte
	Data  []byte
	Flags Flags
}

// Size is the number of bytes the entry occupies in a page, descriptor included.
func (e Entry) Size() int { return DescriptorSize + len(e.Key) + len(e.Data) }

// Page is a view over a slotted area. Slices returned by KeyAt and DataAt
// alias the area and are only valid until the next mutation.
type Page struct {
	area []byte
}

// Init formats area as an empty slotted page and returns a view over it.
func Init(area []byte) *Page {
	p := View(area)
	p.Reset()
	return p
}

// View wraps an already formatted area.
func View(area []byte) *Page {
	if len(area) < HeaderSize || len(area) > MaxAreaSize {
		panic(fmt.Sprintf("slotted: area size %d out of range", len(area)))
	}
	return &Page{area: area}
}

// Reset drops every slot.
func (p *Page) Reset() {
	p.setHeader(header(0).withDataStart(len(p.area)))
}

func (p *Page) header() header {
	return header(binary.LittleEndian.Uint64(p.area[:HeaderSize]))
}

func (p *Page) setHeader(h header) {
	binary.LittleEndian.PutUint64(p.area[:HeaderSize], uint64(h))
}

func (p *Page) descriptor(i int) Descriptor {
	off := HeaderSize + i*DescriptorSize
	return Descriptor(binary.LittleEndian.Uint64(p.area[off : off+DescriptorSize]))
}

func (p *Page) setDescriptor(i int, d Descriptor) {
	off := HeaderSize + i*DescriptorSize
	binary.LittleEndian.PutUint64(p.area[off:off+DescriptorSize], uint64(d))
}

func (p *Page) checkIndex(i int) {
	if i < 0 || i >= p.Count() {
		panic(fmt.Sprintf("slotted: slot %d out of range [0,%d)", i, p.Count()))
	}
}

// Count returns the number of slots.
func (p *Page) Count() int { return p.header().count() }

// Capacity returns the area size.
func (p *Page) Capacity() int { return len(p.area) }

// FreeSpace is the contiguous gap between descriptors and payload.
func (p *Page) FreeSpace() int {
	h := p.header()
	return h.dataStart() - HeaderSize - h.count()*DescriptorSize
}

// TotalFreeSpace includes bytes reclaimable by compaction.
func (p *Page) TotalFreeSpace() int {
	return p.FreeSpace() + p.header().removed()
}

// UsedBytes is the area size minus all free bytes.
func (p *Page) UsedBytes() int { return len(p.area) - p.TotalFreeSpace() }

// CanCompact reports whether removed slots left reclaimable payload bytes.
func (p *Page) CanCompact() bool { return p.header().compactable() }

// CanAllocate reports whether a slot of the given sizes fits, possibly
// after compaction.
func (p *Page) CanAllocate(keyLength, dataLength int) bool {
	if keyLength < 0 || dataLength < 0 || p.Count() == countMask {
		return false
	}
	return DescriptorSize+keyLength+dataLength <= p.TotalFreeSpace()
}

// KeyAt returns the key of slot i.
func (p *Page) KeyAt(i int) []byte {
	p.checkIndex(i)
	d := p.descriptor(i)
	return p.area[d.KeyOffset() : d.KeyOffset()+d.KeyLength()]
}

// DataAt returns the data of slot i.
func (p *Page) DataAt(i int) []byte {
	p.checkIndex(i)
	d := p.descriptor(i)
	return p.area[d.DataOffset() : d.DataOffset()+d.DataLength()]
}

// FlagsAt returns the flags of slot i.
func (p *Page) FlagsAt(i int) Flags {
	p.checkIndex(i)
	return p.descriptor(i).Flags()
}

// EntryAt returns a detached copy of slot i.
func (p *Page) EntryAt(i int) Entry {
	return Entry{
		Key:   bytes.Clone(p.KeyAt(i)),
		Data:  bytes.Clone(p.DataAt(i)),
		Flags: p.FlagsAt(i),
	}
}

// Entries returns detached copies of every slot in order.
func (p *Page) Entries() []Entry {
	n := p.Count()
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = p.EntryAt(i)
	}
	return out
}

// InsertAt places a new slot at position i, shifting later slots right.
// It compacts transparently when only fragmented space would fit the slot.
func (p *Page) InsertAt(i int, key, data []byte, flags Flags) bool {
	n := p.Count()
	if i < 0 || i > n {
		panic(fmt.Sprintf("slotted: insert position %d out of range [0,%d]", i, n))
	}
	if !p.CanAllocate(len(key), len(data)) {
		return false
	}
	if DescriptorSize+len(key)+len(data) > p.FreeSpace() {
		p.Compact()
	}

	h := p.header()
	start := h.dataStart() - len(key) - len(data)
	copy(p.area[start:], key)
	copy(p.area[start+len(key):], data)

	base := HeaderSize + i*DescriptorSize
	end := HeaderSize + n*DescriptorSize
	copy(p.area[base+DescriptorSize:end+DescriptorSize], p.area[base:end])
	p.setDescriptor(i, newDescriptor(start, len(key), start+len(key), len(data), flags))
	p.setHeader(h.withCount(n + 1).withDataStart(start))
	return true
}

// Append adds a slot after the last one.
func (p *Page) Append(key, data []byte, flags Flags) bool {
	return p.InsertAt(p.Count(), key, data, flags)
}

// RemoveAt deletes slot i, shifting later slots left.
func (p *Page) RemoveAt(i int) {
	p.checkIndex(i)
	h := p.header()
	n := h.count()
	d := p.descriptor(i)
	size := d.KeyLength() + d.DataLength()

	base := HeaderSize + i*DescriptorSize
	end := HeaderSize + n*DescriptorSize
	copy(p.area[base:end-DescriptorSize], p.area[base+DescriptorSize:end])

	n--
	if n == 0 {
		p.Reset()
		return
	}
	h = h.withCount(n)
	switch {
	case size == 0:
	case d.KeyOffset() == h.dataStart():
		h = h.withDataStart(h.dataStart() + size)
	default:
		h = h.withRemoved(h.removed() + size)
	}
	p.setHeader(h)
}

// Compact rewrites the payload region so that all free bytes are contiguous.
func (p *Page) Compact() {
	h := p.header()
	n := h.count()
	scratch := make([]byte, len(p.area))
	pos := len(p.area)
	for i := 0; i < n; i++ {
		d := p.descriptor(i)
		kl, dl := d.KeyLength(), d.DataLength()
		pos -= kl + dl
		copy(scratch[pos:], p.area[d.KeyOffset():d.KeyOffset()+kl])
		copy(scratch[pos+kl:], p.area[d.DataOffset():d.DataOffset()+dl])
		p.setDescriptor(i, newDescriptor(pos, kl, pos+kl, dl, d.Flags()))
	}
	copy(p.area[pos:], scratch[pos:])
	p.setHeader(h.withDataStart(pos).withRemoved(0))
}

func (p *Page) canResize(i, keyLength, dataLength int) bool {
	d := p.descriptor(i)
	avail := p.TotalFreeSpace() + DescriptorSize + d.KeyLength() + d.DataLength()
	return DescriptorSize+keyLength+dataLength <= avail
}

// CanReplaceKey reports whether SetKeyAt(i, key of keyLength) would succeed.
func (p *Page) CanReplaceKey(i, keyLength int) bool {
	p.checkIndex(i)
	return p.canResize(i, keyLength, p.descriptor(i).DataLength())
}

// SetDataAt replaces the data of slot i, keeping its key, flags and position.
func (p *Page) SetDataAt(i int, data []byte, flags Flags) bool {
	p.checkIndex(i)
	d := p.descriptor(i)
	if len(data) == d.DataLength() {
		copy(p.area[d.DataOffset():], data)
		p.setDescriptor(i, newDescriptor(d.KeyOffset(), d.KeyLength(), d.DataOffset(), d.DataLength(), flags))
		return true
	}
	if !p.canResize(i, d.KeyLength(), len(data)) {
		return false
	}
	key := bytes.Clone(p.KeyAt(i))
	p.RemoveAt(i)
	if !p.InsertAt(i, key, data, flags) {
		panic("slotted: reinsert after resize failed")
	}
	return true
}

// SetKeyAt replaces the key of slot i, keeping its data, flags and position.
func (p *Page) SetKeyAt(i int, key []byte) bool {
	p.checkIndex(i)
	if !p.CanReplaceKey(i, len(key)) {
		return false
	}
	data := bytes.Clone(p.DataAt(i))
	flags := p.FlagsAt(i)
	p.RemoveAt(i)
	if !p.InsertAt(i, key, data, flags) {
		panic("slotted: reinsert after key change failed")
	}
	return true
}

// SetFlagsAt replaces the flags of slot i.
func (p *Page) SetFlagsAt(i int, flags Flags) {
	p.checkIndex(i)
	d := p.descriptor(i)
	p.setDescriptor(i, newDescriptor(d.KeyOffset(), d.KeyLength(), d.DataOffset(), d.DataLength(), flags))
}

// validKey rejects empty and all-zero keys for keyed lookups.
func validKey(key []byte) bool {
	for _, b := range key {
		if b != 0 {
			return true
		}
	}
	return false
}

// Find scans the descriptors for key.
func (p *Page) Find(key []byte) (int, bool) {
	if !validKey(key) {
		return -1, false
	}
	for i, n := 0, p.Count(); i < n; i++ {
		if bytes.Equal(p.KeyAt(i), key) {
			return i, true
		}
	}
	return -1, false
}

// TryAllocate reserves a new zero-filled slot for key and returns its data
// region for the caller to fill.
func (p *Page) TryAllocate(key []byte, dataLength int) ([]byte, bool) {
	if !validKey(key) {
		return nil, false
	}
	if _, exists := p.Find(key); exists {
		return nil, false
	}
	if !p.InsertAt(p.Count(), key, make([]byte, dataLength), 0) {
		return nil, false
	}
	return p.DataAt(p.Count() - 1), true
}

// TryWrite stores data under key, replacing any existing data.
func (p *Page) TryWrite(key, data []byte) bool {
	if !validKey(key) {
		return false
	}
	if i, ok := p.Find(key); ok {
		return p.SetDataAt(i, data, p.FlagsAt(i))
	}
	return p.InsertAt(p.Count(), key, data, 0)
}

// TryRead returns the data and flags stored under key.
func (p *Page) TryRead(key []byte) ([]byte, Flags, bool) {
	i, ok := p.Find(key)
	if !ok {
		return nil, 0, false
	}
	return p.DataAt(i), p.FlagsAt(i), true
}

// TryRemove deletes key.
func (p *Page) TryRemove(key []byte) bool {
	i, ok := p.Find(key)
	if !ok {
		return false
	}
	p.RemoveAt(i)
	return true
}

// TrySetFlags replaces the flags stored with key.
func (p *Page) TrySetFlags(key []byte, flags Flags) bool {
	i, ok := p.Find(key)
	if !ok {
		return false
	}
	p.SetFlagsAt(i, flags)
	return true
}
