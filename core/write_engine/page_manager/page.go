// Package pagemanager defines the on-disk page formats. Every page starts
// with a common header (handle, marker, checksum); the marker alone decides
// how the payload that follows is laid out.
package pagemanager

import (
	"encoding/binary"
	"hash/crc32"
	"math"

	"github.com/sushant-115/gojodoc/core/dberrors"
)

const (
	// PageLength is the fixed size of every page in the database file.
	PageLength = 4096
	// HeaderLength is the size of the common page header.
	HeaderLength = 16
	// PayloadLength is the space left for the marker-specific layout.
	PayloadLength = PageLength - HeaderLength

	checksumOffset = 12
)

// Offsets inside a slotted area are 13 bits wide.
var _ [1<<13 - PageLength]struct{}

// LSN is the sequence number of a WAL commit.
type LSN uint64

// InvalidLSN marks "no commit yet".
const InvalidLSN LSN = 0

// PageHandle is the logical index of a page in the backing file.
type PageHandle uint64

const (
	NullHandle PageHandle = 0
	RootHandle PageHandle = 1
	// FirstAllocationHandle hosts bitmap 0 of the allocation chain.
	FirstAllocationHandle PageHandle = 2
	// MaxPageHandle is the exclusive upper bound keeping byte offsets in int64 range.
	MaxPageHandle = PageHandle(math.MaxInt64 / PageLength)
)

// Offset converts a non-null handle to its byte offset in the file.
func (h PageHandle) Offset() int64 { return int64(h-1) * PageLength }

// IsNull reports whether h is the null handle.
func (h PageHandle) IsNull() bool { return h == NullHandle }

// InBounds reports whether h may address a page at all.
func (h PageHandle) InBounds() bool { return h != NullHandle && h < MaxPageHandle }

// Marker is the closed set of page kinds.
type Marker uint8

const (
	MarkerInvalid Marker = iota
	MarkerRoot
	MarkerAllocation
	MarkerBTreeRoot
	MarkerBTreeNode
	MarkerBTreeLeaf
	MarkerBTreeLeafOverflow
	MarkerCollection
	MarkerObject
	MarkerObjectOverflow
)

func (m Marker) String() string {
	switch m {
	case MarkerRoot:
		return "Root"
	case MarkerAllocation:
		return "Allocation"
	case MarkerBTreeRoot:
		return "BTreeRoot"
	case MarkerBTreeNode:
		return "BTreeNode"
	case MarkerBTreeLeaf:
		return "BTreeLeaf"
	case MarkerBTreeLeafOverflow:
		return "BTreeLeafOverflow"
	case MarkerCollection:
		return "Collection"
	case MarkerObject:
		return "Object"
	case MarkerObjectOverflow:
		return "ObjectOverflow"
	default:
		return "Invalid"
	}
}

// PageHeader is embedded in every page kind.
type PageHeader struct {
	handle PageHandle
	marker Marker
}

func (h PageHeader) Handle() PageHandle { return h.handle }
func (h PageHeader) Marker() Marker     { return h.marker }

// Page is implemented by exactly one type per marker. Callers dispatch on
// the concrete type.
type Page interface {
	Handle() PageHandle
	Marker() Marker
	encodePayload(payload []byte)
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the CRC32C of an encoded page, skipping the checksum field.
func Checksum(buf []byte) uint32 {
	crc := crc32.Update(0, castagnoli, buf[:checksumOffset])
	return crc32.Update(crc, castagnoli, buf[HeaderLength:])
}

// New returns an empty page of the given kind.
func New(marker Marker, handle PageHandle) Page {
	header := PageHeader{handle: handle, marker: marker}
	switch marker {
	case MarkerRoot:
		return &RootPage{PageHeader: header, EngineMagic: EngineMagic, Version: Version}
	case MarkerAllocation:
		return &AllocationPage{PageHeader: header}
	case MarkerBTreeRoot:
		return &TreeRootPage{PageHeader: header}
	case MarkerBTreeNode, MarkerBTreeLeaf, MarkerObject:
		return newNodePage(header)
	case MarkerBTreeLeafOverflow, MarkerObjectOverflow:
		return &OverflowPage{PageHeader: header}
	case MarkerCollection:
		return &CollectionPage{PageHeader: header}
	default:
		panic("pagemanager: unknown marker " + marker.String())
	}
}

// Encode serializes p into a fresh PageLength buffer with a valid checksum.
func Encode(p Page) []byte {
	buf := make([]byte, PageLength)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(p.Handle()))
	buf[8] = byte(p.Marker())
	p.encodePayload(buf[HeaderLength:])
	binary.LittleEndian.PutUint32(buf[checksumOffset:HeaderLength], Checksum(buf))
	return buf
}

// VerifyChecksum checks an encoded page without decoding it.
func VerifyChecksum(buf []byte) bool {
	return len(buf) == PageLength &&
		binary.LittleEndian.Uint32(buf[checksumOffset:HeaderLength]) == Checksum(buf)
}

// Decode parses buf, which must have been read from handle's offset.
func Decode(handle PageHandle, buf []byte) (Page, error) {
	if len(buf) != PageLength {
		return nil, dberrors.Newf(dberrors.InternalError, "page %d: buffer of %d bytes", handle, len(buf))
	}
	if !VerifyChecksum(buf) {
		return nil, dberrors.Newf(dberrors.ChecksumVerificationFailed, "page %d", handle)
	}
	stored := PageHandle(binary.LittleEndian.Uint64(buf[0:8]))
	if stored != handle {
		return nil, dberrors.Newf(dberrors.InternalError, "page %d: header names page %d", handle, stored)
	}
	header := PageHeader{handle: handle, marker: Marker(buf[8])}
	payload := buf[HeaderLength:]

	switch header.marker {
	case MarkerRoot:
		return decodeRoot(header, payload), nil
	case MarkerAllocation:
		return decodeAllocation(header, payload), nil
	case MarkerBTreeRoot:
		return decodeTreeRoot(header, payload), nil
	case MarkerBTreeNode, MarkerBTreeLeaf, MarkerObject:
		return decodeNode(header, payload), nil
	case MarkerBTreeLeafOverflow, MarkerObjectOverflow:
		return decodeOverflow(header, payload)
	case MarkerCollection:
		return decodeCollection(header, payload)
	default:
		return nil, dberrors.Newf(dberrors.InternalError, "page %d: unknown marker %d", handle, header.marker)
	}
}

func putHandle(b []byte, h PageHandle) { binary.LittleEndian.PutUint64(b, uint64(h)) }
func getHandle(b []byte) PageHandle    { return PageHandle(binary.LittleEndian.Uint64(b)) }
