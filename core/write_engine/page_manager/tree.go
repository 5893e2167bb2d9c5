package pagemanager

import "encoding/binary"

// TreeKind distinguishes the three B-Tree flavours.
type TreeKind uint8

const (
	TreeClustered TreeKind = iota + 1
	TreeUnique
	TreeNonUnique
)

func (k TreeKind) String() string {
	switch k {
	case TreeClustered:
		return "clustered"
	case TreeUnique:
		return "unique"
	case TreeNonUnique:
		return "non-unique"
	default:
		return "unknown"
	}
}

// TreeRootPage describes one B-Tree. Its handle is the tree's stable
// identity; RootNode moves as the tree splits and collapses.
type TreeRootPage struct {
	PageHeader
	RootNode PageHandle
	Kind     TreeKind
	Height   uint16
	Count    uint64
}

func (t *TreeRootPage) encodePayload(p []byte) {
	putHandle(p[0:], t.RootNode)
	p[8] = byte(t.Kind)
	binary.LittleEndian.PutUint16(p[10:], t.Height)
	binary.LittleEndian.PutUint64(p[16:], t.Count)
}

func decodeTreeRoot(h PageHeader, p []byte) *TreeRootPage {
	return &TreeRootPage{
		PageHeader: h,
		RootNode:   getHandle(p[0:]),
		Kind:       TreeKind(p[8]),
		Height:     binary.LittleEndian.Uint16(p[10:]),
		Count:      binary.LittleEndian.Uint64(p[16:]),
	}
}
