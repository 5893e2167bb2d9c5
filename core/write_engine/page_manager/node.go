package pagemanager

import (
	"bytes"

	"github.com/sushant-115/gojodoc/core/write_engine/slotted"
)

const (
	nodeLinksLength = 16
	// NodeAreaLength is the slotted area available on node and object pages.
	NodeAreaLength = PayloadLength - nodeLinksLength
)

// NodePage is the slotted layout shared by B-Tree internal nodes, B-Tree
// leaves and object pages. Two link handles precede the slotted area:
//
//	leaf:     prev sibling, next sibling
//	internal: leftmost child, unused
//	object:   unused, next object page
type NodePage struct {
	PageHeader
	buf   []byte
	slots *slotted.Page
}

func newNodePage(h PageHeader) *NodePage {
	buf := make([]byte, PayloadLength)
	return &NodePage{PageHeader: h, buf: buf, slots: slotted.Init(buf[nodeLinksLength:])}
}

func decodeNode(h PageHeader, p []byte) *NodePage {
	buf := bytes.Clone(p)
	return &NodePage{PageHeader: h, buf: buf, slots: slotted.View(buf[nodeLinksLength:])}
}

func (n *NodePage) encodePayload(p []byte) { copy(p, n.buf) }

// Slots exposes the slotted area.
func (n *NodePage) Slots() *slotted.Page { return n.slots }

// IsLeaf reports whether the page is a B-Tree leaf.
func (n *NodePage) IsLeaf() bool { return n.marker == MarkerBTreeLeaf }

func (n *NodePage) Prev() PageHandle         { return getHandle(n.buf[0:]) }
func (n *NodePage) SetPrev(h PageHandle)     { putHandle(n.buf[0:], h) }
func (n *NodePage) Next() PageHandle         { return getHandle(n.buf[8:]) }
func (n *NodePage) SetNext(h PageHandle)     { putHandle(n.buf[8:], h) }
func (n *NodePage) Leftmost() PageHandle     { return getHandle(n.buf[0:]) }
func (n *NodePage) SetLeftmost(h PageHandle) { putHandle(n.buf[0:], h) }
