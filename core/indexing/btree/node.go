package btree

import (
	"bytes"
	"encoding/binary"
	"slices"

	"github.com/sushant-115/gojodoc/core/dberrors"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	"github.com/sushant-115/gojodoc/core/write_engine/slotted"
)

// PageStore is everything the tree needs from a transaction. Every page
// returned by LoadPage or AllocatePage is handed back with ReleasePage.
type PageStore interface {
	LoadPage(h pagemanager.PageHandle) (pagemanager.Page, error)
	SavePage(p pagemanager.Page) error
	AllocatePage(marker pagemanager.Marker) (pagemanager.Page, error)
	FreePage(h pagemanager.PageHandle) error
	ReleasePage(h pagemanager.PageHandle)
}

// op tracks the pages one tree operation holds so they can be released
// together on every exit path.
type op struct {
	store PageStore
	held  []pagemanager.PageHandle
}

func (o *op) load(h pagemanager.PageHandle) (pagemanager.Page, error) {
	p, err := o.store.LoadPage(h)
	if err != nil {
		return nil, err
	}
	o.held = append(o.held, h)
	return p, nil
}

func (o *op) node(h pagemanager.PageHandle) (*pagemanager.NodePage, error) {
	p, err := o.load(h)
	if err != nil {
		return nil, err
	}
	n, ok := p.(*pagemanager.NodePage)
	if !ok || (p.Marker() != pagemanager.MarkerBTreeNode && p.Marker() != pagemanager.MarkerBTreeLeaf) {
		return nil, dberrors.Newf(dberrors.InternalError, "page %d is a %s page, not a tree node", h, p.Marker())
	}
	return n, nil
}

func (o *op) descriptor(h pagemanager.PageHandle) (*pagemanager.TreeRootPage, error) {
	p, err := o.load(h)
	if err != nil {
		return nil, err
	}
	d, ok := p.(*pagemanager.TreeRootPage)
	if !ok {
		return nil, dberrors.Newf(dberrors.InternalError, "page %d is a %s page, not a tree", h, p.Marker())
	}
	return d, nil
}

func (o *op) alloc(marker pagemanager.Marker) (pagemanager.Page, error) {
	p, err := o.store.AllocatePage(marker)
	if err != nil {
		return nil, err
	}
	o.held = append(o.held, p.Handle())
	return p, nil
}

func (o *op) allocNode(leaf bool) (*pagemanager.NodePage, error) {
	marker := pagemanager.MarkerBTreeNode
	if leaf {
		marker = pagemanager.MarkerBTreeLeaf
	}
	p, err := o.alloc(marker)
	if err != nil {
		return nil, err
	}
	return p.(*pagemanager.NodePage), nil
}

func (o *op) save(pages ...pagemanager.Page) error {
	for _, p := range pages {
		if err := o.store.SavePage(p); err != nil {
			return err
		}
	}
	return nil
}

func (o *op) free(h pagemanager.PageHandle) error {
	return o.store.FreePage(h)
}

func (o *op) done() {
	for _, h := range o.held {
		o.store.ReleasePage(h)
	}
	o.held = o.held[:0]
}

// Internal node entries carry the child handle as their data. The child at
// index 0 is the node's leftmost link; child i > 0 is entry i-1's data.

func childAt(n *pagemanager.NodePage, i int) pagemanager.PageHandle {
	if i == 0 {
		return n.Leftmost()
	}
	return pagemanager.PageHandle(binary.LittleEndian.Uint64(n.Slots().DataAt(i - 1)))
}

func encodeChild(h pagemanager.PageHandle) []byte {
	return binary.LittleEndian.AppendUint64(nil, uint64(h))
}

func childCount(n *pagemanager.NodePage) int { return n.Slots().Count() + 1 }

// lowerBound returns the first slot whose key is >= key.
func lowerBound(s *slotted.Page, key []byte) (int, bool) {
	n := s.Count()
	i, j := 0, n
	for i < j {
		m := int(uint(i+j) >> 1)
		if bytes.Compare(s.KeyAt(m), key) < 0 {
			i = m + 1
		} else {
			j = m
		}
	}
	return i, i < n && bytes.Equal(s.KeyAt(i), key)
}

// upperBound returns the first slot whose key is > key.
func upperBound(s *slotted.Page, key []byte) int {
	i, j := 0, s.Count()
	for i < j {
		m := int(uint(i+j) >> 1)
		if bytes.Compare(s.KeyAt(m), key) <= 0 {
			i = m + 1
		} else {
			j = m
		}
	}
	return i
}

// routeChild picks the child of an internal node that may hold key.
func routeChild(n *pagemanager.NodePage, key []byte) int {
	return upperBound(n.Slots(), key)
}

// separator returns the shortest prefix of right that sorts after left.
// right must sort after left.
func separator(left, right []byte) []byte {
	i := 0
	for i < len(left) && i < len(right) && left[i] == right[i] {
		i++
	}
	return slices.Clone(right[:i+1])
}

// splitPoint picks where to cut entries so both halves carry about the same
// number of bytes. The result lies in [lo, len(entries)-hi].
func splitPoint(entries []slotted.Entry, lo, hi int) int {
	total := 0
	for _, e := range entries {
		total += e.Size()
	}
	acc, m := 0, 0
	for m < len(entries) && acc+entries[m].Size()/2 < total/2 {
		acc += entries[m].Size()
		m++
	}
	return max(lo, min(m, len(entries)-hi))
}

// fill rewrites n to hold exactly entries.
func fill(n *pagemanager.NodePage, entries []slotted.Entry) error {
	s := n.Slots()
	s.Reset()
	for _, e := range entries {
		if !s.Append(e.Key, e.Data, e.Flags) {
			return dberrors.Newf(dberrors.InternalError, "node %d cannot hold %d entries", n.Handle(), len(entries))
		}
	}
	return nil
}

func entriesBytes(s *slotted.Page) int {
	return s.UsedBytes() - slotted.HeaderSize
}

func underflowed(s *slotted.Page) bool {
	return s.UsedBytes() < s.Capacity()/4
}
