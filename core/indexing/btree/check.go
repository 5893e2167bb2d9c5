package btree

import (
	"bytes"

	"github.com/sushant-115/gojodoc/core/dberrors"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	"go.uber.org/zap"
)

type checker struct {
	t      *Tree
	height int
	leaves []pagemanager.PageHandle
	prevs  map[pagemanager.PageHandle]pagemanager.PageHandle
	nexts  map[pagemanager.PageHandle]pagemanager.PageHandle
	count  uint64
}

// Check walks the whole tree and verifies its structure: keys ascend in
// every node and stay within their separators, every leaf sits at the
// recorded height, the leaf chain links match the in-order leaf sequence,
// and the descriptor count matches the entries found. A violation is
// reported as InternalError.
func (t *Tree) Check() error {
	o := &op{store: t.store}
	defer o.done()
	desc, err := o.descriptor(t.handle)
	if err != nil {
		return err
	}
	c := &checker{
		t:      t,
		height: int(desc.Height),
		prevs:  make(map[pagemanager.PageHandle]pagemanager.PageHandle),
		nexts:  make(map[pagemanager.PageHandle]pagemanager.PageHandle),
	}
	if err := c.walk(desc.RootNode, 1, nil, nil); err != nil {
		t.logger.Error("tree check failed", zap.Stringer("tree", t), zap.Error(err))
		return err
	}
	for i, h := range c.leaves {
		wantPrev, wantNext := pagemanager.NullHandle, pagemanager.NullHandle
		if i > 0 {
			wantPrev = c.leaves[i-1]
		}
		if i+1 < len(c.leaves) {
			wantNext = c.leaves[i+1]
		}
		if c.prevs[h] != wantPrev || c.nexts[h] != wantNext {
			return dberrors.Newf(dberrors.InternalError, "leaf %d links (%d, %d), want (%d, %d)",
				h, c.prevs[h], c.nexts[h], wantPrev, wantNext)
		}
	}
	if c.count != desc.Count {
		return dberrors.Newf(dberrors.InternalError, "%s holds %d entries, descriptor says %d", t, c.count, desc.Count)
	}
	return nil
}

// walk checks the subtree at h, whose keys must lie in [low, high).
func (c *checker) walk(h pagemanager.PageHandle, depth int, low, high []byte) error {
	children, seps, err := c.visit(h, depth, low, high)
	if err != nil {
		return err
	}
	for i, child := range children {
		lo, hi := low, high
		if i > 0 {
			lo = seps[i-1]
		}
		if i < len(seps) {
			hi = seps[i]
		}
		if err := c.walk(child, depth+1, lo, hi); err != nil {
			return err
		}
	}
	return nil
}

// visit checks one node and returns its children and separators.
func (c *checker) visit(h pagemanager.PageHandle, depth int, low, high []byte) ([]pagemanager.PageHandle, [][]byte, error) {
	o := &op{store: c.t.store}
	defer o.done()
	n, err := o.node(h)
	if err != nil {
		return nil, nil, err
	}
	s := n.Slots()
	for i := 0; i < s.Count(); i++ {
		k := s.KeyAt(i)
		if i > 0 && bytes.Compare(s.KeyAt(i-1), k) >= 0 {
			return nil, nil, dberrors.Newf(dberrors.InternalError, "node %d: keys %d and %d out of order", h, i-1, i)
		}
		if low != nil && bytes.Compare(k, low) < 0 {
			return nil, nil, dberrors.Newf(dberrors.InternalError, "node %d: key %d below its separator", h, i)
		}
		if high != nil && bytes.Compare(k, high) >= 0 {
			return nil, nil, dberrors.Newf(dberrors.InternalError, "node %d: key %d above its separator", h, i)
		}
	}

	if n.IsLeaf() {
		if depth != c.height {
			return nil, nil, dberrors.Newf(dberrors.InternalError, "leaf %d at depth %d, tree height %d", h, depth, c.height)
		}
		c.leaves = append(c.leaves, h)
		c.prevs[h] = n.Prev()
		c.nexts[h] = n.Next()
		c.count += uint64(s.Count())
		return nil, nil, nil
	}
	if depth >= c.height {
		return nil, nil, dberrors.Newf(dberrors.InternalError, "internal node %d at depth %d, tree height %d", h, depth, c.height)
	}
	children := make([]pagemanager.PageHandle, 0, childCount(n))
	seps := make([][]byte, 0, s.Count())
	for i := 0; i < childCount(n); i++ {
		children = append(children, childAt(n, i))
	}
	for i := 0; i < s.Count(); i++ {
		seps = append(seps, bytes.Clone(s.KeyAt(i)))
	}
	return children, seps, nil
}
