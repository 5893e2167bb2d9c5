package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/sushant-115/gojodoc/core/dberrors"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	"github.com/sushant-115/gojodoc/core/write_engine/slotted"
)

// Bound is one end of a range over index keys.
type Bound struct {
	Value     []byte
	Inclusive bool
}

// FindOptions selects a range of entries. Bounds apply to the index key,
// which for a non-unique tree is the physical key minus its primary key
// suffix. Skip and Limit count entries that passed the bounds, from the
// end the scan starts at. A zero Limit means no limit.
type FindOptions struct {
	Lower   *Bound
	Upper   *Bound
	Skip    int
	Limit   int
	Reverse bool
}

// Cursor walks a range of leaf entries. It pins only the leaf it is on.
// Call Close when done, even after Next returned false.
type Cursor struct {
	t    *Tree
	opts FindOptions

	leaf *pagemanager.NodePage
	pos  int

	skipped  int
	returned int
	cur      slotted.Entry
	err      error
	done     bool
}

// Find opens a cursor over the entries selected by opts.
func (t *Tree) Find(opts FindOptions) (*Cursor, error) {
	c := &Cursor{t: t, opts: opts}
	if err := c.seek(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Scan opens a cursor over every entry in ascending order.
func (t *Tree) Scan() (*Cursor, error) {
	return t.Find(FindOptions{})
}

func (c *Cursor) seek() error {
	o := &op{store: c.t.store}
	defer o.done()
	desc, err := o.descriptor(c.t.handle)
	if err != nil {
		return err
	}

	var leaf *pagemanager.NodePage
	switch {
	case !c.opts.Reverse && c.opts.Lower != nil:
		leaf, _, err = c.t.descend(o, desc, c.opts.Lower.Value)
	case c.opts.Reverse && c.opts.Upper != nil:
		leaf, _, err = c.t.descend(o, desc, c.opts.Upper.Value)
	default:
		leaf, err = c.t.edgeLeaf(o, desc, c.opts.Reverse)
	}
	if err != nil {
		return err
	}
	if err := c.enter(leaf.Handle()); err != nil {
		return err
	}

	s := c.leaf.Slots()
	switch {
	case !c.opts.Reverse && c.opts.Lower != nil:
		c.pos, _ = lowerBound(s, c.opts.Lower.Value)
	case !c.opts.Reverse:
		c.pos = 0
	case c.opts.Upper != nil:
		// Physical keys of a non-unique tree extend their index key, so
		// entries equal to the upper bound may sit past upperBound.
		c.pos = upperBound(s, c.opts.Upper.Value)
		for {
			if c.pos < c.leaf.Slots().Count() {
				if bytes.Compare(c.indexKey(c.leaf.Slots().KeyAt(c.pos), c.leaf.Slots().DataAt(c.pos)), c.opts.Upper.Value) > 0 {
					break
				}
				c.pos++
				continue
			}
			next := c.leaf.Next()
			if next.IsNull() {
				break
			}
			if err := c.enter(next); err != nil {
				return err
			}
			c.pos = 0
		}
		c.pos--
	default:
		c.pos = s.Count() - 1
	}
	return nil
}

// edgeLeaf returns the leftmost or rightmost leaf.
func (t *Tree) edgeLeaf(o *op, desc *pagemanager.TreeRootPage, right bool) (*pagemanager.NodePage, error) {
	n, err := o.node(desc.RootNode)
	if err != nil {
		return nil, err
	}
	for !n.IsLeaf() {
		ci := 0
		if right {
			ci = childCount(n) - 1
		}
		if n, err = o.node(childAt(n, ci)); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// enter moves the cursor's pin to leaf h.
func (c *Cursor) enter(h pagemanager.PageHandle) error {
	p, err := c.t.store.LoadPage(h)
	if err != nil {
		return err
	}
	n, ok := p.(*pagemanager.NodePage)
	if !ok || !n.IsLeaf() {
		c.t.store.ReleasePage(h)
		return errNotLeaf(h, p.Marker())
	}
	if c.leaf != nil {
		c.t.store.ReleasePage(c.leaf.Handle())
	}
	c.leaf = n
	return nil
}

// settle moves across leaves until pos addresses an entry.
func (c *Cursor) settle() bool {
	for c.pos < 0 || c.pos >= c.leaf.Slots().Count() {
		var h pagemanager.PageHandle
		if c.opts.Reverse {
			h = c.leaf.Prev()
		} else {
			h = c.leaf.Next()
		}
		if h.IsNull() {
			c.done = true
			return false
		}
		if err := c.enter(h); err != nil {
			c.err = err
			c.done = true
			return false
		}
		if c.opts.Reverse {
			c.pos = c.leaf.Slots().Count() - 1
		} else {
			c.pos = 0
		}
	}
	return true
}

// Next advances to the next entry and reports whether there is one.
func (c *Cursor) Next() bool {
	for !c.done {
		if c.opts.Limit > 0 && c.returned >= c.opts.Limit {
			c.done = true
			break
		}
		if !c.settle() {
			break
		}
		e := c.leaf.Slots().EntryAt(c.pos)
		if c.opts.Reverse {
			c.pos--
		} else {
			c.pos++
		}

		ik := c.indexKey(e.Key, e.Data)
		below := c.opts.Lower != nil && before(ik, c.opts.Lower)
		above := c.opts.Upper != nil && after(ik, c.opts.Upper)
		if (c.opts.Reverse && below) || (!c.opts.Reverse && above) {
			c.done = true
			continue
		}
		if below || above {
			continue
		}

		if c.skipped < c.opts.Skip {
			c.skipped++
			continue
		}
		c.returned++
		c.cur = e
		return true
	}
	c.cur = slotted.Entry{}
	return false
}

// before reports whether key falls short of lower bound b.
func before(key []byte, b *Bound) bool {
	cmp := bytes.Compare(key, b.Value)
	return cmp < 0 || (cmp == 0 && !b.Inclusive)
}

// after reports whether key lies past upper bound b.
func after(key []byte, b *Bound) bool {
	cmp := bytes.Compare(key, b.Value)
	return cmp > 0 || (cmp == 0 && !b.Inclusive)
}

func errNotLeaf(h pagemanager.PageHandle, m pagemanager.Marker) error {
	return dberrors.Newf(dberrors.InternalError, "page %d is a %s page, not a leaf", h, m)
}

func (c *Cursor) indexKey(key, data []byte) []byte {
	if c.t.kind != pagemanager.TreeNonUnique || len(data) < 2 {
		return key
	}
	n := int(binary.LittleEndian.Uint16(data))
	if n > len(key) {
		return key
	}
	return key[:n]
}

// Key returns the physical key of the current entry.
func (c *Cursor) Key() []byte { return c.cur.Key }

// IndexKey returns the index key of the current entry.
func (c *Cursor) IndexKey() []byte { return c.indexKey(c.cur.Key, c.cur.Data) }

// PrimaryKey returns the primary key the current entry refers to.
func (c *Cursor) PrimaryKey() []byte {
	switch c.t.kind {
	case pagemanager.TreeUnique:
		return c.cur.Data
	case pagemanager.TreeNonUnique:
		return c.cur.Key[len(c.IndexKey()):]
	default:
		return c.cur.Key
	}
}

// Value returns the value of the current entry, reading its overflow chain
// if it has one.
func (c *Cursor) Value() ([]byte, error) {
	return readValue(c.t.store, c.cur.Data, c.cur.Flags)
}

// Err returns the error that stopped the cursor, if any.
func (c *Cursor) Err() error { return c.err }

// Close releases the cursor's pin. It is safe to call more than once.
func (c *Cursor) Close() {
	if c.leaf != nil {
		c.t.store.ReleasePage(c.leaf.Handle())
		c.leaf = nil
	}
	c.done = true
}
