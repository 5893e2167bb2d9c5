// Package btree implements the B+Tree used for clustered and secondary
// indexes. Keys are normalised byte strings compared with bytes.Compare.
// Leaves are doubly linked; internal nodes route with separator keys that
// need not be full keys.
//
// A Tree is a thin handle over its descriptor page and holds no pages
// between calls. All page access goes through a PageStore, normally a
// transaction scope.
package btree

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/sushant-115/gojodoc/core/dberrors"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	"github.com/sushant-115/gojodoc/core/write_engine/slotted"
	"go.uber.org/zap"
)

const (
	// MaxKeyLength bounds every physical key.
	MaxKeyLength = 512
	// MaxInlineData is the largest value stored inside a leaf; larger values
	// move to an overflow chain.
	MaxInlineData = 768

	flagOverflow slotted.Flags = 1

	overflowRefLength = 12
)

// Tree is one B+Tree identified by the handle of its descriptor page.
type Tree struct {
	store         PageStore
	handle        pagemanager.PageHandle
	kind          pagemanager.TreeKind
	samePrefixMax int
	logger        *zap.Logger
}

// Option configures a Tree handle.
type Option func(*Tree)

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tree) { t.logger = l.With(zap.String("component", "btree")) }
}

// WithSamePrefixLimit caps how many entries of a non-unique tree may share
// one index key. Zero means unlimited.
func WithSamePrefixLimit(n int) Option {
	return func(t *Tree) { t.samePrefixMax = n }
}

// Create allocates an empty tree of the given kind.
func Create(store PageStore, kind pagemanager.TreeKind, opts ...Option) (*Tree, error) {
	o := &op{store: store}
	defer o.done()

	p, err := o.alloc(pagemanager.MarkerBTreeRoot)
	if err != nil {
		return nil, err
	}
	desc := p.(*pagemanager.TreeRootPage)
	leaf, err := o.allocNode(true)
	if err != nil {
		return nil, err
	}
	desc.RootNode = leaf.Handle()
	desc.Kind = kind
	desc.Height = 1
	if err := o.save(desc, leaf); err != nil {
		return nil, err
	}
	return newTree(store, desc.Handle(), kind, opts), nil
}

// Open returns a handle on the tree whose descriptor lives at h.
func Open(store PageStore, h pagemanager.PageHandle, opts ...Option) (*Tree, error) {
	o := &op{store: store}
	defer o.done()
	desc, err := o.descriptor(h)
	if err != nil {
		return nil, err
	}
	switch desc.Kind {
	case pagemanager.TreeClustered, pagemanager.TreeUnique, pagemanager.TreeNonUnique:
	default:
		return nil, dberrors.Newf(dberrors.InternalError, "tree %d has unknown kind %d", h, desc.Kind)
	}
	return newTree(store, h, desc.Kind, opts), nil
}

func newTree(store PageStore, h pagemanager.PageHandle, kind pagemanager.TreeKind, opts []Option) *Tree {
	t := &Tree{store: store, handle: h, kind: kind, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Handle returns the descriptor page handle.
func (t *Tree) Handle() pagemanager.PageHandle { return t.handle }

// Kind returns the tree flavour.
func (t *Tree) Kind() pagemanager.TreeKind { return t.kind }

// WithStore returns a handle on the same tree bound to another store.
func (t *Tree) WithStore(store PageStore) *Tree {
	c := *t
	c.store = store
	return &c
}

// Count returns the number of entries.
func (t *Tree) Count() (uint64, error) {
	o := &op{store: t.store}
	defer o.done()
	desc, err := o.descriptor(t.handle)
	if err != nil {
		return 0, err
	}
	return desc.Count, nil
}

// Height returns the number of node levels.
func (t *Tree) Height() (int, error) {
	o := &op{store: t.store}
	defer o.done()
	desc, err := o.descriptor(t.handle)
	if err != nil {
		return 0, err
	}
	return int(desc.Height), nil
}

type pathEntry struct {
	node  *pagemanager.NodePage
	child int
}

// descend walks from the root to the leaf that may hold key, recording the
// internal nodes and the child index taken in each.
func (t *Tree) descend(o *op, desc *pagemanager.TreeRootPage, key []byte) (*pagemanager.NodePage, []pathEntry, error) {
	var path []pathEntry
	n, err := o.node(desc.RootNode)
	if err != nil {
		return nil, nil, err
	}
	for !n.IsLeaf() {
		ci := routeChild(n, key)
		path = append(path, pathEntry{node: n, child: ci})
		if n, err = o.node(childAt(n, ci)); err != nil {
			return nil, nil, err
		}
	}
	return n, path, nil
}

func checkKey(key []byte) error {
	if len(key) == 0 {
		return dberrors.New(dberrors.InternalError, "empty tree key")
	}
	if len(key) > MaxKeyLength {
		return dberrors.Newf(dberrors.IndexKeyTooLong, "key of %d bytes exceeds %d", len(key), MaxKeyLength)
	}
	return nil
}

// Get returns the value stored under key.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	o := &op{store: t.store}
	defer o.done()
	desc, err := o.descriptor(t.handle)
	if err != nil {
		return nil, false, err
	}
	leaf, _, err := t.descend(o, desc, key)
	if err != nil {
		return nil, false, err
	}
	pos, found := lowerBound(leaf.Slots(), key)
	if !found {
		return nil, false, nil
	}
	value, err := readValue(t.store, leaf.Slots().DataAt(pos), leaf.Slots().FlagsAt(pos))
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// storeValue returns the leaf representation of value, spilling it into an
// overflow chain when it is too large to inline.
func storeValue(o *op, value []byte) ([]byte, slotted.Flags, error) {
	if len(value) <= MaxInlineData {
		return slices.Clone(value), 0, nil
	}
	head, err := WriteChain(o.store, pagemanager.MarkerBTreeLeafOverflow, value)
	if err != nil {
		return nil, 0, err
	}
	ref := make([]byte, overflowRefLength)
	binary.LittleEndian.PutUint32(ref[0:], uint32(len(value)))
	binary.LittleEndian.PutUint64(ref[4:], uint64(head))
	return ref, flagOverflow, nil
}

func decodeRef(data []byte) (int, pagemanager.PageHandle, error) {
	if len(data) != overflowRefLength {
		return 0, pagemanager.NullHandle, dberrors.Newf(dberrors.InternalError, "overflow reference of %d bytes", len(data))
	}
	return int(binary.LittleEndian.Uint32(data[0:])), pagemanager.PageHandle(binary.LittleEndian.Uint64(data[4:])), nil
}

func readValue(store PageStore, data []byte, flags slotted.Flags) ([]byte, error) {
	if flags&flagOverflow == 0 {
		return slices.Clone(data), nil
	}
	length, head, err := decodeRef(data)
	if err != nil {
		return nil, err
	}
	return ReadChain(store, head, length)
}

func dropValue(store PageStore, data []byte, flags slotted.Flags) error {
	if flags&flagOverflow == 0 {
		return nil
	}
	_, head, err := decodeRef(data)
	if err != nil {
		return err
	}
	return FreeChain(store, head)
}

// Insert adds key with value. It returns false, changing nothing, when key
// is already present.
func (t *Tree) Insert(key, value []byte) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	o := &op{store: t.store}
	defer o.done()
	desc, err := o.descriptor(t.handle)
	if err != nil {
		return false, err
	}
	leaf, path, err := t.descend(o, desc, key)
	if err != nil {
		return false, err
	}
	pos, found := lowerBound(leaf.Slots(), key)
	if found {
		return false, nil
	}
	data, flags, err := storeValue(o, value)
	if err != nil {
		return false, err
	}
	if err := t.insertIntoLeaf(o, desc, leaf, path, pos, slotted.Entry{Key: key, Data: data, Flags: flags}); err != nil {
		return false, err
	}
	desc.Count++
	return true, o.save(desc)
}

func (t *Tree) insertIntoLeaf(o *op, desc *pagemanager.TreeRootPage, leaf *pagemanager.NodePage, path []pathEntry, pos int, e slotted.Entry) error {
	if leaf.Slots().InsertAt(pos, e.Key, e.Data, e.Flags) {
		return o.save(leaf)
	}

	entries := slices.Insert(leaf.Slots().Entries(), pos, e)
	m := splitPoint(entries, 1, 1)
	right, err := o.allocNode(true)
	if err != nil {
		return err
	}
	if err := fill(leaf, entries[:m]); err != nil {
		return err
	}
	if err := fill(right, entries[m:]); err != nil {
		return err
	}

	right.SetPrev(leaf.Handle())
	right.SetNext(leaf.Next())
	if next := leaf.Next(); !next.IsNull() {
		nextLeaf, err := o.node(next)
		if err != nil {
			return err
		}
		nextLeaf.SetPrev(right.Handle())
		if err := o.save(nextLeaf); err != nil {
			return err
		}
	}
	leaf.SetNext(right.Handle())
	if err := o.save(leaf, right); err != nil {
		return err
	}
	t.logger.Debug("split leaf", zap.Uint64("left", uint64(leaf.Handle())), zap.Uint64("right", uint64(right.Handle())),
		zap.Int("left_entries", m), zap.Int("right_entries", len(entries)-m))

	sep := separator(entries[m-1].Key, entries[m].Key)
	return t.promote(o, desc, path, leaf, sep, right.Handle())
}

// promote inserts the separator sep pointing at right into the parent of
// left, splitting upward as needed and growing a new root when left is the
// root.
func (t *Tree) promote(o *op, desc *pagemanager.TreeRootPage, path []pathEntry, left *pagemanager.NodePage,
	sep []byte, right pagemanager.PageHandle) error {
	if len(path) == 0 {
		root, err := o.allocNode(false)
		if err != nil {
			return err
		}
		root.SetLeftmost(left.Handle())
		if !root.Slots().Append(sep, encodeChild(right), 0) {
			return dberrors.New(dberrors.InternalError, "new root cannot hold one separator")
		}
		desc.RootNode = root.Handle()
		desc.Height++
		t.logger.Debug("tree grew", zap.Uint64("tree", uint64(t.handle)), zap.Uint16("height", desc.Height))
		return o.save(root, desc)
	}

	parent := path[len(path)-1]
	n := parent.node
	pos := parent.child
	if n.Slots().InsertAt(pos, sep, encodeChild(right), 0) {
		return o.save(n)
	}

	entries := slices.Insert(n.Slots().Entries(), pos, slotted.Entry{Key: sep, Data: encodeChild(right)})
	mid := splitPoint(entries, 1, 2)
	sibling, err := o.allocNode(false)
	if err != nil {
		return err
	}
	promoted := entries[mid]
	sibling.SetLeftmost(pagemanager.PageHandle(binary.LittleEndian.Uint64(promoted.Data)))
	if err := fill(n, entries[:mid]); err != nil {
		return err
	}
	if err := fill(sibling, entries[mid+1:]); err != nil {
		return err
	}
	if err := o.save(n, sibling); err != nil {
		return err
	}
	return t.promote(o, desc, path[:len(path)-1], n, promoted.Key, sibling.Handle())
}

// Update replaces the value stored under key. It returns false when key is
// absent.
func (t *Tree) Update(key, value []byte) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	o := &op{store: t.store}
	defer o.done()
	desc, err := o.descriptor(t.handle)
	if err != nil {
		return false, err
	}
	leaf, path, err := t.descend(o, desc, key)
	if err != nil {
		return false, err
	}
	pos, found := lowerBound(leaf.Slots(), key)
	if !found {
		return false, nil
	}
	s := leaf.Slots()
	if err := dropValue(t.store, s.DataAt(pos), s.FlagsAt(pos)); err != nil {
		return false, err
	}
	data, flags, err := storeValue(o, value)
	if err != nil {
		return false, err
	}
	if s.SetDataAt(pos, data, flags) {
		return true, o.save(leaf)
	}
	s.RemoveAt(pos)
	if err := t.insertIntoLeaf(o, desc, leaf, path, pos, slotted.Entry{Key: key, Data: data, Flags: flags}); err != nil {
		return false, err
	}
	return true, o.save(desc)
}

// Delete removes key. It returns false when key is absent.
func (t *Tree) Delete(key []byte) (bool, error) {
	if len(key) == 0 || len(key) > MaxKeyLength {
		return false, nil
	}
	o := &op{store: t.store}
	defer o.done()
	desc, err := o.descriptor(t.handle)
	if err != nil {
		return false, err
	}
	leaf, path, err := t.descend(o, desc, key)
	if err != nil {
		return false, err
	}
	pos, found := lowerBound(leaf.Slots(), key)
	if !found {
		return false, nil
	}
	s := leaf.Slots()
	if err := dropValue(t.store, s.DataAt(pos), s.FlagsAt(pos)); err != nil {
		return false, err
	}
	s.RemoveAt(pos)
	if err := o.save(leaf); err != nil {
		return false, err
	}
	if err := t.rebalance(o, desc, leaf, path); err != nil {
		return false, err
	}
	desc.Count--
	return true, o.save(desc)
}

// rebalance restores the fill invariant of n after a removal by merging it
// with a sibling, or by moving entries over from one, and walks upward.
func (t *Tree) rebalance(o *op, desc *pagemanager.TreeRootPage, n *pagemanager.NodePage, path []pathEntry) error {
	if len(path) == 0 {
		if n.IsLeaf() || n.Slots().Count() > 0 {
			return nil
		}
		// internal root with a single child
		desc.RootNode = n.Leftmost()
		desc.Height--
		t.logger.Debug("tree shrank", zap.Uint64("tree", uint64(t.handle)), zap.Uint16("height", desc.Height))
		if err := o.free(n.Handle()); err != nil {
			return err
		}
		return o.save(desc)
	}
	if !underflowed(n.Slots()) {
		return nil
	}

	parent := path[len(path)-1].node
	ci := path[len(path)-1].child
	var left, right *pagemanager.NodePage
	var sepIdx int
	if ci > 0 {
		sibling, err := o.node(childAt(parent, ci-1))
		if err != nil {
			return err
		}
		left, right, sepIdx = sibling, n, ci-1
	} else {
		if childCount(parent) < 2 {
			return dberrors.Newf(dberrors.InternalError, "internal node %d has a single child", parent.Handle())
		}
		sibling, err := o.node(childAt(parent, 1))
		if err != nil {
			return err
		}
		left, right, sepIdx = n, sibling, 0
	}

	var merged bool
	var err error
	if n.IsLeaf() {
		merged, err = t.balanceLeaves(o, parent, sepIdx, left, right)
	} else {
		merged, err = t.balanceInternal(o, parent, sepIdx, left, right)
	}
	if err != nil || !merged {
		return err
	}
	return t.rebalance(o, desc, parent, path[:len(path)-1])
}

// balanceLeaves merges right into left when they fit one page, otherwise it
// redistributes their entries. It reports whether a merge removed a
// separator from parent.
func (t *Tree) balanceLeaves(o *op, parent *pagemanager.NodePage, sepIdx int, left, right *pagemanager.NodePage) (bool, error) {
	ls, rs := left.Slots(), right.Slots()
	if ls.TotalFreeSpace() >= entriesBytes(rs) {
		for _, e := range rs.Entries() {
			if !ls.Append(e.Key, e.Data, e.Flags) {
				return false, dberrors.Newf(dberrors.InternalError, "merge into leaf %d overflowed", left.Handle())
			}
		}
		left.SetNext(right.Next())
		if next := right.Next(); !next.IsNull() {
			nextLeaf, err := o.node(next)
			if err != nil {
				return false, err
			}
			nextLeaf.SetPrev(left.Handle())
			if err := o.save(nextLeaf); err != nil {
				return false, err
			}
		}
		parent.Slots().RemoveAt(sepIdx)
		if err := o.save(left, parent); err != nil {
			return false, err
		}
		return true, o.free(right.Handle())
	}

	all := append(ls.Entries(), rs.Entries()...)
	m := splitPoint(all, 1, 1)
	sep := separator(all[m-1].Key, all[m].Key)
	if !parent.Slots().CanReplaceKey(sepIdx, len(sep)) {
		return false, nil
	}
	if err := fill(left, all[:m]); err != nil {
		return false, err
	}
	if err := fill(right, all[m:]); err != nil {
		return false, err
	}
	parent.Slots().SetKeyAt(sepIdx, sep)
	return false, o.save(left, right, parent)
}

// balanceInternal is balanceLeaves for internal nodes. The separator in
// the parent rotates down into the combined entry list and the new middle
// entry rotates up.
func (t *Tree) balanceInternal(o *op, parent *pagemanager.NodePage, sepIdx int, left, right *pagemanager.NodePage) (bool, error) {
	ls, rs := left.Slots(), right.Slots()
	down := slotted.Entry{Key: slices.Clone(parent.Slots().KeyAt(sepIdx)), Data: encodeChild(right.Leftmost())}
	if ls.TotalFreeSpace() >= entriesBytes(rs)+down.Size() {
		if !ls.Append(down.Key, down.Data, 0) {
			return false, dberrors.Newf(dberrors.InternalError, "merge into node %d overflowed", left.Handle())
		}
		for _, e := range rs.Entries() {
			if !ls.Append(e.Key, e.Data, e.Flags) {
				return false, dberrors.Newf(dberrors.InternalError, "merge into node %d overflowed", left.Handle())
			}
		}
		parent.Slots().RemoveAt(sepIdx)
		if err := o.save(left, parent); err != nil {
			return false, err
		}
		return true, o.free(right.Handle())
	}

	all := append(append(ls.Entries(), down), rs.Entries()...)
	mid := splitPoint(all, 1, 2)
	up := all[mid]
	if !parent.Slots().CanReplaceKey(sepIdx, len(up.Key)) {
		return false, nil
	}
	if err := fill(left, all[:mid]); err != nil {
		return false, err
	}
	right.SetLeftmost(pagemanager.PageHandle(binary.LittleEndian.Uint64(up.Data)))
	if err := fill(right, all[mid+1:]); err != nil {
		return false, err
	}
	parent.Slots().SetKeyAt(sepIdx, up.Key)
	return false, o.save(left, right, parent)
}

// Drop frees every page of the tree, its descriptor included.
func (t *Tree) Drop() error {
	o := &op{store: t.store}
	defer o.done()
	desc, err := o.descriptor(t.handle)
	if err != nil {
		return err
	}
	if err := t.dropNode(desc.RootNode); err != nil {
		return err
	}
	return o.free(t.handle)
}

func (t *Tree) dropNode(h pagemanager.PageHandle) error {
	children, err := t.dropValues(h)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := t.dropNode(c); err != nil {
			return err
		}
	}
	return t.store.FreePage(h)
}

// dropValues frees the overflow chains of a leaf, or lists the children of
// an internal node.
func (t *Tree) dropValues(h pagemanager.PageHandle) ([]pagemanager.PageHandle, error) {
	o := &op{store: t.store}
	defer o.done()
	n, err := o.node(h)
	if err != nil {
		return nil, err
	}
	s := n.Slots()
	if !n.IsLeaf() {
		children := make([]pagemanager.PageHandle, 0, childCount(n))
		for i := 0; i < childCount(n); i++ {
			children = append(children, childAt(n, i))
		}
		return children, nil
	}
	for i := 0; i < s.Count(); i++ {
		if err := dropValue(t.store, s.DataAt(i), s.FlagsAt(i)); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (t *Tree) String() string {
	return fmt.Sprintf("btree(%d, %s)", t.handle, t.kind)
}
