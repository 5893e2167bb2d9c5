package catalog

import (
	"slices"
	"strings"

	"github.com/sushant-115/gojodoc/core/dberrors"
	"github.com/sushant-115/gojodoc/core/indexing/btree"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	"github.com/sushant-115/gojodoc/core/write_engine/slotted"
)

// MaxInlineObject is the largest value kept inside an object page.
const MaxInlineObject = 1024

const objectOverflow slotted.Flags = 1

// Object is one named value of a collection.
type Object struct {
	Key   string
	Value []byte
}

// Objects is a small unordered key/value store made of a chain of slotted
// object pages hanging off a collection page. It holds index descriptors
// and collection metadata.
type Objects struct {
	store      btree.PageStore
	collection pagemanager.PageHandle
}

// NewObjects returns the object store of the collection page at h.
func NewObjects(store btree.PageStore, h pagemanager.PageHandle) *Objects {
	return &Objects{store: store, collection: h}
}

func (o *Objects) loadCollection() (*pagemanager.CollectionPage, error) {
	p, err := o.store.LoadPage(o.collection)
	if err != nil {
		return nil, err
	}
	c, ok := p.(*pagemanager.CollectionPage)
	if !ok {
		o.store.ReleasePage(o.collection)
		return nil, dberrors.Newf(dberrors.InternalError, "page %d is a %s page, not a collection", o.collection, p.Marker())
	}
	return c, nil
}

func (o *Objects) loadObjectPage(h pagemanager.PageHandle) (*pagemanager.NodePage, error) {
	p, err := o.store.LoadPage(h)
	if err != nil {
		return nil, err
	}
	n, ok := p.(*pagemanager.NodePage)
	if !ok || p.Marker() != pagemanager.MarkerObject {
		o.store.ReleasePage(h)
		return nil, dberrors.Newf(dberrors.InternalError, "page %d is a %s page, not an object page", h, p.Marker())
	}
	return n, nil
}

// walk calls fn for each object page until fn returns true or an error.
// The page passed to fn is released after fn returns.
func (o *Objects) walk(fn func(*pagemanager.NodePage) (bool, error)) error {
	c, err := o.loadCollection()
	if err != nil {
		return err
	}
	h := c.Objects
	o.store.ReleasePage(o.collection)

	for !h.IsNull() {
		n, err := o.loadObjectPage(h)
		if err != nil {
			return err
		}
		stop, err := fn(n)
		next := n.Next()
		o.store.ReleasePage(h)
		if err != nil || stop {
			return err
		}
		h = next
	}
	return nil
}

func (o *Objects) decode(data []byte, flags slotted.Flags) ([]byte, error) {
	if flags&objectOverflow == 0 {
		return slices.Clone(data), nil
	}
	length, head, err := decodeRef(data)
	if err != nil {
		return nil, err
	}
	return btree.ReadChain(o.store, head, length)
}

// Get returns the value stored under key.
func (o *Objects) Get(key string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := o.walk(func(n *pagemanager.NodePage) (bool, error) {
		data, flags, ok := n.Slots().TryRead([]byte(key))
		if !ok {
			return false, nil
		}
		v, err := o.decode(data, flags)
		value, found = v, err == nil
		return true, err
	})
	return value, found, err
}

// List returns every object whose key starts with prefix, sorted by key.
func (o *Objects) List(prefix string) ([]Object, error) {
	var out []Object
	err := o.walk(func(n *pagemanager.NodePage) (bool, error) {
		s := n.Slots()
		for i := 0; i < s.Count(); i++ {
			k := string(s.KeyAt(i))
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			v, err := o.decode(s.DataAt(i), s.FlagsAt(i))
			if err != nil {
				return true, err
			}
			out = append(out, Object{Key: k, Value: v})
		}
		return false, nil
	})
	slices.SortFunc(out, func(a, b Object) int { return strings.Compare(a.Key, b.Key) })
	return out, err
}

// Put stores value under key, replacing any previous value.
func (o *Objects) Put(key string, value []byte) error {
	if len(key) == 0 || len(key) > btree.MaxKeyLength {
		return dberrors.Newf(dberrors.InternalError, "object key of %d bytes", len(key))
	}
	if _, err := o.Delete(key); err != nil {
		return err
	}

	data, flags := value, slotted.Flags(0)
	if len(value) > MaxInlineObject {
		head, err := btree.WriteChain(o.store, pagemanager.MarkerObjectOverflow, value)
		if err != nil {
			return err
		}
		data, flags = encodeRef(len(value), head), objectOverflow
	}

	stored := false
	err := o.walk(func(n *pagemanager.NodePage) (bool, error) {
		s := n.Slots()
		if !s.CanAllocate(len(key), len(data)) {
			return false, nil
		}
		if !s.TryWrite([]byte(key), data) || !s.TrySetFlags([]byte(key), flags) {
			return true, dberrors.Newf(dberrors.InternalError, "object page %d refused %q", n.Handle(), key)
		}
		stored = true
		return true, o.store.SavePage(n)
	})
	if err != nil || stored {
		return err
	}
	return o.prepend(key, data, flags)
}

// prepend links a fresh object page holding one entry in front of the chain.
func (o *Objects) prepend(key string, data []byte, flags slotted.Flags) error {
	c, err := o.loadCollection()
	if err != nil {
		return err
	}
	defer o.store.ReleasePage(o.collection)

	p, err := o.store.AllocatePage(pagemanager.MarkerObject)
	if err != nil {
		return err
	}
	defer o.store.ReleasePage(p.Handle())
	n := p.(*pagemanager.NodePage)
	if !n.Slots().TryWrite([]byte(key), data) || !n.Slots().TrySetFlags([]byte(key), flags) {
		return dberrors.Newf(dberrors.InternalError, "empty object page refused %q", key)
	}
	n.SetNext(c.Objects)
	c.Objects = n.Handle()
	if err := o.store.SavePage(n); err != nil {
		return err
	}
	return o.store.SavePage(c)
}

// Delete removes key and frees its overflow chain.
func (o *Objects) Delete(key string) (bool, error) {
	removed := false
	err := o.walk(func(n *pagemanager.NodePage) (bool, error) {
		s := n.Slots()
		i, ok := s.Find([]byte(key))
		if !ok {
			return false, nil
		}
		if s.FlagsAt(i)&objectOverflow != 0 {
			_, head, err := decodeRef(s.DataAt(i))
			if err != nil {
				return true, err
			}
			if err := btree.FreeChain(o.store, head); err != nil {
				return true, err
			}
		}
		s.TryRemove([]byte(key))
		removed = true
		return true, o.store.SavePage(n)
	})
	return removed, err
}

// Drop frees every object page and overflow chain.
func (o *Objects) Drop() error {
	var pages []pagemanager.PageHandle
	err := o.walk(func(n *pagemanager.NodePage) (bool, error) {
		s := n.Slots()
		for i := 0; i < s.Count(); i++ {
			if s.FlagsAt(i)&objectOverflow == 0 {
				continue
			}
			_, head, err := decodeRef(s.DataAt(i))
			if err != nil {
				return true, err
			}
			if err := btree.FreeChain(o.store, head); err != nil {
				return true, err
			}
		}
		pages = append(pages, n.Handle())
		return false, nil
	})
	if err != nil {
		return err
	}
	for _, h := range pages {
		if err := o.store.FreePage(h); err != nil {
			return err
		}
	}
	return nil
}
