package btree

import (
	"github.com/sushant-115/gojodoc/core/dberrors"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
)

// WriteChain stores data in a fresh chain of overflow pages of kind marker
// and returns the head handle. The chain is built back to front so every
// page is written once with its final next link.
func WriteChain(store PageStore, marker pagemanager.Marker, data []byte) (pagemanager.PageHandle, error) {
	if len(data) == 0 {
		return pagemanager.NullHandle, nil
	}
	next := pagemanager.NullHandle
	end := len(data)
	for end > 0 {
		start := (end - 1) / pagemanager.OverflowCapacity * pagemanager.OverflowCapacity
		p, err := store.AllocatePage(marker)
		if err != nil {
			return pagemanager.NullHandle, err
		}
		ov, ok := p.(*pagemanager.OverflowPage)
		if !ok {
			store.ReleasePage(p.Handle())
			return pagemanager.NullHandle, dberrors.Newf(dberrors.InternalError, "%s is not an overflow marker", marker)
		}
		ov.Next = next
		ov.Data = append([]byte(nil), data[start:end]...)
		err = store.SavePage(ov)
		store.ReleasePage(ov.Handle())
		if err != nil {
			return pagemanager.NullHandle, err
		}
		next = ov.Handle()
		end = start
	}
	return next, nil
}

// ReadChain reassembles length bytes from the chain starting at head.
func ReadChain(store PageStore, head pagemanager.PageHandle, length int) ([]byte, error) {
	out := make([]byte, 0, length)
	for h := head; !h.IsNull(); {
		ov, err := loadOverflow(store, h)
		if err != nil {
			return nil, err
		}
		out = append(out, ov.Data...)
		next := ov.Next
		store.ReleasePage(h)
		if len(out) > length {
			return nil, dberrors.Newf(dberrors.InternalError, "overflow chain at %d exceeds %d bytes", head, length)
		}
		h = next
	}
	if len(out) != length {
		return nil, dberrors.Newf(dberrors.InternalError, "overflow chain at %d holds %d of %d bytes", head, len(out), length)
	}
	return out, nil
}

// FreeChain releases every page of the chain starting at head.
func FreeChain(store PageStore, head pagemanager.PageHandle) error {
	for h := head; !h.IsNull(); {
		ov, err := loadOverflow(store, h)
		if err != nil {
			return err
		}
		next := ov.Next
		store.ReleasePage(h)
		if err := store.FreePage(h); err != nil {
			return err
		}
		h = next
	}
	return nil
}

func loadOverflow(store PageStore, h pagemanager.PageHandle) (*pagemanager.OverflowPage, error) {
	p, err := store.LoadPage(h)
	if err != nil {
		return nil, err
	}
	ov, ok := p.(*pagemanager.OverflowPage)
	if !ok {
		store.ReleasePage(h)
		return nil, dberrors.Newf(dberrors.InternalError, "page %d is a %s page, not an overflow page", h, p.Marker())
	}
	return ov, nil
}
