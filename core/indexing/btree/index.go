package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/sushant-115/gojodoc/core/dberrors"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
)

// Secondary trees map an index key to a primary key.
//
//	unique:     key = index key,               data = primary key
//	non-unique: key = index key | primary key, data = len(index key) as u16
//
// Normalised values are self-delimiting, so the concatenation sorts by
// index key first and primary key second.

func (t *Tree) requireSecondary() error {
	if t.kind == pagemanager.TreeClustered {
		return dberrors.Newf(dberrors.InternalError, "%s is not a secondary index", t)
	}
	return nil
}

// InsertEntry records that primary key pk has index key ik. On a unique
// tree it returns false when ik is already taken.
func (t *Tree) InsertEntry(ik, pk []byte) (bool, error) {
	if err := t.requireSecondary(); err != nil {
		return false, err
	}
	if t.kind == pagemanager.TreeUnique {
		return t.Insert(ik, pk)
	}
	if t.samePrefixMax > 0 {
		n, err := t.countPrefix(ik, t.samePrefixMax)
		if err != nil {
			return false, err
		}
		if n >= t.samePrefixMax {
			return false, dberrors.Newf(dberrors.MaxSamePrefixKeyCountReached,
				"%d entries already share one index key", n)
		}
	}
	if len(ik) > 0xFFFF {
		return false, dberrors.Newf(dberrors.IndexKeyTooLong, "index key of %d bytes", len(ik))
	}
	key := make([]byte, 0, len(ik)+len(pk))
	key = append(append(key, ik...), pk...)
	return t.Insert(key, binary.LittleEndian.AppendUint16(nil, uint16(len(ik))))
}

// DeleteEntry removes the (ik, pk) entry. On a unique tree the entry is
// only removed when ik still maps to pk.
func (t *Tree) DeleteEntry(ik, pk []byte) (bool, error) {
	if err := t.requireSecondary(); err != nil {
		return false, err
	}
	if t.kind == pagemanager.TreeNonUnique {
		key := make([]byte, 0, len(ik)+len(pk))
		return t.Delete(append(append(key, ik...), pk...))
	}
	cur, ok, err := t.Get(ik)
	if err != nil || !ok {
		return false, err
	}
	if !bytes.Equal(cur, pk) {
		return false, nil
	}
	return t.Delete(ik)
}

// Lookup returns the primary key stored under ik in a unique tree.
func (t *Tree) Lookup(ik []byte) ([]byte, bool, error) {
	if t.kind != pagemanager.TreeUnique {
		return nil, false, dberrors.Newf(dberrors.InternalError, "lookup on %s", t)
	}
	if len(ik) == 0 || len(ik) > MaxKeyLength {
		return nil, false, nil
	}
	return t.Get(ik)
}

// countPrefix counts the entries whose index key is ik, stopping at limit.
func (t *Tree) countPrefix(ik []byte, limit int) (int, error) {
	b := &Bound{Value: ik, Inclusive: true}
	c, err := t.Find(FindOptions{Lower: b, Upper: b, Limit: limit})
	if err != nil {
		return 0, err
	}
	defer c.Close()
	n := 0
	for c.Next() {
		n++
	}
	return n, c.Err()
}
