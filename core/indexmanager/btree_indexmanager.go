package indexmanager

import (
	"bytes"

	"github.com/sushant-115/gojodoc/core/catalog"
	"github.com/sushant-115/gojodoc/core/dberrors"
	"github.com/sushant-115/gojodoc/core/indexing/btree"
	"go.uber.org/zap"
)

func (m *IndexManager) open(store btree.PageStore, idx catalog.IndexInfo) (*btree.Tree, error) {
	return btree.Open(store, idx.Tree, btree.WithLogger(m.logger), btree.WithSamePrefixLimit(m.samePrefixMax))
}

// Validate checks that every entry of pk fits its index and that no unique
// index already maps the same key to another document. It changes nothing,
// so a failed write can be reported before any page is touched.
func (m *IndexManager) Validate(store btree.PageStore, info catalog.CollectionInfo, pk []byte, entries Entries) error {
	for field, ik := range entries {
		idx := info.Indexes[field]
		if !idx.Unique {
			if len(ik)+len(pk) > btree.MaxKeyLength {
				return dberrors.Newf(dberrors.IndexKeyTooLong, "index %s: key of %d bytes with primary key of %d bytes",
					field, len(ik), len(pk))
			}
			continue
		}
		if len(ik) > btree.MaxKeyLength {
			return dberrors.Newf(dberrors.IndexKeyTooLong, "index %s: key of %d bytes", field, len(ik))
		}
		t, err := m.open(store, idx)
		if err != nil {
			return err
		}
		owner, ok, err := t.Lookup(ik)
		if err != nil {
			return err
		}
		if ok && !bytes.Equal(owner, pk) {
			return dberrors.Newf(dberrors.IndexAlreadyExists, "unique index %s.%s already holds %s", info.Name, field, ik)
		}
	}
	return nil
}

// Add writes the entries of pk.
func (m *IndexManager) Add(store btree.PageStore, info catalog.CollectionInfo, pk []byte, entries Entries) error {
	for field, ik := range entries {
		t, err := m.open(store, info.Indexes[field])
		if err != nil {
			return err
		}
		ok, err := t.InsertEntry(ik, pk)
		if err != nil {
			return err
		}
		if !ok {
			return dberrors.Newf(dberrors.IndexAlreadyExists, "index %s.%s already holds %s", info.Name, field, ik)
		}
	}
	return nil
}

// Remove deletes the entries of pk. A missing entry means the index and the
// clustered tree disagree, which is reported as InternalError.
func (m *IndexManager) Remove(store btree.PageStore, info catalog.CollectionInfo, pk []byte, entries Entries) error {
	for field, ik := range entries {
		t, err := m.open(store, info.Indexes[field])
		if err != nil {
			return err
		}
		ok, err := t.DeleteEntry(ik, pk)
		if err != nil {
			return err
		}
		if !ok {
			m.logger.DPanic("index entry missing", zap.String("collection", info.Name), zap.String("field", field))
			return dberrors.Newf(dberrors.InternalError, "index %s.%s lacks the entry of a stored document", info.Name, field)
		}
	}
	return nil
}

// Replace moves the entries of pk from before to after, touching only the
// fields whose key changed. Call Validate on the added keys first.
func (m *IndexManager) Replace(store btree.PageStore, info catalog.CollectionInfo, pk []byte, before, after Entries) error {
	removed, added := changed(before, after)
	if err := m.Remove(store, info, pk, removed); err != nil {
		return err
	}
	return m.Add(store, info, pk, added)
}

// Changed returns the entries of after that are not in before.
func Changed(before, after Entries) Entries {
	_, added := changed(before, after)
	return added
}

// Build fills the freshly created index idx from every document of the
// collection. info must not list idx yet.
func (m *IndexManager) Build(store btree.PageStore, info catalog.CollectionInfo, idx catalog.IndexInfo) (int, error) {
	clustered, err := btree.Open(store, info.Tree)
	if err != nil {
		return 0, err
	}
	cur, err := clustered.Scan()
	if err != nil {
		return 0, err
	}
	defer cur.Close()

	withIdx := info.Clone()
	withIdx.Indexes = map[string]catalog.IndexInfo{idx.Field: idx}
	n := 0
	for cur.Next() {
		doc, err := cur.Value()
		if err != nil {
			return n, err
		}
		entries, err := m.Entries(withIdx, doc)
		if err != nil {
			return n, err
		}
		pk := bytes.Clone(cur.Key())
		if err := m.Validate(store, withIdx, pk, entries); err != nil {
			return n, err
		}
		if err := m.Add(store, withIdx, pk, entries); err != nil {
			return n, err
		}
		n += len(entries)
	}
	if err := cur.Err(); err != nil {
		return n, err
	}
	m.logger.Debug("built index", zap.String("collection", info.Name), zap.String("field", idx.Field), zap.Int("entries", n))
	return n, nil
}
