// Package indexmanager keeps the secondary indexes of a collection in step
// with its documents. It extracts the indexed fields of a document,
// normalises them and writes the matching entries into each index tree.
package indexmanager

import (
	"github.com/sushant-115/gojodoc/core/catalog"
	"github.com/sushant-115/gojodoc/core/indexing/keys"
	"go.uber.org/zap"
)

// FieldExtractor reads one field of a document. A field that is absent
// reports ok=false and is left out of the index.
type FieldExtractor interface {
	Extract(doc []byte, field string) (value any, ok bool, err error)
}

// Entries maps an indexed field to the index key of one document.
type Entries map[string]keys.NormalisedValue

// IndexManager maintains secondary index entries. It is stateless between
// calls and safe for concurrent use; every call works through the
// PageStore it is given.
type IndexManager struct {
	extractor FieldExtractor
	// samePrefixMax caps the entries sharing one key in a non-unique index.
	samePrefixMax int
	logger        *zap.Logger
}

// New returns an IndexManager reading fields with extractor.
func New(extractor FieldExtractor, samePrefixMax int, logger *zap.Logger) *IndexManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if extractor == nil {
		extractor = JSONExtractor{}
	}
	return &IndexManager{
		extractor:     extractor,
		samePrefixMax: samePrefixMax,
		logger:        logger.With(zap.String("component", "index_manager")),
	}
}

// Extractor returns the field extractor in use.
func (m *IndexManager) Extractor() FieldExtractor { return m.extractor }

// Entries extracts and normalises every indexed field of doc.
func (m *IndexManager) Entries(info catalog.CollectionInfo, doc []byte) (Entries, error) {
	out := make(Entries, len(info.Indexes))
	for field := range info.Indexes {
		v, ok, err := m.extractor.Extract(doc, field)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		ik, err := keys.Normalise(v)
		if err != nil {
			return nil, err
		}
		out[field] = ik
	}
	return out, nil
}

// changed returns the fields whose key differs between before and after,
// split into the keys to remove and the keys to add.
func changed(before, after Entries) (removed, added Entries) {
	removed, added = Entries{}, Entries{}
	for field, ik := range before {
		if next, ok := after[field]; !ok || keys.Compare(ik, next) != 0 {
			removed[field] = ik
		}
	}
	for field, ik := range after {
		if prev, ok := before[field]; !ok || keys.Compare(ik, prev) != 0 {
			added[field] = ik
		}
	}
	return removed, added
}
