// Package catalog keeps track of the collections of a database and the
// indexes of each collection.
//
// The meta-collection is a clustered tree keyed by the normalised
// collection id whose values are collection page handles, plus a unique
// name index. Index descriptors and collection metadata live in the object
// pages of each collection.
package catalog

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/sushant-115/gojodoc/core/dberrors"
	"github.com/sushant-115/gojodoc/core/indexing/btree"
	"github.com/sushant-115/gojodoc/core/indexing/keys"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	"go.uber.org/zap"
)

const (
	indexPrefix = "index:"
	metadataKey = "metadata"

	// MaxFieldLength bounds index field paths.
	MaxFieldLength = 256

	// FirstAutoID is the first id InsertAuto hands out.
	FirstAutoID uint64 = 1
	// MaxAutoID is the last one; automatic ids stay in the int64 range.
	MaxAutoID uint64 = math.MaxInt64
)

// IndexInfo describes one secondary index.
type IndexInfo struct {
	Field  string
	ID     uint64
	Tree   pagemanager.PageHandle
	Unique bool
}

// CollectionInfo describes one collection and its indexes.
type CollectionInfo struct {
	Name    string
	ID      uint64
	Page    pagemanager.PageHandle
	Tree    pagemanager.PageHandle
	Indexes map[string]IndexInfo
}

// Clone returns a deep copy.
func (c CollectionInfo) Clone() CollectionInfo {
	out := c
	out.Indexes = make(map[string]IndexInfo, len(c.Indexes))
	for k, v := range c.Indexes {
		out.Indexes[k] = v
	}
	return out
}

// Catalog reads and writes the catalog through one PageStore. The catalog
// trees are opened on first use, so per-collection calls (indexes, ids,
// metadata) never touch pages guarded by the meta lock.
type Catalog struct {
	store               btree.PageStore
	metaRoot, namesRoot pagemanager.PageHandle
	meta                *btree.Tree
	names               *btree.Tree
	logger              *zap.Logger
}

// Bootstrap creates the catalog trees of a new database and returns their
// descriptor handles.
func Bootstrap(store btree.PageStore) (meta, names pagemanager.PageHandle, err error) {
	m, err := btree.Create(store, pagemanager.TreeClustered)
	if err != nil {
		return pagemanager.NullHandle, pagemanager.NullHandle, err
	}
	n, err := btree.Create(store, pagemanager.TreeUnique)
	if err != nil {
		return pagemanager.NullHandle, pagemanager.NullHandle, err
	}
	return m.Handle(), n.Handle(), nil
}

// Open binds the catalog trees to store.
func Open(store btree.PageStore, meta, names pagemanager.PageHandle, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if meta.IsNull() || names.IsNull() {
		return nil, dberrors.New(dberrors.InvalidDatabaseState, "root page names no catalog")
	}
	return &Catalog{store: store, metaRoot: meta, namesRoot: names, logger: logger.With(zap.String("component", "catalog"))}, nil
}

func (c *Catalog) trees() error {
	if c.meta != nil {
		return nil
	}
	m, err := btree.Open(c.store, c.metaRoot)
	if err != nil {
		return err
	}
	n, err := btree.Open(c.store, c.namesRoot)
	if err != nil {
		return err
	}
	c.meta, c.names = m, n
	return nil
}

func idKey(id uint64) []byte { return keys.MustNormalise(id) }

func nameKey(name string) []byte { return keys.MustNormalise(name) }

// ValidateName checks a collection name.
func ValidateName(name string) error {
	if name == "" || len(name) > pagemanager.MaxCollectionNameLength {
		return dberrors.Newf(dberrors.InvalidConfiguration, "collection name of %d bytes", len(name))
	}
	return nil
}

// ValidateField checks an index field path.
func ValidateField(field string) error {
	if field == "" || len(field) > MaxFieldLength || strings.HasPrefix(field, ".") || strings.HasSuffix(field, ".") {
		return dberrors.Newf(dberrors.InvalidConfiguration, "invalid index field %q", field)
	}
	return nil
}

// Lookup returns the id of the collection called name.
func (c *Catalog) Lookup(name string) (uint64, bool, error) {
	if err := c.trees(); err != nil {
		return 0, false, err
	}
	if ValidateName(name) != nil {
		return 0, false, nil
	}
	pk, ok, err := c.names.Lookup(nameKey(name))
	if err != nil || !ok {
		return 0, false, err
	}
	v, err := keys.Denormalise(pk)
	if err != nil {
		return 0, false, dberrors.Wrap(dberrors.InternalError, err, "name index holds a malformed id")
	}
	switch id := v.(type) {
	case int64:
		return uint64(id), true, nil
	case uint64:
		return id, true, nil
	default:
		return 0, false, dberrors.Newf(dberrors.InternalError, "name index maps %q to %T", name, v)
	}
}

// Load reads the collection with the given id.
func (c *Catalog) Load(id uint64) (CollectionInfo, error) {
	if err := c.trees(); err != nil {
		return CollectionInfo{}, err
	}
	data, ok, err := c.meta.Get(idKey(id))
	if err != nil {
		return CollectionInfo{}, err
	}
	if !ok {
		return CollectionInfo{}, dberrors.Newf(dberrors.CollectionDoesNotExist, "collection %d", id)
	}
	if len(data) != 8 {
		return CollectionInfo{}, dberrors.Newf(dberrors.InternalError, "meta entry of collection %d holds %d bytes", id, len(data))
	}
	h := pagemanager.PageHandle(binary.LittleEndian.Uint64(data))

	p, err := c.store.LoadPage(h)
	if err != nil {
		return CollectionInfo{}, err
	}
	page, ok := p.(*pagemanager.CollectionPage)
	c.store.ReleasePage(h)
	if !ok || page.ObjectID != id {
		return CollectionInfo{}, dberrors.Newf(dberrors.InternalError, "meta entry of collection %d points at page %d", id, h)
	}

	info := CollectionInfo{Name: page.Name, ID: id, Page: h, Tree: page.Tree, Indexes: make(map[string]IndexInfo)}
	objects, err := NewObjects(c.store, h).List(indexPrefix)
	if err != nil {
		return CollectionInfo{}, err
	}
	for _, o := range objects {
		idx, err := decodeIndex(strings.TrimPrefix(o.Key, indexPrefix), o.Value)
		if err != nil {
			return CollectionInfo{}, err
		}
		info.Indexes[idx.Field] = idx
	}
	return info, nil
}

// Collections lists every collection in id order.
func (c *Catalog) Collections() ([]CollectionInfo, error) {
	if err := c.trees(); err != nil {
		return nil, err
	}
	cur, err := c.meta.Scan()
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for cur.Next() {
		v, err := keys.Denormalise(cur.Key())
		if err != nil {
			cur.Close()
			return nil, dberrors.Wrap(dberrors.InternalError, err, "meta-collection holds a malformed key")
		}
		switch id := v.(type) {
		case int64:
			ids = append(ids, uint64(id))
		case uint64:
			ids = append(ids, id)
		}
	}
	cur.Close()
	if err := cur.Err(); err != nil {
		return nil, err
	}

	out := make([]CollectionInfo, 0, len(ids))
	for _, id := range ids {
		info, err := c.Load(id)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// CreateCollection registers a new empty collection.
func (c *Catalog) CreateCollection(id uint64, name string) (CollectionInfo, error) {
	if err := c.trees(); err != nil {
		return CollectionInfo{}, err
	}
	if err := ValidateName(name); err != nil {
		return CollectionInfo{}, err
	}
	ok, err := c.names.InsertEntry(nameKey(name), idKey(id))
	if err != nil {
		return CollectionInfo{}, err
	}
	if !ok {
		return CollectionInfo{}, dberrors.Newf(dberrors.CollectionAlreadyExists, "collection %q", name)
	}

	tree, err := btree.Create(c.store, pagemanager.TreeClustered)
	if err != nil {
		return CollectionInfo{}, err
	}
	p, err := c.store.AllocatePage(pagemanager.MarkerCollection)
	if err != nil {
		return CollectionInfo{}, err
	}
	page := p.(*pagemanager.CollectionPage)
	page.ObjectID = id
	page.Name = name
	page.Tree = tree.Handle()
	page.NextAutoID = FirstAutoID
	err = c.store.SavePage(page)
	c.store.ReleasePage(page.Handle())
	if err != nil {
		return CollectionInfo{}, err
	}

	if ok, err := c.meta.Insert(idKey(id), binary.LittleEndian.AppendUint64(nil, uint64(page.Handle()))); err != nil {
		return CollectionInfo{}, err
	} else if !ok {
		return CollectionInfo{}, dberrors.Newf(dberrors.InternalError, "collection id %d reused", id)
	}
	c.logger.Debug("created collection", zap.String("collection", name), zap.Uint64("id", id))
	return CollectionInfo{Name: name, ID: id, Page: page.Handle(), Tree: tree.Handle(), Indexes: map[string]IndexInfo{}}, nil
}

// DropCollection frees every page of the collection and unregisters it.
func (c *Catalog) DropCollection(info CollectionInfo) error {
	if err := c.trees(); err != nil {
		return err
	}
	for _, idx := range info.Indexes {
		if err := c.dropTree(idx.Tree); err != nil {
			return err
		}
	}
	if err := c.dropTree(info.Tree); err != nil {
		return err
	}
	if err := NewObjects(c.store, info.Page).Drop(); err != nil {
		return err
	}
	if err := c.store.FreePage(info.Page); err != nil {
		return err
	}
	if _, err := c.meta.Delete(idKey(info.ID)); err != nil {
		return err
	}
	if _, err := c.names.DeleteEntry(nameKey(info.Name), idKey(info.ID)); err != nil {
		return err
	}
	c.logger.Debug("dropped collection", zap.String("collection", info.Name), zap.Uint64("id", info.ID))
	return nil
}

func (c *Catalog) dropTree(h pagemanager.PageHandle) error {
	t, err := btree.Open(c.store, h)
	if err != nil {
		return err
	}
	return t.Drop()
}

// CreateIndex creates an empty secondary tree for field and records its
// descriptor. The caller fills the tree.
func (c *Catalog) CreateIndex(info CollectionInfo, field string, unique bool, id uint64) (IndexInfo, error) {
	if err := ValidateField(field); err != nil {
		return IndexInfo{}, err
	}
	if _, ok := info.Indexes[field]; ok {
		return IndexInfo{}, dberrors.Newf(dberrors.IndexAlreadyExists, "index on %s.%s", info.Name, field)
	}
	kind := pagemanager.TreeNonUnique
	if unique {
		kind = pagemanager.TreeUnique
	}
	tree, err := btree.Create(c.store, kind)
	if err != nil {
		return IndexInfo{}, err
	}
	idx := IndexInfo{Field: field, ID: id, Tree: tree.Handle(), Unique: unique}
	if err := NewObjects(c.store, info.Page).Put(indexPrefix+field, encodeIndex(idx)); err != nil {
		return IndexInfo{}, err
	}
	return idx, nil
}

// RemoveIndex drops the index on field.
func (c *Catalog) RemoveIndex(info CollectionInfo, field string) (IndexInfo, error) {
	idx, ok := info.Indexes[field]
	if !ok {
		return IndexInfo{}, dberrors.Newf(dberrors.IndexDoesNotExist, "index on %s.%s", info.Name, field)
	}
	if err := c.dropTree(idx.Tree); err != nil {
		return IndexInfo{}, err
	}
	if _, err := NewObjects(c.store, info.Page).Delete(indexPrefix + field); err != nil {
		return IndexInfo{}, err
	}
	return idx, nil
}

// NextAutoID draws the next automatic document id of the collection.
func (c *Catalog) NextAutoID(info CollectionInfo) (uint64, error) {
	p, err := c.store.LoadPage(info.Page)
	if err != nil {
		return 0, err
	}
	defer c.store.ReleasePage(info.Page)
	page, ok := p.(*pagemanager.CollectionPage)
	if !ok {
		return 0, dberrors.Newf(dberrors.InternalError, "page %d is a %s page, not a collection", info.Page, p.Marker())
	}
	if page.NextAutoID > MaxAutoID {
		return 0, dberrors.Newf(dberrors.MaxAutomaticIdCountReached, "collection %q", info.Name)
	}
	id := page.NextAutoID
	page.NextAutoID++
	return id, c.store.SavePage(page)
}

// SetMetadata stores an opaque blob with the collection. A nil blob clears it.
func (c *Catalog) SetMetadata(info CollectionInfo, blob []byte) error {
	objects := NewObjects(c.store, info.Page)
	if blob == nil {
		_, err := objects.Delete(metadataKey)
		return err
	}
	return objects.Put(metadataKey, blob)
}

// Metadata returns the blob stored with SetMetadata.
func (c *Catalog) Metadata(info CollectionInfo) ([]byte, bool, error) {
	return NewObjects(c.store, info.Page).Get(metadataKey)
}

// Check verifies the catalog trees.
func (c *Catalog) Check() error {
	if err := c.trees(); err != nil {
		return err
	}
	if err := c.meta.Check(); err != nil {
		return err
	}
	return c.names.Check()
}
