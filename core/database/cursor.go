package database

import (
	"context"
	"sync"

	"github.com/sushant-115/gojodoc/core/dberrors"
	"github.com/sushant-115/gojodoc/core/indexing/btree"
	"github.com/sushant-115/gojodoc/core/indexing/keys"
	"github.com/sushant-115/gojodoc/core/transaction"
)

// cursor is the part shared by IndexCursor and DocumentCursor. It keeps the
// read scope of the collection until Close, so the documents it walks
// cannot change underneath it. Writers of the collection wait for Close.
type cursor struct {
	t         *txn
	c         *btree.Cursor
	clustered *btree.Tree
	closeOnce sync.Once
	err       error
}

// Next advances to the next entry. It returns false at the end of the range
// or on error; check Err.
func (c *cursor) Next() bool { return c.c.Next() }

// Err returns the error that stopped Next, if any.
func (c *cursor) Err() error { return c.c.Err() }

// Close releases the cursor and, unless it runs inside a Batch, the read
// scope it holds. It is safe to call more than once.
func (c *cursor) Close() error {
	c.closeOnce.Do(func() {
		c.c.Close()
		if c.t.owned {
			c.err = c.t.s.Commit()
		}
	})
	return c.err
}

func (c *cursor) document(pk []byte) ([]byte, error) {
	doc, ok, err := c.clustered.Get(pk)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, dberrors.Newf(dberrors.InternalError, "index entry for missing document %s", keys.NormalisedValue(pk))
	}
	return doc, nil
}

// IndexCursor walks index entries in key order, yielding primary keys.
type IndexCursor struct {
	cursor
}

// IndexKey returns the index key of the current entry.
func (c *IndexCursor) IndexKey() keys.NormalisedValue { return c.c.IndexKey() }

// PrimaryKey returns the primary key of the current entry.
func (c *IndexCursor) PrimaryKey() keys.NormalisedValue { return c.c.PrimaryKey() }

// ID returns the current document id as a Go value.
func (c *IndexCursor) ID() (any, error) { return keys.Denormalise(c.c.PrimaryKey()) }

// Document reads the current document through the cursor's own scope.
func (c *IndexCursor) Document() ([]byte, error) { return c.document(c.c.PrimaryKey()) }

// DocumentCursor walks the documents of a collection in id order.
type DocumentCursor struct {
	cursor
}

// PrimaryKey returns the normalised id of the current document.
func (c *DocumentCursor) PrimaryKey() keys.NormalisedValue { return c.c.Key() }

// ID returns the current document id as a Go value.
func (c *DocumentCursor) ID() (any, error) { return keys.Denormalise(c.c.Key()) }

// Document returns a copy of the current document.
func (c *DocumentCursor) Document() ([]byte, error) { return c.c.Value() }

func (c *Collection) open(ctx context.Context, field string, opts FindOptions) (_ *txn, _ *btree.Cursor, clustered *btree.Tree, err error) {
	t, err := c.acquire(ctx, transaction.LockRead)
	if err != nil {
		return nil, nil, nil, err
	}
	defer func() {
		if err != nil && t.owned {
			t.s.Rollback()
		}
	}()
	clustered, err = t.clustered()
	if err != nil {
		return nil, nil, nil, err
	}
	tree := clustered
	if field != "" {
		idx, ok := t.info.Indexes[field]
		if !ok {
			return nil, nil, nil, dberrors.Newf(dberrors.IndexDoesNotExist, "index on %s.%s", c.name, field)
		}
		if tree, err = btree.Open(t.s, idx.Tree); err != nil {
			return nil, nil, nil, err
		}
	}
	bc, err := tree.Find(opts)
	if err != nil {
		return nil, nil, nil, err
	}
	return t, bc, clustered, nil
}

// Find opens a cursor over the entries of the index on field whose keys lie
// within opts. Bounds are normalised index keys (see keys.Normalise).
// The cursor must be closed.
func (c *Collection) Find(ctx context.Context, field string, opts FindOptions) (_ *IndexCursor, err error) {
	ctx, span, start := c.db.startMetricsAndTrace(ctx, "Find", c.name)
	defer func() { c.db.endMetricsAndTrace(ctx, span, start, "Find", err) }()
	t, bc, clustered, err := c.open(ctx, field, opts)
	if err != nil {
		return nil, err
	}
	return &IndexCursor{cursor{t: t, c: bc, clustered: clustered}}, nil
}

// Scan opens a cursor over the documents whose ids lie within opts.
// The cursor must be closed.
func (c *Collection) Scan(ctx context.Context, opts FindOptions) (_ *DocumentCursor, err error) {
	ctx, span, start := c.db.startMetricsAndTrace(ctx, "Scan", c.name)
	defer func() { c.db.endMetricsAndTrace(ctx, span, start, "Scan", err) }()
	t, bc, clustered, err := c.open(ctx, "", opts)
	if err != nil {
		return nil, err
	}
	return &DocumentCursor{cursor{t: t, c: bc, clustered: clustered}}, nil
}
