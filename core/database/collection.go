package database

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/sushant-115/gojodoc/core/catalog"
	"github.com/sushant-115/gojodoc/core/dberrors"
	"github.com/sushant-115/gojodoc/core/indexing/btree"
	"github.com/sushant-115/gojodoc/core/indexing/keys"
	"github.com/sushant-115/gojodoc/core/indexmanager"
	"github.com/sushant-115/gojodoc/core/transaction"
	"go.uber.org/zap"
)

// FindOptions selects a key range for Find and Scan.
type FindOptions = btree.FindOptions

// Bound is one end of a FindOptions range.
type Bound = btree.Bound

// Collection is a handle on a named collection. It resolves the name on
// every call, so a handle outlives a drop and reports
// CollectionDoesNotExist until the name is created again.
type Collection struct {
	db   *Database
	name string
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

type batchKey struct{}

// batchState is shared by every operation of one Batch. err is set by the
// first operation that failed after it had started writing.
type batchState struct {
	err error
}

// txn is the scope one operation runs in.
type txn struct {
	s     *transaction.Scope
	ctx   context.Context
	info  catalog.CollectionInfo
	owned bool
	batch *batchState
	// dirty is set once the operation has written to a tree.
	dirty bool
}

func (t *txn) clustered() (*btree.Tree, error) {
	return btree.Open(t.s, t.info.Tree)
}

// finish completes an owned scope: commit on success, rollback on error.
// Inside a batch the scope belongs to the batch, which is poisoned when the
// failed operation had already written.
func (t *txn) finish(err error) error {
	if !t.owned {
		if err != nil && t.dirty && t.batch != nil && t.batch.err == nil {
			t.batch.err = err
		}
		return err
	}
	if err != nil {
		t.s.Rollback()
		return err
	}
	return t.s.Commit()
}

// acquire returns a scope holding the collection and its indexes in mode.
// A context carrying a Batch scope of this collection reuses it.
func (c *Collection) acquire(ctx context.Context, mode transaction.LockMode) (*txn, error) {
	if err := c.db.usable(); err != nil {
		return nil, err
	}
	if s := transaction.FromContext(ctx); s != nil {
		info, ok := c.db.lookup(c.name)
		if !ok {
			return nil, notFound(c.name)
		}
		if err := s.Require(transaction.ObjectID(info.ID), mode); err != nil {
			return nil, err
		}
		b, _ := ctx.Value(batchKey{}).(*batchState)
		if b != nil && b.err != nil {
			return nil, fmt.Errorf("batch already failed: %w", b.err)
		}
		return &txn{s: s, ctx: ctx, info: info, batch: b}, nil
	}

	for {
		info, ok := c.db.lookup(c.name)
		if !ok {
			return nil, notFound(c.name)
		}
		s, sctx, err := c.db.txns.Begin(ctx, transaction.Target{ID: transaction.ObjectID(info.ID), Mode: mode})
		if errors.Is(err, dberrors.ErrLockDoesNotExist) {
			// dropped while we looked
			continue
		}
		if err != nil {
			return nil, err
		}
		cur, ok := c.db.lookup(c.name)
		if !ok {
			s.Rollback()
			return nil, notFound(c.name)
		}
		if cur.ID != info.ID {
			s.Rollback()
			continue
		}
		if err := s.Extend(sctx, indexTargets(cur, mode)...); err != nil {
			s.Rollback()
			return nil, err
		}
		return &txn{s: s, ctx: sctx, info: cur, owned: true}, nil
	}
}

func (c *Collection) run(ctx context.Context, op string, mode transaction.LockMode, fn func(t *txn) error) (err error) {
	ctx, span, start := c.db.startMetricsAndTrace(ctx, op, c.name)
	defer func() { c.db.endMetricsAndTrace(ctx, span, start, op, err) }()
	t, err := c.acquire(ctx, mode)
	if err != nil {
		return err
	}
	return t.finish(fn(t))
}

// primaryKey normalises a document id. A keys.NormalisedValue is taken as is.
func primaryKey(id any) (keys.NormalisedValue, error) {
	if pk, ok := id.(keys.NormalisedValue); ok {
		if len(pk) == 0 {
			return nil, dberrors.New(dberrors.UnsupportedValueType, "empty document id")
		}
		return pk, nil
	}
	pk, err := keys.Normalise(id)
	if err != nil {
		return nil, err
	}
	if len(pk) > btree.MaxKeyLength {
		return nil, dberrors.Newf(dberrors.IndexKeyTooLong, "document id of %d bytes exceeds %d", len(pk), btree.MaxKeyLength)
	}
	return pk, nil
}

// Insert stores doc under id. It fails with DocumentAlreadyExists when id is
// taken and with IndexAlreadyExists when a unique index already holds one
// of the document's keys; nothing is written in either case.
func (c *Collection) Insert(ctx context.Context, id any, doc []byte) error {
	return c.run(ctx, "Insert", transaction.LockWrite, func(t *txn) error {
		pk, err := primaryKey(id)
		if err != nil {
			return err
		}
		return c.insert(t, pk, doc)
	})
}

// TryInsert is Insert that reports a taken id or unique key as false.
func (c *Collection) TryInsert(ctx context.Context, id any, doc []byte) (bool, error) {
	err := c.Insert(ctx, id, doc)
	switch dberrors.CodeOf(err) {
	case 0:
		return true, nil
	case dberrors.DocumentAlreadyExists, dberrors.IndexAlreadyExists:
		return false, nil
	}
	return false, err
}

// InsertAuto stores doc under the next automatic id of the collection and
// returns that id. Ids already taken by explicit inserts are skipped.
func (c *Collection) InsertAuto(ctx context.Context, doc []byte) (int64, error) {
	var id int64
	err := c.run(ctx, "InsertAuto", transaction.LockWrite, func(t *txn) error {
		cat, err := c.db.catalog(t.s)
		if err != nil {
			return err
		}
		tree, err := t.clustered()
		if err != nil {
			return err
		}
		for {
			n, err := cat.NextAutoID(t.info)
			if err != nil {
				return err
			}
			pk := keys.MustNormalise(int64(n))
			_, taken, err := tree.Get(pk)
			if err != nil {
				return err
			}
			if taken {
				continue
			}
			id = int64(n)
			return c.insert(t, pk, doc)
		}
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (c *Collection) insert(t *txn, pk keys.NormalisedValue, doc []byte) error {
	tree, err := t.clustered()
	if err != nil {
		return err
	}
	_, exists, err := tree.Get(pk)
	if err != nil {
		return err
	}
	if exists {
		return dberrors.Newf(dberrors.DocumentAlreadyExists, "%s/%s", c.name, pk)
	}
	entries, err := c.db.indexes.Entries(t.info, doc)
	if err != nil {
		return err
	}
	if err := c.db.indexes.Validate(t.s, t.info, pk, entries); err != nil {
		return err
	}

	t.dirty = true
	if _, err := tree.Insert(pk, doc); err != nil {
		return err
	}
	return c.db.indexes.Add(t.s, t.info, pk, entries)
}

// Read returns the document stored under id, or DocumentNotFound.
func (c *Collection) Read(ctx context.Context, id any) ([]byte, error) {
	doc, ok, err := c.TryRead(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, dberrors.Newf(dberrors.DocumentNotFound, "%s/%v", c.name, id)
	}
	return doc, nil
}

// TryRead returns the document stored under id and whether it exists.
func (c *Collection) TryRead(ctx context.Context, id any) (doc []byte, ok bool, err error) {
	err = c.run(ctx, "Read", transaction.LockRead, func(t *txn) error {
		pk, err := primaryKey(id)
		if err != nil {
			return err
		}
		tree, err := t.clustered()
		if err != nil {
			return err
		}
		doc, ok, err = tree.Get(pk)
		return err
	})
	return doc, ok, err
}

// Update replaces the document stored under id and moves its index entries.
func (c *Collection) Update(ctx context.Context, id any, doc []byte) error {
	return c.run(ctx, "Update", transaction.LockWrite, func(t *txn) error {
		pk, err := primaryKey(id)
		if err != nil {
			return err
		}
		tree, err := t.clustered()
		if err != nil {
			return err
		}
		old, ok, err := tree.Get(pk)
		if err != nil {
			return err
		}
		if !ok {
			return dberrors.Newf(dberrors.DocumentNotFound, "%s/%s", c.name, pk)
		}
		before, err := c.db.indexes.Entries(t.info, old)
		if err != nil {
			return err
		}
		after, err := c.db.indexes.Entries(t.info, doc)
		if err != nil {
			return err
		}
		if err := c.db.indexes.Validate(t.s, t.info, pk, indexmanager.Changed(before, after)); err != nil {
			return err
		}

		t.dirty = true
		if _, err := tree.Update(pk, doc); err != nil {
			return err
		}
		return c.db.indexes.Replace(t.s, t.info, pk, before, after)
	})
}

// Remove deletes the document stored under id and its index entries.
func (c *Collection) Remove(ctx context.Context, id any) error {
	return c.run(ctx, "Remove", transaction.LockWrite, func(t *txn) error {
		pk, err := primaryKey(id)
		if err != nil {
			return err
		}
		tree, err := t.clustered()
		if err != nil {
			return err
		}
		old, ok, err := tree.Get(pk)
		if err != nil {
			return err
		}
		if !ok {
			return dberrors.Newf(dberrors.DocumentNotFound, "%s/%s", c.name, pk)
		}
		entries, err := c.db.indexes.Entries(t.info, old)
		if err != nil {
			return err
		}

		t.dirty = true
		if _, err := tree.Delete(pk); err != nil {
			return err
		}
		return c.db.indexes.Remove(t.s, t.info, pk, entries)
	})
}

// Count returns the number of documents.
func (c *Collection) Count(ctx context.Context) (n uint64, err error) {
	err = c.run(ctx, "Count", transaction.LockRead, func(t *txn) error {
		tree, err := t.clustered()
		if err != nil {
			return err
		}
		n, err = tree.Count()
		return err
	})
	return n, err
}

// Batch runs fn with a context holding the collection for writing. Every
// operation on this collection called with that context joins the batch,
// and the whole batch commits once when fn returns nil. Operations on other
// collections fail with TransactionTargetMismatch.
//
// An operation that fails before writing leaves the batch usable. One that
// fails part way through fails the batch, even if fn then returns nil.
func (c *Collection) Batch(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	ctx, span, start := c.db.startMetricsAndTrace(ctx, "Batch", c.name)
	defer func() { c.db.endMetricsAndTrace(ctx, span, start, "Batch", err) }()
	if transaction.FromContext(ctx) != nil {
		return dberrors.ErrNestedTransaction
	}
	t, err := c.acquire(ctx, transaction.LockWrite)
	if err != nil {
		return err
	}
	defer t.s.Rollback()

	b := &batchState{}
	if err := fn(context.WithValue(t.ctx, batchKey{}, b)); err != nil {
		return err
	}
	if b.err != nil {
		return fmt.Errorf("batch rolled back: %w", b.err)
	}
	return t.s.Commit()
}

// Indexes returns the indexes of the collection, sorted by field.
func (c *Collection) Indexes() ([]catalog.IndexInfo, error) {
	info, ok := c.db.lookup(c.name)
	if !ok {
		return nil, notFound(c.name)
	}
	fields := slices.Sorted(maps.Keys(info.Indexes))
	out := make([]catalog.IndexInfo, 0, len(fields))
	for _, f := range fields {
		out = append(out, info.Indexes[f])
	}
	return out, nil
}

// CreateIndex indexes field over every existing document. A unique index
// fails with IndexAlreadyExists if two documents share a key; the index is
// then not created.
func (c *Collection) CreateIndex(ctx context.Context, field string, unique bool) (err error) {
	ctx, span, start := c.db.startMetricsAndTrace(ctx, "CreateIndex", c.name)
	defer func() { c.db.endMetricsAndTrace(ctx, span, start, "CreateIndex", err) }()
	if err := catalog.ValidateField(field); err != nil {
		return err
	}
	if transaction.FromContext(ctx) != nil {
		return dberrors.ErrNestedTransaction
	}
	t, err := c.acquire(ctx, transaction.LockWrite)
	if err != nil {
		return err
	}
	defer t.s.Rollback()
	if _, ok := t.info.Indexes[field]; ok {
		return dberrors.Newf(dberrors.IndexAlreadyExists, "index on %s.%s", c.name, field)
	}

	id := c.db.pool.NextObjectID()
	if err := c.db.locks.CreateLock(transaction.ObjectID(id)); err != nil {
		return err
	}
	t.s.AfterRollback(func() { c.db.locks.RemoveLock(transaction.ObjectID(id)) })
	if err := t.s.Extend(t.ctx, transaction.Write(transaction.ObjectID(id))); err != nil {
		return err
	}
	cat, err := c.db.catalog(t.s)
	if err != nil {
		return err
	}
	idx, err := cat.CreateIndex(t.info, field, unique, id)
	if err != nil {
		return err
	}
	n, err := c.db.indexes.Build(t.s, t.info, idx)
	if err != nil {
		return err
	}

	next := t.info.Clone()
	next.Indexes[field] = idx
	t.s.AfterCommit(func() { c.db.publish(next) })
	if err := t.s.Commit(); err != nil {
		return err
	}
	c.db.logger.Info("created index", zap.String("collection", c.name), zap.String("field", field),
		zap.Bool("unique", unique), zap.Int("entries", n))
	return nil
}

// RemoveIndex drops the index on field.
func (c *Collection) RemoveIndex(ctx context.Context, field string) (err error) {
	ctx, span, start := c.db.startMetricsAndTrace(ctx, "RemoveIndex", c.name)
	defer func() { c.db.endMetricsAndTrace(ctx, span, start, "RemoveIndex", err) }()
	if transaction.FromContext(ctx) != nil {
		return dberrors.ErrNestedTransaction
	}
	t, err := c.acquire(ctx, transaction.LockWrite)
	if err != nil {
		return err
	}
	defer t.s.Rollback()
	cat, err := c.db.catalog(t.s)
	if err != nil {
		return err
	}
	idx, err := cat.RemoveIndex(t.info, field)
	if err != nil {
		return err
	}

	next := t.info.Clone()
	delete(next.Indexes, field)
	t.s.AfterCommit(func() {
		c.db.publish(next)
		c.db.locks.RemoveLock(transaction.ObjectID(idx.ID))
	})
	if err := t.s.Commit(); err != nil {
		return err
	}
	c.db.logger.Info("removed index", zap.String("collection", c.name), zap.String("field", field))
	return nil
}

// SetMetadata stores an opaque blob with the collection. A nil blob clears it.
func (c *Collection) SetMetadata(ctx context.Context, blob []byte) error {
	return c.run(ctx, "SetMetadata", transaction.LockWrite, func(t *txn) error {
		cat, err := c.db.catalog(t.s)
		if err != nil {
			return err
		}
		t.dirty = true
		return cat.SetMetadata(t.info, blob)
	})
}

// Metadata returns the blob stored with SetMetadata, or nil.
func (c *Collection) Metadata(ctx context.Context) (blob []byte, err error) {
	err = c.run(ctx, "Metadata", transaction.LockRead, func(t *txn) error {
		cat, err := c.db.catalog(t.s)
		if err != nil {
			return err
		}
		blob, _, err = cat.Metadata(t.info)
		return err
	})
	return blob, err
}

func checkCollection(s *transaction.Scope, info catalog.CollectionInfo) error {
	tree, err := btree.Open(s, info.Tree)
	if err != nil {
		return err
	}
	if err := tree.Check(); err != nil {
		return fmt.Errorf("collection %s: %w", info.Name, err)
	}
	docs, err := tree.Count()
	if err != nil {
		return err
	}
	for _, idx := range info.Indexes {
		t, err := btree.Open(s, idx.Tree)
		if err != nil {
			return err
		}
		if err := t.Check(); err != nil {
			return fmt.Errorf("index %s.%s: %w", info.Name, idx.Field, err)
		}
		n, err := t.Count()
		if err != nil {
			return err
		}
		if n > docs {
			return dberrors.Newf(dberrors.InternalError, "index %s.%s has %d entries for %d documents", info.Name, idx.Field, n, docs)
		}
	}
	return nil
}
