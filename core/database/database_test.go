package database

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojodoc/config"
	"github.com/sushant-115/gojodoc/core/dberrors"
	"github.com/sushant-115/gojodoc/core/indexing/keys"
	"github.com/sushant-115/gojodoc/core/transaction"
	flushmanager "github.com/sushant-115/gojodoc/core/write_engine/flush_manager"
	"github.com/sushant-115/gojodoc/core/write_engine/memtable"
	"github.com/sushant-115/gojodoc/core/write_engine/wal"
	"github.com/sushant-115/gojodoc/pkg/telemetry"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

func testConfig(dir string) config.Config {
	cfg := config.Default(filepath.Join(dir, "test.db"))
	cfg.Storage.CachedPageCount = 64
	cfg.Storage.LockTimeout = 5 * time.Second
	cfg.Backup.BytesPerSecond = 0
	return cfg
}

func openDB(t *testing.T, cfg config.Config, opts ...Option) *Database {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	db, err := Open(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func requireCode(t *testing.T, err error, code dberrors.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, dberrors.CodeOf(err), "error: %v", err)
}

func person(name string, age int, city string) []byte {
	return []byte(fmt.Sprintf(`{"name":%q,"age":%d,"address":{"city":%q}}`, name, age, city))
}

func collectIDs(t *testing.T, cur *IndexCursor) []any {
	t.Helper()
	defer func() { require.NoError(t, cur.Close()) }()
	var ids []any
	for cur.Next() {
		id, err := cur.ID()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, cur.Err())
	return ids
}

func TestCollectionLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, testConfig(t.TempDir()))

	people, err := db.CreateCollection(ctx, "people")
	require.NoError(t, err)
	_, err = db.CreateCollection(ctx, "people")
	requireCode(t, err, dberrors.CollectionAlreadyExists)
	_, err = db.CreateCollection(ctx, "")
	require.Error(t, err)
	_, err = db.Collection("missing")
	requireCode(t, err, dberrors.CollectionDoesNotExist)

	_, err = db.CreateCollection(ctx, "orders")
	require.NoError(t, err)
	require.Equal(t, []string{"orders", "people"}, db.ListCollections())

	require.NoError(t, people.Insert(ctx, int64(1), person("ann", 30, "oslo")))
	require.NoError(t, people.CreateIndex(ctx, "age", false))
	info, ok := db.lookup("people")
	require.True(t, ok)
	idxID := transaction.ObjectID(info.Indexes["age"].ID)
	require.True(t, db.locks.HasLock(idxID))

	require.NoError(t, db.DropCollection(ctx, "people"))
	requireCode(t, db.DropCollection(ctx, "people"), dberrors.CollectionDoesNotExist)
	require.False(t, db.locks.HasLock(transaction.ObjectID(info.ID)))
	require.False(t, db.locks.HasLock(idxID))
	_, err = people.Read(ctx, int64(1))
	requireCode(t, err, dberrors.CollectionDoesNotExist)

	// the old handle follows the name
	_, err = db.CreateCollection(ctx, "people")
	require.NoError(t, err)
	n, err := people.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	indexes, err := people.Indexes()
	require.NoError(t, err)
	require.Empty(t, indexes)
	require.NoError(t, db.Check(ctx))
}

func TestDocumentOperations(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, testConfig(t.TempDir()))
	c, err := db.CreateCollection(ctx, "people")
	require.NoError(t, err)

	require.NoError(t, c.Insert(ctx, int64(1), person("ann", 30, "oslo")))
	requireCode(t, c.Insert(ctx, int64(1), person("bob", 40, "rome")), dberrors.DocumentAlreadyExists)
	ok, err := c.TryInsert(ctx, int64(1), person("bob", 40, "rome"))
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = c.TryInsert(ctx, "bob", person("bob", 40, "rome"))
	require.NoError(t, err)
	require.True(t, ok)

	doc, err := c.Read(ctx, int64(1))
	require.NoError(t, err)
	require.JSONEq(t, string(person("ann", 30, "oslo")), string(doc))
	// ids of different types never collide
	_, found, err := c.TryRead(ctx, "1")
	require.NoError(t, err)
	require.False(t, found)
	_, err = c.Read(ctx, int64(2))
	requireCode(t, err, dberrors.DocumentNotFound)

	require.NoError(t, c.Update(ctx, int64(1), person("ann", 31, "oslo")))
	doc, err = c.Read(ctx, keys.MustNormalise(int64(1)))
	require.NoError(t, err)
	require.JSONEq(t, string(person("ann", 31, "oslo")), string(doc))
	requireCode(t, c.Update(ctx, int64(2), person("x", 1, "y")), dberrors.DocumentNotFound)

	n, err := c.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), n)

	require.NoError(t, c.Remove(ctx, int64(1)))
	requireCode(t, c.Remove(ctx, int64(1)), dberrors.DocumentNotFound)
	_, found, err = c.TryRead(ctx, int64(1))
	require.NoError(t, err)
	require.False(t, found)

	_, err = c.Read(ctx, struct{}{})
	requireCode(t, err, dberrors.UnsupportedValueType)
}

func TestLargeDocumentsSpillToOverflow(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, testConfig(t.TempDir()))
	c, err := db.CreateCollection(ctx, "blobs")
	require.NoError(t, err)

	big := []byte(fmt.Sprintf(`{"name":"big","pad":%q}`, strings.Repeat("x", 20000)))
	require.NoError(t, c.Insert(ctx, int64(1), big))
	got, err := c.Read(ctx, int64(1))
	require.NoError(t, err)
	require.Equal(t, big, got)

	bigger := []byte(fmt.Sprintf(`{"name":"bigger","pad":%q}`, strings.Repeat("y", 50000)))
	require.NoError(t, c.Update(ctx, int64(1), bigger))
	got, err = c.Read(ctx, int64(1))
	require.NoError(t, err)
	require.Equal(t, bigger, got)

	require.NoError(t, c.Remove(ctx, int64(1)))
	require.NoError(t, db.Check(ctx))
}

func TestUniqueIndex(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, testConfig(t.TempDir()))
	c, err := db.CreateCollection(ctx, "users")
	require.NoError(t, err)
	require.NoError(t, c.CreateIndex(ctx, "name", true))
	requireCode(t, c.CreateIndex(ctx, "name", false), dberrors.IndexAlreadyExists)

	require.NoError(t, c.Insert(ctx, int64(1), person("ann", 30, "oslo")))
	requireCode(t, c.Insert(ctx, int64(2), person("ann", 40, "rome")), dberrors.IndexAlreadyExists)
	ok, err := c.TryInsert(ctx, int64(2), person("ann", 40, "rome"))
	require.NoError(t, err)
	require.False(t, ok)
	// the rejected insert left nothing behind
	_, found, err := c.TryRead(ctx, int64(2))
	require.NoError(t, err)
	require.False(t, found)

	// re-saving the same key is not a conflict
	require.NoError(t, c.Update(ctx, int64(1), person("ann", 31, "oslo")))
	require.NoError(t, c.Insert(ctx, int64(2), person("bob", 40, "rome")))
	requireCode(t, c.Update(ctx, int64(2), person("ann", 40, "rome")), dberrors.IndexAlreadyExists)

	// renaming frees the old key
	require.NoError(t, c.Update(ctx, int64(1), person("cat", 31, "oslo")))
	require.NoError(t, c.Update(ctx, int64(2), person("ann", 40, "rome")))

	eq := &Bound{Value: keys.MustNormalise("ann"), Inclusive: true}
	cur, err := c.Find(ctx, "name", FindOptions{Lower: eq, Upper: eq})
	require.NoError(t, err)
	require.Equal(t, []any{int64(2)}, collectIDs(t, cur))
	require.NoError(t, db.Check(ctx))
}

func TestFindRanges(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, testConfig(t.TempDir()))
	c, err := db.CreateCollection(ctx, "people")
	require.NoError(t, err)
	require.NoError(t, c.CreateIndex(ctx, "age", false))

	ages := []int{30, 20, 30, 40, 20, 30}
	for i, age := range ages {
		require.NoError(t, c.Insert(ctx, int64(i+1), person(fmt.Sprintf("p%d", i+1), age, "oslo")))
	}
	// a document without the field is not indexed
	require.NoError(t, c.Insert(ctx, int64(7), []byte(`{"name":"nobody"}`)))

	age := func(v int64, inclusive bool) *Bound {
		return &Bound{Value: keys.MustNormalise(v), Inclusive: inclusive}
	}
	tests := []struct {
		name string
		opts FindOptions
		want []any
	}{
		{"all", FindOptions{}, []any{int64(2), int64(5), int64(1), int64(3), int64(6), int64(4)}},
		{"from 30", FindOptions{Lower: age(30, true)}, []any{int64(1), int64(3), int64(6), int64(4)}},
		{"after 20", FindOptions{Lower: age(20, false)}, []any{int64(1), int64(3), int64(6), int64(4)}},
		{"exactly 30", FindOptions{Lower: age(30, true), Upper: age(30, true)}, []any{int64(1), int64(3), int64(6)}},
		{"below 30 reversed", FindOptions{Upper: age(30, false), Reverse: true}, []any{int64(5), int64(2)}},
		{"skip and limit", FindOptions{Skip: 1, Limit: 2}, []any{int64(5), int64(1)}},
		{"reverse skip and limit", FindOptions{Skip: 1, Limit: 2, Reverse: true}, []any{int64(6), int64(3)}},
		{"empty", FindOptions{Lower: age(50, true)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur, err := c.Find(ctx, "age", tt.opts)
			require.NoError(t, err)
			require.Equal(t, tt.want, collectIDs(t, cur))
		})
	}

	cur, err := c.Find(ctx, "age", FindOptions{Lower: age(40, true)})
	require.NoError(t, err)
	require.True(t, cur.Next())
	require.Equal(t, keys.MustNormalise(int64(40)), cur.IndexKey())
	doc, err := cur.Document()
	require.NoError(t, err)
	require.JSONEq(t, string(person("p4", 40, "oslo")), string(doc))
	require.NoError(t, cur.Close())
	require.NoError(t, cur.Close())

	_, err = c.Find(ctx, "height", FindOptions{})
	requireCode(t, err, dberrors.IndexDoesNotExist)
}

func TestMixedNumericFields(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, testConfig(t.TempDir()))
	c, err := db.CreateCollection(ctx, "items")
	require.NoError(t, err)
	require.NoError(t, c.CreateIndex(ctx, "price", false))
	require.NoError(t, c.CreateIndex(ctx, "sku", true))

	docs := []string{
		`{"price": 2, "sku": 1}`,
		`{"price": 2.5, "sku": 2}`,
		`{"price": 3.0, "sku": 3}`,
		`{"price": 3.5, "sku": 4}`,
		`{"price": -1, "sku": 5}`,
	}
	for i, d := range docs {
		require.NoError(t, c.Insert(ctx, int64(i+1), []byte(d)))
	}
	// 3 and 3.0 are the same key in a unique index
	requireCode(t, c.Insert(ctx, int64(6), []byte(`{"price": 9, "sku": 3.0}`)), dberrors.IndexAlreadyExists)

	cur, err := c.Find(ctx, "price", FindOptions{
		Lower: &Bound{Value: keys.MustNormalise(2), Inclusive: true},
		Upper: &Bound{Value: keys.MustNormalise(3), Inclusive: true},
	})
	require.NoError(t, err)
	require.Equal(t, []any{int64(1), int64(2), int64(3)}, collectIDs(t, cur))

	cur, err = c.Find(ctx, "price", FindOptions{Reverse: true})
	require.NoError(t, err)
	require.Equal(t, []any{int64(4), int64(3), int64(2), int64(1), int64(5)}, collectIDs(t, cur))
	require.NoError(t, db.Check(ctx))
}

func TestCreateIndexOverExistingDocuments(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, testConfig(t.TempDir()))
	c, err := db.CreateCollection(ctx, "people")
	require.NoError(t, err)
	require.NoError(t, c.Insert(ctx, int64(1), person("ann", 30, "oslo")))
	require.NoError(t, c.Insert(ctx, int64(2), person("bob", 40, "oslo")))
	require.NoError(t, c.Insert(ctx, int64(3), person("cat", 50, "rome")))

	locks := db.locks.Len()
	requireCode(t, c.CreateIndex(ctx, "address.city", true), dberrors.IndexAlreadyExists)
	require.Equal(t, locks, db.locks.Len())
	indexes, err := c.Indexes()
	require.NoError(t, err)
	require.Empty(t, indexes)

	require.NoError(t, c.CreateIndex(ctx, "address.city", false))
	eq := &Bound{Value: keys.MustNormalise("oslo"), Inclusive: true}
	cur, err := c.Find(ctx, "address.city", FindOptions{Lower: eq, Upper: eq})
	require.NoError(t, err)
	require.Equal(t, []any{int64(1), int64(2)}, collectIDs(t, cur))

	require.NoError(t, c.RemoveIndex(ctx, "address.city"))
	requireCode(t, c.RemoveIndex(ctx, "address.city"), dberrors.IndexDoesNotExist)
	_, err = c.Find(ctx, "address.city", FindOptions{})
	requireCode(t, err, dberrors.IndexDoesNotExist)
	require.Equal(t, locks, db.locks.Len())
	require.NoError(t, c.Insert(ctx, int64(4), person("dan", 60, "oslo")))
	require.NoError(t, db.Check(ctx))
}

func TestInsertAuto(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, testConfig(t.TempDir()))
	c, err := db.CreateCollection(ctx, "events")
	require.NoError(t, err)

	id, err := c.InsertAuto(ctx, []byte(`{"n":1}`))
	require.NoError(t, err)
	require.Equal(t, int64(1), id)
	id, err = c.InsertAuto(ctx, []byte(`{"n":2}`))
	require.NoError(t, err)
	require.Equal(t, int64(2), id)

	require.NoError(t, c.Insert(ctx, int64(3), []byte(`{"n":3}`)))
	id, err = c.InsertAuto(ctx, []byte(`{"n":4}`))
	require.NoError(t, err)
	require.Equal(t, int64(4), id)
	doc, err := c.Read(ctx, int64(4))
	require.NoError(t, err)
	require.Equal(t, `{"n":4}`, string(doc))
}

func TestScan(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, testConfig(t.TempDir()))
	c, err := db.CreateCollection(ctx, "nums")
	require.NoError(t, err)
	for i := int64(1); i <= 20; i++ {
		require.NoError(t, c.Insert(ctx, i, []byte(fmt.Sprintf(`{"n":%d}`, i))))
	}

	cur, err := c.Scan(ctx, FindOptions{
		Lower:   &Bound{Value: keys.MustNormalise(int64(5)), Inclusive: true},
		Upper:   &Bound{Value: keys.MustNormalise(int64(10)), Inclusive: false},
		Reverse: true,
	})
	require.NoError(t, err)
	var got []int64
	for cur.Next() {
		id, err := cur.ID()
		require.NoError(t, err)
		doc, err := cur.Document()
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf(`{"n":%d}`, id), string(doc))
		got = append(got, id.(int64))
	}
	require.NoError(t, cur.Err())
	require.NoError(t, cur.Close())
	require.Equal(t, []int64{9, 8, 7, 6, 5}, got)
}

func TestCursorHoldsReadLock(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, testConfig(t.TempDir()))
	c, err := db.CreateCollection(ctx, "nums")
	require.NoError(t, err)
	require.NoError(t, c.Insert(ctx, int64(1), []byte(`{}`)))

	cur, err := c.Scan(ctx, FindOptions{})
	require.NoError(t, err)
	// readers share the lock
	_, err = c.Read(ctx, int64(1))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Insert(ctx, int64(2), []byte(`{}`)) }()
	select {
	case err := <-done:
		t.Fatalf("insert finished while a cursor was open: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	require.NoError(t, cur.Close())
	require.NoError(t, <-done)
}

func TestBatch(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	cfg.Storage.MaxSamePrefixKeyCount = 1
	db := openDB(t, cfg)
	c, err := db.CreateCollection(ctx, "items")
	require.NoError(t, err)
	other, err := db.CreateCollection(ctx, "other")
	require.NoError(t, err)
	require.NoError(t, c.CreateIndex(ctx, "tag", false))

	count := func() uint64 {
		n, err := c.Count(ctx)
		require.NoError(t, err)
		return n
	}

	t.Run("commits once", func(t *testing.T) {
		err := c.Batch(ctx, func(ctx context.Context) error {
			for i := int64(1); i <= 3; i++ {
				if err := c.Insert(ctx, i, []byte(fmt.Sprintf(`{"tag":"t%d"}`, i))); err != nil {
					return err
				}
			}
			// failed before writing: the batch carries on
			requireCode(t, c.Insert(ctx, int64(1), []byte(`{}`)), dberrors.DocumentAlreadyExists)
			n, err := c.Count(ctx)
			require.NoError(t, err)
			require.Equal(t, uint64(3), n)
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, uint64(3), count())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		err := c.Batch(ctx, func(ctx context.Context) error {
			require.NoError(t, c.Insert(ctx, int64(10), []byte(`{}`)))
			return fmt.Errorf("changed my mind")
		})
		require.EqualError(t, err, "changed my mind")
		require.Equal(t, uint64(3), count())
	})

	t.Run("rejects other targets", func(t *testing.T) {
		err := c.Batch(ctx, func(ctx context.Context) error {
			requireCode(t, other.Insert(ctx, int64(1), []byte(`{}`)), dberrors.TransactionTargetMismatch)
			requireCode(t, c.Batch(ctx, func(context.Context) error { return nil }), dberrors.NestedTransaction)
			requireCode(t, c.CreateIndex(ctx, "x", false), dberrors.NestedTransaction)
			_, err := db.CreateCollection(ctx, "nested")
			requireCode(t, err, dberrors.NestedTransaction)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("partial write fails the batch", func(t *testing.T) {
		err := c.Batch(ctx, func(ctx context.Context) error {
			require.NoError(t, c.Insert(ctx, int64(20), []byte(`{"tag":"new"}`)))
			// the same-prefix limit trips after the document was stored
			requireCode(t, c.Insert(ctx, int64(21), []byte(`{"tag":"t1"}`)), dberrors.MaxSamePrefixKeyCountReached)
			_, err := c.Read(ctx, int64(20))
			require.Error(t, err)
			return nil
		})
		requireCode(t, err, dberrors.MaxSamePrefixKeyCountReached)
		require.Equal(t, uint64(3), count())
	})

	requireCode(t, c.Insert(ctx, int64(21), []byte(`{"tag":"t1"}`)), dberrors.MaxSamePrefixKeyCountReached)
	require.Equal(t, uint64(3), count())
	require.NoError(t, db.Check(ctx))
}

func TestMetadata(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, testConfig(t.TempDir()))
	c, err := db.CreateCollection(ctx, "things")
	require.NoError(t, err)

	blob, err := c.Metadata(ctx)
	require.NoError(t, err)
	require.Nil(t, blob)
	require.NoError(t, c.SetMetadata(ctx, []byte("schema v1")))
	blob, err = c.Metadata(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("schema v1"), blob)
	require.NoError(t, c.SetMetadata(ctx, nil))
	blob, err = c.Metadata(ctx)
	require.NoError(t, err)
	require.Nil(t, blob)
}

func TestReopenPersistsEverything(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())

	db, err := Open(ctx, cfg, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	c, err := db.CreateCollection(ctx, "people")
	require.NoError(t, err)
	require.NoError(t, c.CreateIndex(ctx, "age", false))
	for i := int64(1); i <= 200; i++ {
		require.NoError(t, c.Insert(ctx, i, person(fmt.Sprintf("p%d", i), int(i%7), "oslo")))
	}
	require.NoError(t, c.SetMetadata(ctx, []byte("meta")))
	_, err = db.CreateCollection(ctx, "empty")
	require.NoError(t, err)
	magic := db.Stats().FileMagic
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	cfg.Connection.OnConnect = config.ThrowIfNotFound
	db = openDB(t, cfg)
	require.Equal(t, magic, db.Stats().FileMagic)
	require.Equal(t, []string{"empty", "people"}, db.ListCollections())
	c, err = db.Collection("people")
	require.NoError(t, err)
	n, err := c.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(200), n)
	doc, err := c.Read(ctx, int64(77))
	require.NoError(t, err)
	require.JSONEq(t, string(person("p77", 0, "oslo")), string(doc))
	blob, err := c.Metadata(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("meta"), blob)

	eq := &Bound{Value: keys.MustNormalise(int64(3)), Inclusive: true}
	cur, err := c.Find(ctx, "age", FindOptions{Lower: eq, Upper: eq})
	require.NoError(t, err)
	require.Len(t, collectIDs(t, cur), 29)

	// new objects do not reuse the ids of the reopened ones
	other, err := db.CreateCollection(ctx, "later")
	require.NoError(t, err)
	require.NoError(t, other.CreateIndex(ctx, "k", true))
	require.NoError(t, db.Check(ctx))
}

func TestReopenReplaysCommitMissingFromFile(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())

	db, err := Open(ctx, cfg, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	c, err := db.CreateCollection(ctx, "people")
	require.NoError(t, err)
	require.NoError(t, c.Insert(ctx, int64(1), person("ann", 30, "oslo")))
	_, err = c.Read(ctx, int64(1))
	require.NoError(t, err)

	// With the main file gone the commit is synced to the WAL and then
	// fails to apply, which leaves the files as a crash at that point would.
	require.NoError(t, db.disk.Close())
	err = c.Batch(ctx, func(ctx context.Context) error {
		if err := c.Insert(ctx, int64(2), person("bob", 40, "rome")); err != nil {
			return err
		}
		return c.Update(ctx, int64(1), person("ann", 31, "oslo"))
	})
	requireCode(t, err, dberrors.InvalidDatabaseState)
	requireCode(t, c.Insert(ctx, int64(3), person("cat", 50, "oslo")), dberrors.InvalidDatabaseState)
	db.Close()

	fi, err := os.Stat(cfg.Connection.WAL())
	require.NoError(t, err)
	require.Greater(t, fi.Size(), int64(wal.HeaderLength))

	db = openDB(t, cfg)
	c, err = db.Collection("people")
	require.NoError(t, err)
	doc, err := c.Read(ctx, int64(1))
	require.NoError(t, err)
	require.JSONEq(t, string(person("ann", 31, "oslo")), string(doc))
	doc, err = c.Read(ctx, int64(2))
	require.NoError(t, err)
	require.JSONEq(t, string(person("bob", 40, "rome")), string(doc))
	_, found, err := c.TryRead(ctx, int64(3))
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, db.Check(ctx))

	fi, err = os.Stat(cfg.Connection.WAL())
	require.NoError(t, err)
	require.Equal(t, int64(wal.HeaderLength), fi.Size())
}

func TestOpenFinishesInterruptedCreation(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())

	// only the root and the first bitmap made it to disk
	disk, err := flushmanager.NewDiskManager(cfg.Connection.DatabasePath, flushmanager.CreateTruncate, nil)
	require.NoError(t, err)
	magic := newFileMagic()
	lm, err := wal.NewLogManager(wal.Config{Path: cfg.Connection.WAL()}, disk, magic, true, nil, nil)
	require.NoError(t, err)
	require.NoError(t, memtable.NewBufferPoolManager(disk, lm, 8, zap.NewNop(), nil).Create(magic))
	require.NoError(t, lm.Close())
	require.NoError(t, disk.Close())

	cfg.Connection.OnConnect = config.ThrowIfNotFound
	db := openDB(t, cfg)
	require.Equal(t, magic, db.Stats().FileMagic)
	c, err := db.CreateCollection(ctx, "people")
	require.NoError(t, err)
	require.NoError(t, c.Insert(ctx, int64(1), person("ann", 30, "oslo")))
	require.NoError(t, db.Check(ctx))
	require.NoError(t, db.Close())

	db = openDB(t, cfg)
	require.Equal(t, []string{"people"}, db.ListCollections())
}

func TestOnConnect(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := testConfig(dir)

	cfg.Connection.OnConnect = config.ThrowIfNotFound
	_, err := Open(ctx, cfg)
	requireCode(t, err, dberrors.DatabaseDoesNotExist)

	cfg.Connection.OnConnect = config.EnsureCreated
	db, err := Open(ctx, cfg)
	require.NoError(t, err)
	_, err = db.CreateCollection(ctx, "keep")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, []string{"keep"}, db.ListCollections())
	require.NoError(t, db.Close())

	cfg.Connection.OnConnect = config.EnsureOverwritten
	db, err = Open(ctx, cfg)
	require.NoError(t, err)
	require.Empty(t, db.ListCollections())
	require.NoError(t, db.Close())

	bad := cfg
	bad.Connection.DatabasePath = ""
	_, err = Open(ctx, bad)
	requireCode(t, err, dberrors.InvalidConfiguration)
}

func TestClosedDatabase(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, testConfig(t.TempDir()))
	require.NoError(t, err)
	c, err := db.CreateCollection(ctx, "c")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	requireCode(t, c.Insert(ctx, int64(1), []byte(`{}`)), dberrors.InvalidDatabaseState)
	_, err = db.CreateCollection(ctx, "d")
	requireCode(t, err, dberrors.InvalidDatabaseState)
	_, err = db.Collection("c")
	requireCode(t, err, dberrors.InvalidDatabaseState)
}

func TestBackup(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := testConfig(dir)
	db := openDB(t, cfg)
	c, err := db.CreateCollection(ctx, "people")
	require.NoError(t, err)
	require.NoError(t, c.CreateIndex(ctx, "name", true))
	for i := int64(1); i <= 50; i++ {
		require.NoError(t, c.Insert(ctx, i, person(fmt.Sprintf("p%d", i), int(i), "oslo")))
	}

	_, err = db.Backup(ctx, cfg.Connection.DatabasePath)
	requireCode(t, err, dberrors.InvalidConfiguration)

	dst := filepath.Join(dir, "backup.db")
	res, err := db.Backup(ctx, dst)
	require.NoError(t, err)
	info, err := os.Stat(dst)
	require.NoError(t, err)
	require.Equal(t, info.Size(), res.Bytes)

	// later writes do not reach the copy
	require.NoError(t, c.Insert(ctx, int64(51), person("late", 1, "oslo")))

	bcfg := testConfig(dir)
	bcfg.Connection.DatabasePath = dst
	bcfg.Connection.OnConnect = config.ThrowIfNotFound
	restored := openDB(t, bcfg)
	rc, err := restored.Collection("people")
	require.NoError(t, err)
	n, err := rc.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(50), n)
	eq := &Bound{Value: keys.MustNormalise("p7"), Inclusive: true}
	cur, err := rc.Find(ctx, "name", FindOptions{Lower: eq, Upper: eq})
	require.NoError(t, err)
	require.Equal(t, []any{int64(7)}, collectIDs(t, cur))
	require.NoError(t, restored.Check(ctx))
}

func TestConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, testConfig(t.TempDir()), WithLogger(zap.NewNop()))

	shared, err := db.CreateCollection(ctx, "shared")
	require.NoError(t, err)
	require.NoError(t, shared.CreateIndex(ctx, "worker", false))

	const workers, perWorker = 4, 25
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			own, err := db.CreateCollection(gctx, fmt.Sprintf("own%d", w))
			if err != nil {
				return err
			}
			for i := 0; i < perWorker; i++ {
				doc := []byte(fmt.Sprintf(`{"worker":%d,"i":%d}`, w, i))
				if _, err := shared.InsertAuto(gctx, doc); err != nil {
					return err
				}
				if err := own.Insert(gctx, int64(i), doc); err != nil {
					return err
				}
				if _, err := own.Read(gctx, int64(i)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	n, err := shared.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(workers*perWorker), n)
	for w := 0; w < workers; w++ {
		own, err := db.Collection(fmt.Sprintf("own%d", w))
		require.NoError(t, err)
		n, err := own.Count(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(perWorker), n)

		eq := &Bound{Value: keys.MustNormalise(int64(w)), Inclusive: true}
		cur, err := shared.Find(ctx, "worker", FindOptions{Lower: eq, Upper: eq})
		require.NoError(t, err)
		require.Len(t, collectIDs(t, cur), perWorker)
	}
	require.NoError(t, db.Check(ctx))
}

func TestOperationsAreMeasured(t *testing.T) {
	ctx := context.Background()
	tel, shutdown, err := telemetry.New(telemetry.Config{Enabled: true, ServiceName: "gojodoc-test"})
	require.NoError(t, err)
	defer func() { require.NoError(t, shutdown(ctx)) }()

	db := openDB(t, testConfig(t.TempDir()), WithTelemetry(tel))
	c, err := db.CreateCollection(ctx, "m")
	require.NoError(t, err)
	require.NoError(t, c.Insert(ctx, int64(1), []byte(`{}`)))
	requireCode(t, c.Insert(ctx, int64(1), []byte(`{}`)), dberrors.DocumentAlreadyExists)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	require.Contains(t, body, "gojodoc_ops_")
	require.Contains(t, body, `op="Insert"`)
	require.Contains(t, body, `code="DocumentAlreadyExists"`)
}
