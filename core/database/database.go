// Package database is the embedded document store built on the storage
// engine. A Database owns one database file and its WAL; a Collection is a
// clustered tree of opaque documents keyed by normalised ids, plus any
// number of secondary indexes over fields of those documents.
//
// Every operation runs in its own transaction scope unless the context
// already carries one (see Collection.Batch). Collections and indexes are
// locked individually, so work on different collections never contends.
package database

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sushant-115/gojodoc/config"
	"github.com/sushant-115/gojodoc/core/catalog"
	"github.com/sushant-115/gojodoc/core/dberrors"
	"github.com/sushant-115/gojodoc/core/indexmanager"
	"github.com/sushant-115/gojodoc/core/transaction"
	flushmanager "github.com/sushant-115/gojodoc/core/write_engine/flush_manager"
	"github.com/sushant-115/gojodoc/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	"github.com/sushant-115/gojodoc/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojodoc/internal/telemetry"
	"github.com/sushant-115/gojodoc/pkg/telemetry"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// FieldExtractor reads indexed fields out of documents.
type FieldExtractor = indexmanager.FieldExtractor

// JSONExtractor is the default FieldExtractor.
type JSONExtractor = indexmanager.JSONExtractor

// Option configures Open.
type Option func(*Database)

// WithLogger sets the logger every component logs through.
func WithLogger(l *zap.Logger) Option {
	return func(db *Database) {
		if l != nil {
			db.base = l
		}
	}
}

// WithTelemetry records spans and metrics through tel.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(db *Database) {
		if tel != nil {
			db.tel = tel
		}
	}
}

// WithFieldExtractor replaces the JSON field extractor.
func WithFieldExtractor(x FieldExtractor) Option {
	return func(db *Database) { db.extractor = x }
}

// Database is an open database file.
type Database struct {
	cfg config.Config

	disk    *flushmanager.DiskManager
	wal     *wal.LogManager
	pool    *memtable.BufferPoolManager
	locks   *transaction.LockManager
	txns    *transaction.Manager
	indexes *indexmanager.IndexManager

	metaRoot, namesRoot pagemanager.PageHandle

	// collections is replaced entry by entry, never mutated in place, and
	// only from commit hooks that still hold the collection's lock.
	mu          sync.RWMutex
	collections map[string]catalog.CollectionInfo

	closed    atomic.Bool
	closeOnce sync.Once

	extractor FieldExtractor
	tel       *telemetry.Telemetry
	tracer    trace.Tracer
	metrics   *internaltelemetry.StorageMetrics
	base      *zap.Logger
	logger    *zap.Logger
}

// Open opens or creates the database described by cfg, replaying the WAL
// first when it holds a committed transaction.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Database, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db := &Database{
		cfg:         cfg,
		collections: make(map[string]catalog.CollectionInfo),
		tel:         telemetry.Disabled(),
		base:        zap.NewNop(),
	}
	for _, o := range opts {
		o(db)
	}
	metrics, err := internaltelemetry.NewStorageMetrics(db.tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage metrics: %w", err)
	}
	db.metrics = metrics
	db.tracer = db.tel.Tracer
	db.logger = db.base.With(zap.String("component", "database"), zap.String("path", cfg.Connection.DatabasePath))
	db.indexes = indexmanager.New(db.extractor, cfg.Storage.MaxSamePrefixKeyCount, db.base)

	if err := db.open(ctx); err != nil {
		db.closeFiles()
		db.logger.Error("failed to open database", zap.Error(err))
		return nil, err
	}
	return db, nil
}

func diskMode(action config.OnConnect) flushmanager.OpenMode {
	switch action {
	case config.EnsureOverwritten:
		return flushmanager.CreateTruncate
	case config.ThrowIfNotFound:
		return flushmanager.OpenExisting
	default:
		return flushmanager.OpenOrCreate
	}
}

func newFileMagic() uint64 {
	id := uuid.New()
	return binary.LittleEndian.Uint64(id[:8]) | pagemanager.FileMagicHighBit
}

// peekFileMagic reads the file magic straight from the root page, before
// any recovery. It returns zero when the page cannot be decoded.
func peekFileMagic(disk *flushmanager.DiskManager) uint64 {
	buf := make([]byte, pagemanager.PageLength)
	if err := disk.ReadAt(buf, pagemanager.RootHandle.Offset()); err != nil {
		return 0
	}
	p, err := pagemanager.Decode(pagemanager.RootHandle, buf)
	if err != nil {
		return 0
	}
	if root, ok := p.(*pagemanager.RootPage); ok {
		return root.FileMagic
	}
	return 0
}

func (db *Database) open(ctx context.Context) error {
	conn, storage := db.cfg.Connection, db.cfg.Storage

	disk, err := flushmanager.NewDiskManager(conn.DatabasePath, diskMode(conn.OnConnect), db.base)
	if err != nil {
		return err
	}
	db.disk = disk
	size, err := disk.Length()
	if err != nil {
		return err
	}
	create := disk.Created() || size == 0

	magic := newFileMagic()
	if !create {
		magic = peekFileMagic(disk)
	}
	walConfig := wal.Config{
		Path:                 conn.WAL(),
		MaxPageCount:         storage.WALMaxPageCount,
		MaxBufferedPageCount: storage.WALMaxBufferedPageCount,
	}
	db.wal, err = wal.NewLogManager(walConfig, disk, magic, create, db.base, db.metrics)
	if err != nil {
		return err
	}
	if !create {
		if w := db.wal.FileMagic(); magic != 0 && w != magic {
			// An empty WAL is simply rebound; one holding records belongs
			// to another database.
			if err := db.wal.Bind(magic); err != nil {
				return dberrors.Wrap(dberrors.InvalidFileMagic, err, "WAL belongs to another database")
			}
		}
		replayed, err := db.wal.Recover()
		if err != nil {
			return err
		}
		if replayed > 0 {
			db.logger.Info("recovered from WAL", zap.Int("pages", replayed))
		}
	}

	db.pool = memtable.NewBufferPoolManager(disk, db.wal, storage.CacheSize(), db.base, db.metrics)
	db.locks = transaction.NewLockManager(db.base, db.metrics)
	if err := db.locks.CreateLock(transaction.MetaObjectID); err != nil {
		return err
	}
	db.txns = transaction.NewManager(db.pool, db.wal, db.locks, transaction.Options{
		LockTimeout:               storage.LockTimeout,
		MaxConcurrentTransactions: storage.MaxConcurrentTransactions,
	}, db.base)

	if create {
		if err := db.pool.Create(magic); err != nil {
			return err
		}
		return db.bootstrap(ctx)
	}
	if err := db.pool.Open(); err != nil {
		return err
	}
	root := db.pool.Root()
	if root.FileMagic != db.wal.FileMagic() {
		return dberrors.Newf(dberrors.InvalidFileMagic, "database magic %#x, WAL magic %#x", root.FileMagic, db.wal.FileMagic())
	}
	if root.MetaCollection.IsNull() && root.MetaNameIndex.IsNull() {
		// the first commit of a new file landed but the catalog's did not
		db.logger.Warn("database file has no catalog, finishing creation")
		return db.bootstrap(ctx)
	}
	db.metaRoot, db.namesRoot = root.MetaCollection, root.MetaNameIndex
	return db.loadCatalog(ctx)
}

func (db *Database) bootstrap(ctx context.Context) error {
	s, _, err := db.txns.Begin(ctx, transaction.Write(transaction.MetaObjectID))
	if err != nil {
		return err
	}
	defer s.Rollback()
	meta, names, err := catalog.Bootstrap(s)
	if err != nil {
		return err
	}
	db.pool.SetMetaRoots(meta, names)
	if err := s.Commit(); err != nil {
		return err
	}
	db.metaRoot, db.namesRoot = meta, names
	db.logger.Info("created database")
	return nil
}

func (db *Database) loadCatalog(ctx context.Context) error {
	s, _, err := db.txns.Begin(ctx, transaction.Read(transaction.MetaObjectID))
	if err != nil {
		return err
	}
	defer s.Rollback()
	cat, err := catalog.Open(s, db.metaRoot, db.namesRoot, db.base)
	if err != nil {
		return err
	}
	all, err := cat.Collections()
	if err != nil {
		return err
	}
	for _, info := range all {
		if err := db.locks.CreateLock(transaction.ObjectID(info.ID)); err != nil {
			return err
		}
		for _, idx := range info.Indexes {
			if err := db.locks.CreateLock(transaction.ObjectID(idx.ID)); err != nil {
				return err
			}
		}
		db.collections[info.Name] = info
	}
	db.logger.Info("opened database", zap.Int("collections", len(all)))
	return s.Commit()
}

func (db *Database) usable() error {
	if db.closed.Load() {
		return dberrors.New(dberrors.InvalidDatabaseState, "database is closed")
	}
	return nil
}

func (db *Database) lookup(name string) (catalog.CollectionInfo, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	info, ok := db.collections[name]
	return info, ok
}

func (db *Database) publish(info catalog.CollectionInfo) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.collections[info.Name] = info
}

func (db *Database) unpublish(name string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.collections, name)
}

func (db *Database) catalog(s *transaction.Scope) (*catalog.Catalog, error) {
	return catalog.Open(s, db.metaRoot, db.namesRoot, db.base)
}

func notFound(name string) error {
	return dberrors.Newf(dberrors.CollectionDoesNotExist, "collection %q", name)
}

// Collection returns a handle to the collection called name.
func (db *Database) Collection(name string) (*Collection, error) {
	if err := db.usable(); err != nil {
		return nil, err
	}
	if _, ok := db.lookup(name); !ok {
		return nil, notFound(name)
	}
	return &Collection{db: db, name: name}, nil
}

// ListCollections returns the collection names in sorted order.
func (db *Database) ListCollections() []string {
	db.mu.RLock()
	names := make([]string, 0, len(db.collections))
	for name := range db.collections {
		names = append(names, name)
	}
	db.mu.RUnlock()
	slices.Sort(names)
	return names
}

// CreateCollection creates an empty collection.
func (db *Database) CreateCollection(ctx context.Context, name string) (_ *Collection, err error) {
	ctx, span, start := db.startMetricsAndTrace(ctx, "CreateCollection", name)
	defer func() { db.endMetricsAndTrace(ctx, span, start, "CreateCollection", err) }()
	if err := db.usable(); err != nil {
		return nil, err
	}
	if err := catalog.ValidateName(name); err != nil {
		return nil, err
	}

	s, _, err := db.txns.Begin(ctx, transaction.Write(transaction.MetaObjectID))
	if err != nil {
		return nil, err
	}
	defer s.Rollback()
	if _, ok := db.lookup(name); ok {
		return nil, dberrors.Newf(dberrors.CollectionAlreadyExists, "collection %q", name)
	}
	cat, err := db.catalog(s)
	if err != nil {
		return nil, err
	}
	id := db.pool.NextObjectID()
	info, err := cat.CreateCollection(id, name)
	if err != nil {
		return nil, err
	}
	if err := db.locks.CreateLock(transaction.ObjectID(id)); err != nil {
		return nil, err
	}
	s.AfterRollback(func() { db.locks.RemoveLock(transaction.ObjectID(id)) })
	s.AfterCommit(func() { db.publish(info) })
	if err := s.Commit(); err != nil {
		return nil, err
	}
	db.logger.Info("created collection", zap.String("collection", name), zap.Uint64("id", id))
	return &Collection{db: db, name: name}, nil
}

// DropCollection deletes a collection, its documents and its indexes.
func (db *Database) DropCollection(ctx context.Context, name string) (err error) {
	ctx, span, start := db.startMetricsAndTrace(ctx, "DropCollection", name)
	defer func() { db.endMetricsAndTrace(ctx, span, start, "DropCollection", err) }()
	if err := db.usable(); err != nil {
		return err
	}

	for {
		info, ok := db.lookup(name)
		if !ok {
			return notFound(name)
		}
		s, sctx, err := db.txns.Begin(ctx, transaction.Write(transaction.MetaObjectID), transaction.Write(transaction.ObjectID(info.ID)))
		if errors.Is(err, dberrors.ErrLockDoesNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		dropped, err := db.drop(sctx, s, name, info.ID)
		s.Rollback()
		if err != nil {
			return err
		}
		if dropped == nil {
			continue
		}
		db.locks.RemoveLock(transaction.ObjectID(dropped.ID))
		for _, idx := range dropped.Indexes {
			db.locks.RemoveLock(transaction.ObjectID(idx.ID))
		}
		db.logger.Info("dropped collection", zap.String("collection", name))
		return nil
	}
}

// drop removes the collection in s. It returns nil info when the collection
// changed identity between lookup and locking.
func (db *Database) drop(ctx context.Context, s *transaction.Scope, name string, id uint64) (*catalog.CollectionInfo, error) {
	info, ok := db.lookup(name)
	if !ok {
		return nil, notFound(name)
	}
	if info.ID != id {
		return nil, nil
	}
	if err := s.Extend(ctx, indexTargets(info, transaction.LockWrite)...); err != nil {
		return nil, err
	}
	cat, err := db.catalog(s)
	if err != nil {
		return nil, err
	}
	if err := cat.DropCollection(info); err != nil {
		return nil, err
	}
	s.AfterCommit(func() { db.unpublish(name) })
	if err := s.Commit(); err != nil {
		return nil, err
	}
	return &info, nil
}

func indexTargets(info catalog.CollectionInfo, mode transaction.LockMode) []transaction.Target {
	targets := make([]transaction.Target, 0, len(info.Indexes))
	for _, idx := range info.Indexes {
		targets = append(targets, transaction.Target{ID: transaction.ObjectID(idx.ID), Mode: mode})
	}
	return targets
}

// Stats reports page and cache usage.
func (db *Database) Stats() memtable.Stats { return db.pool.Stats() }

// Check verifies the catalog and every tree of every collection. It holds
// read locks on everything while it runs.
func (db *Database) Check(ctx context.Context) (err error) {
	ctx, span, start := db.startMetricsAndTrace(ctx, "Check", "")
	defer func() { db.endMetricsAndTrace(ctx, span, start, "Check", err) }()
	if err := db.usable(); err != nil {
		return err
	}

	db.mu.RLock()
	targets := []transaction.Target{transaction.Read(transaction.MetaObjectID)}
	for _, info := range db.collections {
		targets = append(targets, transaction.Read(transaction.ObjectID(info.ID)))
		targets = append(targets, indexTargets(info, transaction.LockRead)...)
	}
	db.mu.RUnlock()

	s, _, err := db.txns.Begin(ctx, targets...)
	if err != nil {
		return err
	}
	defer s.Rollback()
	cat, err := db.catalog(s)
	if err != nil {
		return err
	}
	if err := cat.Check(); err != nil {
		return err
	}
	all, err := cat.Collections()
	if err != nil {
		return err
	}
	for _, info := range all {
		if err := checkCollection(s, info); err != nil {
			return err
		}
	}
	return s.Commit()
}

// Close closes the database files. Open cursors and batches must be
// finished first.
func (db *Database) Close() error {
	var err error
	db.closeOnce.Do(func() {
		db.closed.Store(true)
		if n := db.txns.Active(); n > 0 {
			db.logger.Warn("closing with open transactions", zap.Int("transactions", n))
		}
		err = db.closeFiles()
		db.logger.Info("closed database")
	})
	return err
}

func (db *Database) closeFiles() error {
	var errs []error
	if db.wal != nil {
		errs = append(errs, db.wal.Close())
	}
	if db.disk != nil {
		errs = append(errs, db.disk.Close())
	}
	return errors.Join(errs...)
}
