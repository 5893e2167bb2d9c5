package wal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sushant-115/gojodoc/core/dberrors"
	flushmanager "github.com/sushant-115/gojodoc/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojodoc/internal/telemetry"
	"go.uber.org/zap"
)

const (
	// walMagic is "GJWL" read as a little-endian uint32.
	walMagic   uint32 = 0x4C574A47
	walVersion uint32 = 1
	// HeaderLength is the fixed WAL file header; records start right after it.
	HeaderLength = 32
)

// Config bounds the WAL.
type Config struct {
	// Path of the WAL file.
	Path string
	// MaxPageCount caps the page images of a single commit (0 = unbounded).
	MaxPageCount int
	// MaxBufferedPageCount caps the pages a transaction may buffer (0 = unbounded).
	MaxBufferedPageCount int
}

// LogManager owns the WAL file and the commit protocol that moves page
// images from a transaction's Batch into the main database file.
//
// Commit writes every image plus a commit record to the WAL, fsyncs it,
// writes the images to the main file, fsyncs that, and finally truncates
// the WAL back to its header. A crash at any point leaves either nothing
// (torn WAL, discarded at open) or a complete commit (replayed at open).
type LogManager struct {
	config    Config
	file      *flushmanager.DiskManager
	target    *flushmanager.DiskManager
	fileMagic uint64

	mu          sync.Mutex
	currentLSN  pagemanager.LSN
	parked      map[pagemanager.PageHandle][]byte
	parkedOrder []pagemanager.PageHandle
	// failed is set when a commit became durable but could not be applied;
	// the WAL then holds the only copy and must be replayed by a reopen.
	failed error
	closed bool

	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// NewLogManager opens the WAL at config.Path for the database file target.
// With create set (or when the WAL is missing or empty) a fresh header bound
// to fileMagic is written. Otherwise the existing header is validated and
// FileMagic reports the database it belongs to; the caller must Recover
// before committing.
func NewLogManager(config Config, target *flushmanager.DiskManager, fileMagic uint64, create bool,
	logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*LogManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mode := flushmanager.OpenOrCreate
	if create {
		mode = flushmanager.CreateTruncate
	}
	file, err := flushmanager.NewDiskManager(config.Path, mode, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}
	lm := &LogManager{
		config:    config,
		file:      file,
		target:    target,
		fileMagic: fileMagic,
		parked:    make(map[pagemanager.PageHandle][]byte),
		logger:    logger.With(zap.String("component", "wal"), zap.String("path", config.Path)),
		metrics:   metrics,
	}

	size, err := file.Length()
	if err != nil {
		file.Close()
		return nil, err
	}
	if create || size < HeaderLength {
		if err := lm.writeHeader(); err != nil {
			file.Close()
			return nil, err
		}
		return lm, nil
	}
	if err := lm.readHeader(); err != nil {
		file.Close()
		return nil, err
	}
	return lm, nil
}

func (lm *LogManager) writeHeader() error {
	var head [HeaderLength]byte
	binary.LittleEndian.PutUint32(head[0:], walMagic)
	binary.LittleEndian.PutUint32(head[4:], walVersion)
	binary.LittleEndian.PutUint64(head[8:], lm.fileMagic)
	if err := lm.file.Truncate(0); err != nil {
		return err
	}
	if err := lm.file.WriteAt(head[:], 0); err != nil {
		return fmt.Errorf("failed to write WAL header: %w", err)
	}
	return lm.file.Flush()
}

func (lm *LogManager) readHeader() error {
	var head [HeaderLength]byte
	if err := lm.file.ReadAt(head[:], 0); err != nil {
		return fmt.Errorf("failed to read WAL header: %w", err)
	}
	if magic := binary.LittleEndian.Uint32(head[0:]); magic != walMagic {
		return dberrors.Newf(dberrors.InvalidFileMagic, "WAL magic %#x", magic)
	}
	if v := binary.LittleEndian.Uint32(head[4:]); v != walVersion {
		return dberrors.Newf(dberrors.UnsupportedDatabaseVersion, "WAL version %d", v)
	}
	lm.fileMagic = binary.LittleEndian.Uint64(head[8:])
	return nil
}

// FileMagic returns the database file magic the WAL is bound to.
func (lm *LogManager) FileMagic() uint64 {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.fileMagic
}

// Bind rewrites the header for fileMagic. Only valid while the WAL is empty.
func (lm *LogManager) Bind(fileMagic uint64) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	size, err := lm.file.Length()
	if err != nil {
		return err
	}
	if size > HeaderLength {
		return dberrors.New(dberrors.InvalidDatabaseState, "cannot rebind a WAL holding records")
	}
	lm.fileMagic = fileMagic
	return lm.writeHeader()
}

// CurrentLSN returns the LSN of the last durable commit.
func (lm *LogManager) CurrentLSN() pagemanager.LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.currentLSN
}

// NewBatch returns an empty buffered region bounded by MaxBufferedPageCount.
func (lm *LogManager) NewBatch() *Batch {
	return NewBatch(lm.config.MaxBufferedPageCount)
}

// Recover replays a complete commit left in the WAL onto the main file and
// resets the WAL. An incomplete tail is discarded. It returns the number of
// pages replayed.
func (lm *LogManager) Recover() (int, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	size, err := lm.file.Length()
	if err != nil {
		return 0, err
	}
	if size <= HeaderLength {
		return 0, nil
	}
	data := make([]byte, size-HeaderLength)
	if err := lm.file.ReadAt(data, HeaderLength); err != nil {
		return 0, fmt.Errorf("failed to read WAL records: %w", err)
	}

	reader := bytes.NewReader(data)
	var pending []LogRecord
	committed := false
	for !committed {
		var lr LogRecord
		err := lr.Deserialize(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			lm.logger.Warn("WAL ends with a torn record", zap.Int("complete_records", len(pending)))
			break
		}
		if err != nil {
			lm.logger.Error("WAL replay aborted", zap.Error(err))
			return 0, err
		}
		if lr.Type == LogRecordTypeCommit {
			if int(lr.Page) != len(pending) {
				return 0, dberrors.Newf(dberrors.InternalError,
					"WAL commit %d announces %d pages, found %d", lr.LSN, lr.Page, len(pending))
			}
			committed = true
			lm.currentLSN = lr.LSN
			break
		}
		pending = append(pending, lr)
	}

	replayed := 0
	if committed {
		for _, lr := range pending {
			if err := lm.target.WriteAt(lr.Data, lr.Page.Offset()); err != nil {
				return 0, fmt.Errorf("failed to replay page %d: %w", lr.Page, err)
			}
		}
		if err := lm.target.Flush(); err != nil {
			return 0, err
		}
		replayed = len(pending)
		lm.logger.Info("replayed WAL commit", zap.Uint64("lsn", uint64(lm.currentLSN)), zap.Int("pages", replayed))
		lm.metrics.Replayed(replayed)
	} else if len(pending) > 0 {
		lm.logger.Warn("discarding incomplete WAL commit", zap.Int("pages", len(pending)))
	}

	if err := lm.resetLocked(); err != nil {
		return replayed, err
	}
	return replayed, nil
}

func (lm *LogManager) resetLocked() error {
	if err := lm.file.Truncate(HeaderLength); err != nil {
		return err
	}
	return lm.file.Flush()
}

// Park stores the image of a dirty page evicted from the cache. Parked
// pages are served by Parked and folded into the next commit.
func (lm *LogManager) Park(h pagemanager.PageHandle, image []byte) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if _, ok := lm.parked[h]; !ok {
		lm.parkedOrder = append(lm.parkedOrder, h)
	}
	lm.parked[h] = image
}

// Parked returns the parked image of page h.
func (lm *LogManager) Parked(h pagemanager.PageHandle) ([]byte, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	image, ok := lm.parked[h]
	return image, ok
}

// Unpark drops the parked image of page h, for pages deallocated before
// their next commit.
func (lm *LogManager) Unpark(h pagemanager.PageHandle) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.unparkLocked(h)
}

func (lm *LogManager) unparkLocked(h pagemanager.PageHandle) {
	if _, ok := lm.parked[h]; !ok {
		return
	}
	delete(lm.parked, h)
	for i, x := range lm.parkedOrder {
		if x == h {
			lm.parkedOrder = append(lm.parkedOrder[:i], lm.parkedOrder[i+1:]...)
			break
		}
	}
}

// Commit makes b durable and applies it to the main file. finalize, when
// non-nil, runs under the commit lock before anything is written and may
// add, drop or free pages; it is where shared allocation state is
// snapshotted. Parked images of freed pages are discarded.
// Commits are serialized and not cancellable.
func (lm *LogManager) Commit(b *Batch, finalize func(*Batch) error) (pagemanager.LSN, error) {
	start := time.Now()
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.closed {
		return pagemanager.InvalidLSN, dberrors.New(dberrors.InvalidDatabaseState, "WAL is closed")
	}
	if lm.failed != nil {
		return pagemanager.InvalidLSN, dberrors.Wrap(dberrors.InvalidDatabaseState, lm.failed, "WAL needs replay")
	}
	if finalize != nil {
		if err := finalize(b); err != nil {
			return pagemanager.InvalidLSN, err
		}
	}
	for _, h := range b.freed {
		lm.unparkLocked(h)
	}

	handles := make([]pagemanager.PageHandle, 0, len(lm.parkedOrder)+b.Len())
	for _, h := range lm.parkedOrder {
		if _, ok := b.Lookup(h); !ok {
			handles = append(handles, h)
		}
	}
	handles = append(handles, b.order...)
	if len(handles) == 0 {
		return lm.currentLSN, nil
	}
	if lm.config.MaxPageCount > 0 && len(handles) > lm.config.MaxPageCount {
		return pagemanager.InvalidLSN, dberrors.Newf(dberrors.MaxWalCommitNumberReached,
			"commit of %d pages exceeds WAL limit %d", len(handles), lm.config.MaxPageCount)
	}
	image := func(h pagemanager.PageHandle) []byte {
		if img, ok := b.Lookup(h); ok {
			return img
		}
		return lm.parked[h]
	}

	lsn := lm.currentLSN + 1
	buf := new(bytes.Buffer)
	buf.Grow(len(handles) * (recordHeaderLength + pagemanager.PageLength + 4))
	for _, h := range handles {
		lr := LogRecord{LSN: lsn, Type: LogRecordTypePageImage, Page: h, Data: image(h)}
		raw, err := lr.Serialize()
		if err != nil {
			return pagemanager.InvalidLSN, err
		}
		buf.Write(raw)
	}
	commit := LogRecord{LSN: lsn, Type: LogRecordTypeCommit, Page: pagemanager.PageHandle(len(handles))}
	raw, err := commit.Serialize()
	if err != nil {
		return pagemanager.InvalidLSN, err
	}
	buf.Write(raw)

	if err := lm.file.WriteAt(buf.Bytes(), HeaderLength); err != nil {
		return pagemanager.InvalidLSN, fmt.Errorf("failed to append to WAL: %w", err)
	}
	if err := lm.file.Flush(); err != nil {
		return pagemanager.InvalidLSN, fmt.Errorf("failed to sync WAL: %w", err)
	}
	lm.currentLSN = lsn

	// From here on the commit is durable; failures poison the WAL.
	for _, h := range handles {
		if err := lm.target.WriteAt(image(h), h.Offset()); err != nil {
			return lm.fail(lsn, fmt.Errorf("failed to apply page %d: %w", h, err))
		}
	}
	if err := lm.target.Flush(); err != nil {
		return lm.fail(lsn, err)
	}
	if err := lm.resetLocked(); err != nil {
		return lm.fail(lsn, err)
	}

	clear(lm.parked)
	lm.parkedOrder = lm.parkedOrder[:0]
	elapsed := time.Since(start)
	lm.metrics.Committed(len(handles), elapsed)
	lm.logger.Debug("committed", zap.Uint64("lsn", uint64(lsn)), zap.Int("pages", len(handles)), zap.Duration("took", elapsed))
	return lsn, nil
}

func (lm *LogManager) fail(lsn pagemanager.LSN, err error) (pagemanager.LSN, error) {
	lm.failed = err
	lm.logger.Error("durable commit could not be applied", zap.Uint64("lsn", uint64(lsn)), zap.Error(err))
	return lsn, dberrors.Wrap(dberrors.InvalidDatabaseState, err, "commit is durable in the WAL but not applied")
}

// WithCommitLock runs fn while no commit can start or be in flight.
func (lm *LogManager) WithCommitLock(fn func() error) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return fn()
}

// Close closes the WAL file. Parked pages that never reached a commit are lost.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return nil
	}
	lm.closed = true
	if len(lm.parkedOrder) > 0 {
		lm.logger.Warn("closing WAL with parked pages", zap.Int("pages", len(lm.parkedOrder)))
	}
	return lm.file.Close()
}
