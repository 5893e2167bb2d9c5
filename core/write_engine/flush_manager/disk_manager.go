// Package flushmanager owns raw random-access I/O against a single backing
// file. Everything above it speaks in pages; this layer only speaks in
// byte offsets.
package flushmanager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sushant-115/gojodoc/core/dberrors"
	"go.uber.org/zap"
)

// OpenMode selects how DiskManager treats a missing or existing file.
type OpenMode int

const (
	// OpenExisting fails with DatabaseDoesNotExist when the file is missing.
	OpenExisting OpenMode = iota
	// OpenOrCreate creates the file when it is missing.
	OpenOrCreate
	// CreateTruncate creates the file, discarding any existing content.
	CreateTruncate
)

// DiskManager wraps a single file with positional reads and writes.
// ReadAt and WriteAt are safe for concurrent use; Truncate and Close are
// serialized against them.
type DiskManager struct {
	filePath string
	file     *os.File
	mu       sync.RWMutex
	logger   *zap.Logger
	created  bool
}

// NewDiskManager opens filePath according to mode.
func NewDiskManager(filePath string, mode OpenMode, logger *zap.Logger) (*DiskManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	flags := os.O_RDWR
	created := false
	switch mode {
	case OpenExisting:
		if _, err := os.Stat(filePath); errors.Is(err, os.ErrNotExist) {
			return nil, dberrors.Newf(dberrors.DatabaseDoesNotExist, "file %s not found", filePath)
		}
	case OpenOrCreate:
		if _, err := os.Stat(filePath); errors.Is(err, os.ErrNotExist) {
			created = true
		}
		flags |= os.O_CREATE
	case CreateTruncate:
		flags |= os.O_CREATE | os.O_TRUNC
		created = true
	}

	file, err := os.OpenFile(filePath, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening file %s: %w", filePath, err)
	}
	dm := &DiskManager{
		filePath: filePath,
		file:     file,
		logger:   logger.With(zap.String("component", "disk_manager"), zap.String("path", filePath)),
		created:  created,
	}
	dm.logger.Debug("opened file", zap.Bool("created", created))
	return dm, nil
}

// Path returns the backing file path.
func (dm *DiskManager) Path() string { return dm.filePath }

// Created reports whether the file did not exist (or was truncated) at open.
func (dm *DiskManager) Created() bool { return dm.created }

// ReadAt fills p from offset. A short read is reported as UnexpectedEndOfFile.
func (dm *DiskManager) ReadAt(p []byte, offset int64) error {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	if dm.file == nil {
		return dberrors.New(dberrors.InvalidDatabaseState, "file is closed")
	}
	n, err := dm.file.ReadAt(p, offset)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return dberrors.Wrap(dberrors.UnexpectedEndOfFile, err,
				fmt.Sprintf("read %d of %d bytes at offset %d", n, len(p), offset))
		}
		return fmt.Errorf("reading %d bytes at offset %d: %w", len(p), offset, err)
	}
	return nil
}

// WriteAt writes p at offset, extending the file as needed.
func (dm *DiskManager) WriteAt(p []byte, offset int64) error {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	if dm.file == nil {
		return dberrors.New(dberrors.InvalidDatabaseState, "file is closed")
	}
	if _, err := dm.file.WriteAt(p, offset); err != nil {
		return fmt.Errorf("writing %d bytes at offset %d: %w", len(p), offset, err)
	}
	return nil
}

// Flush forces written data to stable storage.
func (dm *DiskManager) Flush() error {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	if dm.file == nil {
		return dberrors.New(dberrors.InvalidDatabaseState, "file is closed")
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", dm.filePath, err)
	}
	return nil
}

// Truncate resizes the file to size bytes.
func (dm *DiskManager) Truncate(size int64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return dberrors.New(dberrors.InvalidDatabaseState, "file is closed")
	}
	if err := dm.file.Truncate(size); err != nil {
		return fmt.Errorf("truncating %s to %d: %w", dm.filePath, size, err)
	}
	return nil
}

// Length returns the current file size in bytes.
func (dm *DiskManager) Length() (int64, error) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	if dm.file == nil {
		return 0, dberrors.New(dberrors.InvalidDatabaseState, "file is closed")
	}
	fi, err := dm.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", dm.filePath, err)
	}
	return fi.Size(), nil
}

// Close syncs and closes the file. Closing twice is a no-op.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	syncErr := dm.file.Sync()
	closeErr := dm.file.Close()
	dm.file = nil
	if syncErr != nil {
		return fmt.Errorf("syncing %s on close: %w", dm.filePath, syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("closing %s: %w", dm.filePath, closeErr)
	}
	dm.logger.Debug("closed file")
	return nil
}
