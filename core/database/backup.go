package database

import (
	"context"
	"path/filepath"

	"github.com/sushant-115/gojodoc/core/dberrors"
	"github.com/sushant-115/gojodoc/core/storage_engine/common"
	"go.uber.org/zap"
)

// BackupResult describes a finished backup.
type BackupResult = common.CopyResult

// Backup copies the database file to dstPath while holding the WAL commit
// lock. Readers keep running; commits wait until the copy is done. The copy
// is throttled to Backup.BytesPerSecond and verified by SHA-256. The result
// opens as a database of its own with an empty WAL.
func (db *Database) Backup(ctx context.Context, dstPath string) (res BackupResult, err error) {
	ctx, span, start := db.startMetricsAndTrace(ctx, "Backup", "")
	defer func() { db.endMetricsAndTrace(ctx, span, start, "Backup", err) }()
	if err := db.usable(); err != nil {
		return BackupResult{}, err
	}
	src, err := filepath.Abs(db.disk.Path())
	if err != nil {
		return BackupResult{}, err
	}
	dst, err := filepath.Abs(dstPath)
	if err != nil {
		return BackupResult{}, err
	}
	if src == dst {
		return BackupResult{}, dberrors.Newf(dberrors.InvalidConfiguration, "backup target %s is the database itself", dstPath)
	}

	err = db.wal.WithCommitLock(func() error {
		res, err = common.CopyThrottled(ctx, src, dst, int64(db.cfg.Backup.BytesPerSecond), db.logger)
		return err
	})
	if err != nil {
		db.logger.Error("backup failed", zap.String("dst", dst), zap.Error(err))
		return BackupResult{}, err
	}
	return res, nil
}
