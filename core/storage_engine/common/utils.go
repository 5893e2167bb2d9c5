package common

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sushant-115/gojodoc/core/dberrors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk
const chunkSize = 1 << 20

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// CopyResult describes a finished copy.
type CopyResult struct {
	Bytes  int64
	SHA256 []byte
}

// CopyThrottled copies srcPath to dstPath at no more than rateBytesPerSec
// (zero means unthrottled), fsyncs the copy and reads it back to check its
// SHA-256 against the bytes that were read. A mismatch is reported as
// ChecksumVerificationFailed.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, rateBytesPerSec int64, logger *zap.Logger) (CopyResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return CopyResult{}, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return CopyResult{}, fmt.Errorf("open dst: %w", err)
	}
	defer dst.Close()

	var limiter *rate.Limiter
	if rateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), chunkSize)
	}

	var (
		readOff int64
		sum     = sha256.New()
	)
	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)
	for {
		n, rerr := src.ReadAt(buf[:chunkSize], readOff)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return CopyResult{}, fmt.Errorf("rate limiter error: %w", err)
				}
			} else if err := ctx.Err(); err != nil {
				return CopyResult{}, err
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return CopyResult{}, fmt.Errorf("write error: %w", err)
			}
			sum.Write(buf[:n])
			readOff += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return CopyResult{}, fmt.Errorf("read error: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return CopyResult{}, fmt.Errorf("sync error: %w", err)
	}

	res := CopyResult{Bytes: readOff, SHA256: sum.Sum(nil)}
	got, err := FileSHA256(dstPath)
	if err != nil {
		return CopyResult{}, err
	}
	if !bytes.Equal(got, res.SHA256) {
		return CopyResult{}, dberrors.Newf(dberrors.ChecksumVerificationFailed,
			"copy of %s has sha256 %x, want %x", srcPath, got, res.SHA256)
	}
	logger.Info("copied file", zap.String("src", srcPath), zap.String("dst", dstPath),
		zap.Int64("bytes", res.Bytes), zap.String("sha256", fmt.Sprintf("%x", res.SHA256)))
	return res, nil
}

// FileSHA256 hashes the file at path.
func FileSHA256(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}
	return h.Sum(nil), nil
}
