package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/sushant-115/gojodoc/core/dberrors"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
)

// LogRecordType defines the type of a WAL record.
type LogRecordType byte

const (
	// LogRecordTypePageImage carries the full image of one page.
	LogRecordTypePageImage LogRecordType = iota + 1
	// LogRecordTypeCommit closes a commit; its Page field holds the number
	// of page images that precede it.
	LogRecordTypeCommit
)

// crc(4) lsn(8) type(1) page(8) length(4)
const recordHeaderLength = 25

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// LogRecord is a single entry in the write-ahead log.
type LogRecord struct {
	LSN  pagemanager.LSN
	Type LogRecordType
	Page pagemanager.PageHandle
	Data []byte
}

// Serialize converts a LogRecord into its checksummed wire form.
func (lr *LogRecord) Serialize() ([]byte, error) {
	body := new(bytes.Buffer)
	body.Grow(recordHeaderLength + len(lr.Data))

	if err := binary.Write(body, binary.LittleEndian, uint64(lr.LSN)); err != nil {
		return nil, fmt.Errorf("failed to serialize LSN: %w", err)
	}
	if err := binary.Write(body, binary.LittleEndian, lr.Type); err != nil {
		return nil, fmt.Errorf("failed to serialize Type: %w", err)
	}
	if err := binary.Write(body, binary.LittleEndian, uint64(lr.Page)); err != nil {
		return nil, fmt.Errorf("failed to serialize Page: %w", err)
	}
	if err := binary.Write(body, binary.LittleEndian, uint32(len(lr.Data))); err != nil {
		return nil, fmt.Errorf("failed to serialize Data length: %w", err)
	}
	if _, err := body.Write(lr.Data); err != nil {
		return nil, fmt.Errorf("failed to write Data: %w", err)
	}

	out := make([]byte, 4+body.Len())
	binary.LittleEndian.PutUint32(out, crc32.Checksum(body.Bytes(), castagnoli))
	copy(out[4:], body.Bytes())
	return out, nil
}

// Deserialize reads one record from r. It returns io.EOF when r is
// exhausted or only zero padding remains, io.ErrUnexpectedEOF for a torn
// tail, and ChecksumVerificationFailed when the record is corrupt.
func (lr *LogRecord) Deserialize(r io.Reader) error {
	var head [recordHeaderLength]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return err
	}
	if head == [recordHeaderLength]byte{} {
		return io.EOF
	}

	stored := binary.LittleEndian.Uint32(head[0:4])
	lr.LSN = pagemanager.LSN(binary.LittleEndian.Uint64(head[4:12]))
	lr.Type = LogRecordType(head[12])
	lr.Page = pagemanager.PageHandle(binary.LittleEndian.Uint64(head[13:21]))
	length := binary.LittleEndian.Uint32(head[21:25])
	if length > pagemanager.PageLength {
		return dberrors.Newf(dberrors.ChecksumVerificationFailed, "WAL record at LSN %d claims %d bytes", lr.LSN, length)
	}

	lr.Data = make([]byte, length)
	if _, err := io.ReadFull(r, lr.Data); err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}

	crc := crc32.Update(crc32.Checksum(head[4:], castagnoli), castagnoli, lr.Data)
	if crc != stored {
		return dberrors.Newf(dberrors.ChecksumVerificationFailed, "WAL record for page %d at LSN %d", lr.Page, lr.LSN)
	}
	switch lr.Type {
	case LogRecordTypePageImage:
		if len(lr.Data) != pagemanager.PageLength {
			return dberrors.Newf(dberrors.InternalError, "WAL image for page %d has %d bytes", lr.Page, len(lr.Data))
		}
	case LogRecordTypeCommit:
	default:
		return dberrors.Newf(dberrors.InternalError, "unknown WAL record type %d", lr.Type)
	}
	return nil
}

// Size returns the serialized size of the record.
func (lr *LogRecord) Size() int {
	return recordHeaderLength + len(lr.Data)
}
