package catalog

import (
	"encoding/binary"

	"github.com/sushant-115/gojodoc/core/dberrors"
	pagemanager "github.com/sushant-115/gojodoc/core/write_engine/page_manager"
)

const (
	indexDescriptorLength = 17
	objectRefLength       = 12
)

func encodeIndex(idx IndexInfo) []byte {
	buf := make([]byte, indexDescriptorLength)
	binary.LittleEndian.PutUint64(buf[0:], idx.ID)
	binary.LittleEndian.PutUint64(buf[8:], uint64(idx.Tree))
	if idx.Unique {
		buf[16] = 1
	}
	return buf
}

func decodeIndex(field string, buf []byte) (IndexInfo, error) {
	if len(buf) != indexDescriptorLength {
		return IndexInfo{}, dberrors.Newf(dberrors.InternalError, "index descriptor of %q holds %d bytes", field, len(buf))
	}
	return IndexInfo{
		Field:  field,
		ID:     binary.LittleEndian.Uint64(buf[0:]),
		Tree:   pagemanager.PageHandle(binary.LittleEndian.Uint64(buf[8:])),
		Unique: buf[16] == 1,
	}, nil
}

func encodeRef(length int, head pagemanager.PageHandle) []byte {
	buf := make([]byte, objectRefLength)
	binary.LittleEndian.PutUint32(buf[0:], uint32(length))
	binary.LittleEndian.PutUint64(buf[4:], uint64(head))
	return buf
}

func decodeRef(buf []byte) (int, pagemanager.PageHandle, error) {
	if len(buf) != objectRefLength {
		return 0, pagemanager.NullHandle, dberrors.Newf(dberrors.InternalError, "object reference of %d bytes", len(buf))
	}
	return int(binary.LittleEndian.Uint32(buf[0:])), pagemanager.PageHandle(binary.LittleEndian.Uint64(buf[4:])), nil
}
