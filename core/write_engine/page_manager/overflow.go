package pagemanager

import (
	"encoding/binary"

	"github.com/sushant-115/gojodoc/core/dberrors"
)

const overflowMetaLength = 10

// OverflowCapacity is the number of payload bytes one overflow page carries.
const OverflowCapacity = PayloadLength - overflowMetaLength

// OverflowPage is one link of a chain holding a value too large for a slot.
type OverflowPage struct {
	PageHeader
	Next PageHandle
	Data []byte
}

func (o *OverflowPage) encodePayload(p []byte) {
	putHandle(p[0:], o.Next)
	binary.LittleEndian.PutUint16(p[8:], uint16(len(o.Data)))
	copy(p[overflowMetaLength:], o.Data)
}

func decodeOverflow(h PageHeader, p []byte) (*OverflowPage, error) {
	n := int(binary.LittleEndian.Uint16(p[8:]))
	if n > OverflowCapacity {
		return nil, dberrors.Newf(dberrors.InternalError, "overflow page %d claims %d bytes", h.handle, n)
	}
	data := make([]byte, n)
	copy(data, p[overflowMetaLength:overflowMetaLength+n])
	return &OverflowPage{PageHeader: h, Next: getHandle(p[0:]), Data: data}, nil
}
