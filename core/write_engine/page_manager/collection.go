package pagemanager

import (
	"encoding/binary"

	"github.com/sushant-115/gojodoc/core/dberrors"
)

const collectionMetaLength = 34

// MaxCollectionNameLength bounds the name stored on a collection page.
const MaxCollectionNameLength = 512

// CollectionPage anchors one collection: its clustered tree, its automatic
// id counter and the chain of object pages holding index descriptors.
type CollectionPage struct {
	PageHeader
	ObjectID   uint64
	Tree       PageHandle
	NextAutoID uint64
	Objects    PageHandle
	Name       string
}

func (c *CollectionPage) encodePayload(p []byte) {
	binary.LittleEndian.PutUint64(p[0:], c.ObjectID)
	putHandle(p[8:], c.Tree)
	binary.LittleEndian.PutUint64(p[16:], c.NextAutoID)
	putHandle(p[24:], c.Objects)
	binary.LittleEndian.PutUint16(p[32:], uint16(len(c.Name)))
	copy(p[collectionMetaLength:], c.Name)
}

func decodeCollection(h PageHeader, p []byte) (*CollectionPage, error) {
	n := int(binary.LittleEndian.Uint16(p[32:]))
	if n > MaxCollectionNameLength {
		return nil, dberrors.Newf(dberrors.InternalError, "collection page %d claims a %d byte name", h.handle, n)
	}
	return &CollectionPage{
		PageHeader: h,
		ObjectID:   binary.LittleEndian.Uint64(p[0:]),
		Tree:       getHandle(p[8:]),
		NextAutoID: binary.LittleEndian.Uint64(p[16:]),
		Objects:    getHandle(p[24:]),
		Name:       string(p[collectionMetaLength : collectionMetaLength+n]),
	}, nil
}
