package pagemanager

import (
	"encoding/binary"

	"github.com/sushant-115/gojodoc/core/dberrors"
)

const (
	// EngineMagic is "GOJODOC1" read as a little-endian uint64.
	EngineMagic uint64 = 0x31434F444F4A4F47
	// Version is the current file format version.
	Version uint32 = 1
	// FileMagicHighBit must be set in every file magic.
	FileMagicHighBit uint64 = 1 << 63
	// FirstObjectID is the first id handed to a user collection or index.
	// Id 1 is reserved for the meta-collection.
	FirstObjectID uint64 = 2
)

// RootPage is the singleton page at RootHandle.
type RootPage struct {
	PageHeader
	FileMagic       uint64
	EngineMagic     uint64
	Version         uint32
	NextAvailable   PageHandle
	MetaCollection  PageHandle
	MetaNameIndex   PageHandle
	FirstAllocation PageHandle
	LastAllocation  PageHandle
	NextObjectID    uint64
}

// Validate checks the magic numbers and format version.
func (r *RootPage) Validate() error {
	if r.EngineMagic != EngineMagic {
		return dberrors.Newf(dberrors.InvalidFileMagic, "engine magic %#x", r.EngineMagic)
	}
	if r.FileMagic&FileMagicHighBit == 0 {
		return dberrors.Newf(dberrors.InvalidFileMagic, "file magic %#x lacks high bit", r.FileMagic)
	}
	if r.Version != Version {
		return dberrors.Newf(dberrors.UnsupportedDatabaseVersion, "file version %d, engine version %d", r.Version, Version)
	}
	if r.NextAvailable <= FirstAllocationHandle || r.FirstAllocation.IsNull() || r.LastAllocation.IsNull() {
		return dberrors.New(dberrors.InvalidDatabaseState, "root page carries null bookkeeping handles")
	}
	return nil
}

func (r *RootPage) encodePayload(p []byte) {
	binary.LittleEndian.PutUint64(p[0:], r.FileMagic)
	binary.LittleEndian.PutUint64(p[8:], r.EngineMagic)
	binary.LittleEndian.PutUint32(p[16:], r.Version)
	putHandle(p[24:], r.NextAvailable)
	putHandle(p[32:], r.MetaCollection)
	putHandle(p[40:], r.MetaNameIndex)
	putHandle(p[48:], r.FirstAllocation)
	putHandle(p[56:], r.LastAllocation)
	binary.LittleEndian.PutUint64(p[64:], r.NextObjectID)
}

func decodeRoot(h PageHeader, p []byte) *RootPage {
	return &RootPage{
		PageHeader:      h,
		FileMagic:       binary.LittleEndian.Uint64(p[0:]),
		EngineMagic:     binary.LittleEndian.Uint64(p[8:]),
		Version:         binary.LittleEndian.Uint32(p[16:]),
		NextAvailable:   getHandle(p[24:]),
		MetaCollection:  getHandle(p[32:]),
		MetaNameIndex:   getHandle(p[40:]),
		FirstAllocation: getHandle(p[48:]),
		LastAllocation:  getHandle(p[56:]),
		NextObjectID:    binary.LittleEndian.Uint64(p[64:]),
	}
}
