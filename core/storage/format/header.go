// Package format implements the on-disk byte layout of the database
// file and its write-ahead log: the 100-byte database header, b-tree
// page geometry, varints, freelist trunk pages, overflow chains, and
// WAL framing with cumulative checksums. Layout is byte-compatible with
// the SQLite 3 file format so existing tooling can read the files.
package format

import (
	"bytes"
	"encoding/binary"

	"github.com/quarrydb/quarry/core/dberr"
)

// HeaderSize is the size of the database header at the start of page 1.
const HeaderSize = 100

// Magic is the header string identifying a database file.
var Magic = []byte("SQLite format 3\x00")

const (
	DefaultPageSize = 4096
	MinPageSize     = 512
	MaxPageSize     = 65536

	// File format versions: 2 means WAL journaling.
	walVersion = 2

	schemaFormat  = 4
	versionNumber = 3047000
)

// Header is the database file header occupying the first 100 bytes of
// page 1. All multibyte fields are big-endian.
type Header struct {
	PageSize         uint32 // decoded: raw 1 means 65536
	WriteVersion     byte
	ReadVersion      byte
	ReservedSpace    byte
	MaxEmbedFrac     byte
	MinEmbedFrac     byte
	MinLeafFrac      byte
	ChangeCounter    uint32
	DatabaseSize     uint32 // size of the file in pages
	FreelistTrunk    uint32 // page number of the first freelist trunk page
	FreelistPages    uint32 // total number of freelist pages
	SchemaCookie     uint32
	SchemaFormat     uint32
	DefaultCacheSize int32
	LargestRootPage  uint32
	TextEncoding     uint32 // 1 = UTF-8
	UserVersion      uint32
	IncrementalVac   uint32
	ApplicationID    uint32
	VersionValidFor  uint32
	VersionNumber    uint32
}

// NewHeader returns the header for a freshly created database.
func NewHeader(pageSize uint32) Header {
	return Header{
		PageSize:         pageSize,
		WriteVersion:     walVersion,
		ReadVersion:      walVersion,
		MaxEmbedFrac:     64,
		MinEmbedFrac:     32,
		MinLeafFrac:      32,
		ChangeCounter:    1,
		DatabaseSize:     1,
		SchemaFormat:     schemaFormat,
		DefaultCacheSize: 500,
		TextEncoding:     1,
		VersionValidFor:  versionNumber,
		VersionNumber:    versionNumber,
	}
}

// DecodeHeader parses the database header from the front of page 1.
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, dberr.ErrNotADatabase
	}
	if !bytes.Equal(buf[0:16], Magic) {
		return h, dberr.ErrNotADatabase
	}
	raw := binary.BigEndian.Uint16(buf[16:18])
	switch {
	case raw == 1:
		h.PageSize = MaxPageSize
	case raw >= MinPageSize && raw&(raw-1) == 0:
		h.PageSize = uint32(raw)
	default:
		return h, dberr.Corrupt(1, "invalid page size %d", raw)
	}
	h.WriteVersion = buf[18]
	h.ReadVersion = buf[19]
	h.ReservedSpace = buf[20]
	h.MaxEmbedFrac = buf[21]
	h.MinEmbedFrac = buf[22]
	h.MinLeafFrac = buf[23]
	if h.MaxEmbedFrac != 64 || h.MinEmbedFrac != 32 || h.MinLeafFrac != 32 {
		return h, dberr.Corrupt(1, "invalid payload fractions %d/%d/%d",
			h.MaxEmbedFrac, h.MinEmbedFrac, h.MinLeafFrac)
	}
	h.ChangeCounter = binary.BigEndian.Uint32(buf[24:28])
	h.DatabaseSize = binary.BigEndian.Uint32(buf[28:32])
	h.FreelistTrunk = binary.BigEndian.Uint32(buf[32:36])
	h.FreelistPages = binary.BigEndian.Uint32(buf[36:40])
	h.SchemaCookie = binary.BigEndian.Uint32(buf[40:44])
	h.SchemaFormat = binary.BigEndian.Uint32(buf[44:48])
	h.DefaultCacheSize = int32(binary.BigEndian.Uint32(buf[48:52]))
	h.LargestRootPage = binary.BigEndian.Uint32(buf[52:56])
	h.TextEncoding = binary.BigEndian.Uint32(buf[56:60])
	h.UserVersion = binary.BigEndian.Uint32(buf[60:64])
	h.IncrementalVac = binary.BigEndian.Uint32(buf[64:68])
	h.ApplicationID = binary.BigEndian.Uint32(buf[68:72])
	h.VersionValidFor = binary.BigEndian.Uint32(buf[92:96])
	h.VersionNumber = binary.BigEndian.Uint32(buf[96:100])
	if h.TextEncoding != 1 {
		return h, dberr.Corrupt(1, "unsupported text encoding %d", h.TextEncoding)
	}
	return h, nil
}

// Encode writes the header into the front of page 1.
func (h Header) Encode(buf []byte) {
	copy(buf[0:16], Magic)
	raw := h.PageSize
	if raw == MaxPageSize {
		raw = 1
	}
	binary.BigEndian.PutUint16(buf[16:18], uint16(raw))
	buf[18] = h.WriteVersion
	buf[19] = h.ReadVersion
	buf[20] = h.ReservedSpace
	buf[21] = h.MaxEmbedFrac
	buf[22] = h.MinEmbedFrac
	buf[23] = h.MinLeafFrac
	binary.BigEndian.PutUint32(buf[24:28], h.ChangeCounter)
	binary.BigEndian.PutUint32(buf[28:32], h.DatabaseSize)
	binary.BigEndian.PutUint32(buf[32:36], h.FreelistTrunk)
	binary.BigEndian.PutUint32(buf[36:40], h.FreelistPages)
	binary.BigEndian.PutUint32(buf[40:44], h.SchemaCookie)
	binary.BigEndian.PutUint32(buf[44:48], h.SchemaFormat)
	binary.BigEndian.PutUint32(buf[48:52], uint32(h.DefaultCacheSize))
	binary.BigEndian.PutUint32(buf[52:56], h.LargestRootPage)
	binary.BigEndian.PutUint32(buf[56:60], h.TextEncoding)
	binary.BigEndian.PutUint32(buf[60:64], h.UserVersion)
	binary.BigEndian.PutUint32(buf[64:68], h.IncrementalVac)
	binary.BigEndian.PutUint32(buf[68:72], h.ApplicationID)
	for i := 72; i < 92; i++ {
		buf[i] = 0
	}
	binary.BigEndian.PutUint32(buf[92:96], h.VersionValidFor)
	binary.BigEndian.PutUint32(buf[96:100], h.VersionNumber)
}

// UsableSize is the page size minus the reserved region at the end of
// every page.
func (h Header) UsableSize() int { return int(h.PageSize) - int(h.ReservedSpace) }
