package format

import (
	"encoding/binary"

	"github.com/quarrydb/quarry/core/dberr"
)

// WAL file layout constants.
const (
	WALHeaderSize      = 32
	WALFrameHeaderSize = 24
	WALFormatVersion   = 3007000

	// The magic's low bit selects the checksum byte order: 0x...82 is
	// little-endian input words, 0x...83 big-endian.
	WALMagicLE uint32 = 0x377f0682
	WALMagicBE uint32 = 0x377f0683
)

// WALHeader is the 32-byte header at the start of the log.
type WALHeader struct {
	Magic         uint32
	FileFormat    uint32
	PageSize      uint32
	CheckpointSeq uint32
	Salt1         uint32
	Salt2         uint32
	Checksum1     uint32
	Checksum2     uint32
}

// NewWALHeader builds a header for a fresh or reset log.
func NewWALHeader(pageSize, checkpointSeq, salt1, salt2 uint32) WALHeader {
	h := WALHeader{
		Magic:         WALMagicBE,
		FileFormat:    WALFormatVersion,
		PageSize:      pageSize,
		CheckpointSeq: checkpointSeq,
		Salt1:         salt1,
		Salt2:         salt2,
	}
	var buf [24]byte
	h.encodePrefix(buf[:])
	h.Checksum1, h.Checksum2 = WALChecksum(buf[:], 0, 0, h.BigEndianChecksum())
	return h
}

func (h WALHeader) encodePrefix(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:], h.Magic)
	binary.BigEndian.PutUint32(buf[4:], h.FileFormat)
	binary.BigEndian.PutUint32(buf[8:], h.PageSize)
	binary.BigEndian.PutUint32(buf[12:], h.CheckpointSeq)
	binary.BigEndian.PutUint32(buf[16:], h.Salt1)
	binary.BigEndian.PutUint32(buf[20:], h.Salt2)
}

// Encode writes the full 32-byte header.
func (h WALHeader) Encode(buf []byte) {
	h.encodePrefix(buf)
	binary.BigEndian.PutUint32(buf[24:], h.Checksum1)
	binary.BigEndian.PutUint32(buf[28:], h.Checksum2)
}

// DecodeWALHeader parses and validates the log header.
func DecodeWALHeader(buf []byte) (WALHeader, error) {
	var h WALHeader
	if len(buf) < WALHeaderSize {
		return h, dberr.Corrupt(0, "wal header truncated")
	}
	h.Magic = binary.BigEndian.Uint32(buf[0:])
	if h.Magic != WALMagicLE && h.Magic != WALMagicBE {
		return h, dberr.Corrupt(0, "bad wal magic %#x", h.Magic)
	}
	h.FileFormat = binary.BigEndian.Uint32(buf[4:])
	h.PageSize = binary.BigEndian.Uint32(buf[8:])
	h.CheckpointSeq = binary.BigEndian.Uint32(buf[12:])
	h.Salt1 = binary.BigEndian.Uint32(buf[16:])
	h.Salt2 = binary.BigEndian.Uint32(buf[20:])
	h.Checksum1 = binary.BigEndian.Uint32(buf[24:])
	h.Checksum2 = binary.BigEndian.Uint32(buf[28:])
	s1, s2 := WALChecksum(buf[:24], 0, 0, h.BigEndianChecksum())
	if s1 != h.Checksum1 || s2 != h.Checksum2 {
		return h, dberr.Corrupt(0, "wal header checksum mismatch")
	}
	return h, nil
}

// BigEndianChecksum reports whether frame checksums interpret input
// words as big-endian.
func (h WALHeader) BigEndianChecksum() bool { return h.Magic&1 == 1 }

// WALFrameHeader precedes every page image in the log. DBSize is the
// database size in pages after a commit, zero on non-commit frames.
type WALFrameHeader struct {
	Pgno      uint32
	DBSize    uint32
	Salt1     uint32
	Salt2     uint32
	Checksum1 uint32
	Checksum2 uint32
}

// IsCommit reports whether this frame terminates a transaction.
func (f WALFrameHeader) IsCommit() bool { return f.DBSize != 0 }

// EncodeWALFrame writes the frame header and returns the running
// checksum carried into the next frame. The checksum covers the first
// eight header bytes and the page image.
func EncodeWALFrame(dst []byte, pgno, dbSize uint32, page []byte, h WALHeader, s1, s2 uint32) (uint32, uint32) {
	binary.BigEndian.PutUint32(dst[0:], pgno)
	binary.BigEndian.PutUint32(dst[4:], dbSize)
	binary.BigEndian.PutUint32(dst[8:], h.Salt1)
	binary.BigEndian.PutUint32(dst[12:], h.Salt2)
	s1, s2 = WALChecksum(dst[:8], s1, s2, h.BigEndianChecksum())
	s1, s2 = WALChecksum(page, s1, s2, h.BigEndianChecksum())
	binary.BigEndian.PutUint32(dst[16:], s1)
	binary.BigEndian.PutUint32(dst[20:], s2)
	copy(dst[WALFrameHeaderSize:], page)
	return s1, s2
}

// DecodeWALFrame parses a frame header and verifies salts and the
// cumulative checksum; ok is false at the first frame that does not
// belong to the current log generation.
func DecodeWALFrame(buf []byte, page []byte, h WALHeader, s1, s2 uint32) (WALFrameHeader, uint32, uint32, bool) {
	var f WALFrameHeader
	f.Pgno = binary.BigEndian.Uint32(buf[0:])
	f.DBSize = binary.BigEndian.Uint32(buf[4:])
	f.Salt1 = binary.BigEndian.Uint32(buf[8:])
	f.Salt2 = binary.BigEndian.Uint32(buf[12:])
	f.Checksum1 = binary.BigEndian.Uint32(buf[16:])
	f.Checksum2 = binary.BigEndian.Uint32(buf[20:])
	if f.Salt1 != h.Salt1 || f.Salt2 != h.Salt2 || f.Pgno == 0 {
		return f, s1, s2, false
	}
	s1, s2 = WALChecksum(buf[:8], s1, s2, h.BigEndianChecksum())
	s1, s2 = WALChecksum(page, s1, s2, h.BigEndianChecksum())
	if s1 != f.Checksum1 || s2 != f.Checksum2 {
		return f, s1, s2, false
	}
	return f, s1, s2, true
}

// WALChecksum folds buf (a multiple of eight bytes) into the running
// checksum pair using the Fibonacci-weighted algorithm: for each pair
// of words, s0 += x0 + s1; s1 += x1 + s0.
func WALChecksum(buf []byte, s1, s2 uint32, bigEndian bool) (uint32, uint32) {
	for i := 0; i+8 <= len(buf); i += 8 {
		var x0, x1 uint32
		if bigEndian {
			x0 = binary.BigEndian.Uint32(buf[i:])
			x1 = binary.BigEndian.Uint32(buf[i+4:])
		} else {
			x0 = binary.LittleEndian.Uint32(buf[i:])
			x1 = binary.LittleEndian.Uint32(buf[i+4:])
		}
		s1 += x0 + s2
		s2 += x1 + s1
	}
	return s1, s2
}

// WALFrameOffset is the file offset of 1-based frame number idx.
func WALFrameOffset(idx uint32, pageSize uint32) int64 {
	return WALHeaderSize + int64(idx-1)*int64(WALFrameHeaderSize+int(pageSize))
}
