package format

import "github.com/quarrydb/quarry/core/dberr"

// MaxVarintLen is the longest varint encoding (9 bytes).
const MaxVarintLen = 9

// GetVarint decodes a big-endian 7-bits-per-byte varint. The ninth
// byte, when present, contributes all eight of its bits.
func GetVarint(buf []byte) (uint64, int, error) {
	var v uint64
	for i := 0; i < 8; i++ {
		if i >= len(buf) {
			return 0, 0, dberr.Corrupt(0, "truncated varint")
		}
		c := buf[i]
		v = (v << 7) | uint64(c&0x7f)
		if c&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	if len(buf) < 9 {
		return 0, 0, dberr.Corrupt(0, "truncated varint")
	}
	v = (v << 8) | uint64(buf[8])
	return v, 9, nil
}

// PutVarint encodes v into buf (which must hold MaxVarintLen bytes) and
// returns the number of bytes written.
func PutVarint(buf []byte, v uint64) int {
	if v <= 0x7f {
		buf[0] = byte(v)
		return 1
	}
	if v <= 0x3fff {
		buf[0] = byte(v>>7) | 0x80
		buf[1] = byte(v) & 0x7f
		return 2
	}
	if v&(0xff000000<<32) != 0 {
		buf[8] = byte(v)
		v >>= 8
		for i := 7; i >= 0; i-- {
			buf[i] = byte(v&0x7f) | 0x80
			v >>= 7
		}
		return 9
	}
	var enc [10]byte
	n := 0
	for v != 0 {
		enc[n] = byte(v&0x7f) | 0x80
		v >>= 7
		n++
	}
	enc[0] &^= 0x80
	for i := 0; i < n; i++ {
		buf[i] = enc[n-1-i]
	}
	return n
}

// VarintLen returns the encoded size of v without writing it.
func VarintLen(v uint64) int {
	if v&(0xff000000<<32) != 0 {
		return 9
	}
	n := 1
	for v >>= 7; v != 0; v >>= 7 {
		n++
	}
	return n
}

// AppendVarint appends the varint encoding of v to dst.
func AppendVarint(dst []byte, v uint64) []byte {
	var tmp [MaxVarintLen]byte
	n := PutVarint(tmp[:], v)
	return append(dst, tmp[:n]...)
}
