package format

import "encoding/binary"

// Freelist trunk page layout: a u32 page number of the next trunk (or
// zero), a u32 count of leaf page numbers held here, then the leaf
// page numbers. The header page points at the first trunk and tracks
// the total free-page count.

// TrunkCapacity is how many leaf page numbers one trunk page holds.
func TrunkCapacity(usable int) int { return usable/4 - 2 }

// TrunkNext returns the next trunk page number.
func TrunkNext(buf []byte) uint32 { return binary.BigEndian.Uint32(buf) }

// TrunkLeafCount returns the number of leaves stored on this trunk.
func TrunkLeafCount(buf []byte) int { return int(binary.BigEndian.Uint32(buf[4:])) }

// TrunkLeaf returns leaf i.
func TrunkLeaf(buf []byte, i int) uint32 {
	return binary.BigEndian.Uint32(buf[8+4*i:])
}

// TrunkInit formats buf as an empty trunk chaining to next.
func TrunkInit(buf []byte, next uint32) {
	binary.BigEndian.PutUint32(buf, next)
	binary.BigEndian.PutUint32(buf[4:], 0)
}

// TrunkSetLeafCount updates the leaf count.
func TrunkSetLeafCount(buf []byte, n int) {
	binary.BigEndian.PutUint32(buf[4:], uint32(n))
}

// TrunkSetLeaf stores pgno as leaf i.
func TrunkSetLeaf(buf []byte, i int, pgno uint32) {
	binary.BigEndian.PutUint32(buf[8+4*i:], pgno)
}

// Overflow page layout: a u32 next-page pointer followed by payload.

// OverflowCapacity is the payload bytes one overflow page carries.
func OverflowCapacity(usable int) int { return usable - 4 }

// OverflowNext returns the next page of the chain, zero at the tail.
func OverflowNext(buf []byte) uint32 { return binary.BigEndian.Uint32(buf) }

// OverflowInit writes the next pointer and returns the payload region.
func OverflowInit(buf []byte, next uint32) []byte {
	binary.BigEndian.PutUint32(buf, next)
	return buf[4:]
}

// OverflowPayload returns the payload region of an overflow page.
func OverflowPayload(buf []byte, usable int) []byte { return buf[4:usable] }
