package record

import (
	"encoding/binary"
	"math"

	"github.com/quarrydb/quarry/core/dberr"
	"github.com/quarrydb/quarry/core/storage/format"
)

// Serial types: 0 NULL, 1..6 big-endian ints of 1/2/3/4/6/8 bytes,
// 7 big-endian float64, 8/9 the constants 0 and 1, even >=12 blobs of
// (n-12)/2 bytes, odd >=13 text of (n-13)/2 bytes.
const (
	serialNull    = 0
	serialInt8    = 1
	serialInt16   = 2
	serialInt24   = 3
	serialInt32   = 4
	serialInt48   = 5
	serialInt64   = 6
	serialFloat64 = 7
	serialConst0  = 8
	serialConst1  = 9
)

// serialTypeFor picks the smallest serial type holding v.
func serialTypeFor(v Value) (uint64, int) {
	switch v.typ {
	case TypeNull:
		return serialNull, 0
	case TypeInt:
		i := v.i
		switch {
		case i == 0:
			return serialConst0, 0
		case i == 1:
			return serialConst1, 0
		case i >= math.MinInt8 && i <= math.MaxInt8:
			return serialInt8, 1
		case i >= math.MinInt16 && i <= math.MaxInt16:
			return serialInt16, 2
		case i >= -(1 << 23) && i < 1<<23:
			return serialInt24, 3
		case i >= math.MinInt32 && i <= math.MaxInt32:
			return serialInt32, 4
		case i >= -(1 << 47) && i < 1<<47:
			return serialInt48, 6
		default:
			return serialInt64, 8
		}
	case TypeFloat:
		return serialFloat64, 8
	case TypeText:
		return uint64(13 + 2*len(v.b)), len(v.b)
	default:
		return uint64(12 + 2*len(v.b)), len(v.b)
	}
}

func serialValueSize(st uint64) (int, error) {
	switch {
	case st <= serialConst1:
		return [...]int{0, 1, 2, 3, 4, 6, 8, 8, 0, 0}[st], nil
	case st >= 12 && st%2 == 0:
		return int(st-12) / 2, nil
	case st >= 13:
		return int(st-13) / 2, nil
	}
	return 0, dberr.Corrupt(0, "invalid serial type %d", st)
}

// Encode serializes values into the record format: a header of varint
// serial types prefixed by its own varint length, then the bodies.
func Encode(values []Value) []byte {
	types := make([]uint64, len(values))
	bodyLen := 0
	typesLen := 0
	for i, v := range values {
		st, n := serialTypeFor(v)
		types[i] = st
		bodyLen += n
		typesLen += format.VarintLen(st)
	}
	// The header length varint counts itself; one extra byte covers the
	// rare case where including it grows the varint.
	hdrLen := typesLen + format.VarintLen(uint64(typesLen)+1)
	if format.VarintLen(uint64(hdrLen)) > format.VarintLen(uint64(typesLen)+1) {
		hdrLen++
	}
	out := make([]byte, 0, hdrLen+bodyLen)
	out = format.AppendVarint(out, uint64(hdrLen))
	for _, st := range types {
		out = format.AppendVarint(out, st)
	}
	for i, v := range values {
		out = appendBody(out, types[i], v)
	}
	return out
}

func appendBody(out []byte, st uint64, v Value) []byte {
	switch st {
	case serialNull, serialConst0, serialConst1:
		return out
	case serialInt8:
		return append(out, byte(v.i))
	case serialInt16:
		return binary.BigEndian.AppendUint16(out, uint16(v.i))
	case serialInt24:
		return append(out, byte(v.i>>16), byte(v.i>>8), byte(v.i))
	case serialInt32:
		return binary.BigEndian.AppendUint32(out, uint32(v.i))
	case serialInt48:
		return append(out, byte(v.i>>40), byte(v.i>>32), byte(v.i>>24),
			byte(v.i>>16), byte(v.i>>8), byte(v.i))
	case serialInt64:
		return binary.BigEndian.AppendUint64(out, uint64(v.i))
	case serialFloat64:
		return binary.BigEndian.AppendUint64(out, math.Float64bits(v.f))
	default:
		return append(out, v.b...)
	}
}

func decodeBody(buf []byte, st uint64) (Value, int, error) {
	size, err := serialValueSize(st)
	if err != nil {
		return Null(), 0, err
	}
	if len(buf) < size {
		return Null(), 0, dberr.Corrupt(0, "record body truncated")
	}
	switch st {
	case serialNull:
		return Null(), 0, nil
	case serialConst0:
		return Int(0), 0, nil
	case serialConst1:
		return Int(1), 0, nil
	case serialInt8:
		return Int(int64(int8(buf[0]))), 1, nil
	case serialInt16:
		return Int(int64(int16(binary.BigEndian.Uint16(buf)))), 2, nil
	case serialInt24:
		v := int64(buf[0])<<16 | int64(buf[1])<<8 | int64(buf[2])
		if buf[0]&0x80 != 0 {
			v -= 1 << 24
		}
		return Int(v), 3, nil
	case serialInt32:
		return Int(int64(int32(binary.BigEndian.Uint32(buf)))), 4, nil
	case serialInt48:
		v := int64(0)
		for i := 0; i < 6; i++ {
			v = v<<8 | int64(buf[i])
		}
		if buf[0]&0x80 != 0 {
			v -= 1 << 48
		}
		return Int(v), 6, nil
	case serialInt64:
		return Int(int64(binary.BigEndian.Uint64(buf))), 8, nil
	case serialFloat64:
		return Float(math.Float64frombits(binary.BigEndian.Uint64(buf))), 8, nil
	default:
		b := make([]byte, size)
		copy(b, buf)
		if st%2 == 1 {
			return Value{typ: TypeText, b: b}, size, nil
		}
		return Value{typ: TypeBlob, b: b}, size, nil
	}
}

// Decode deserializes a full record payload.
func Decode(payload []byte) ([]Value, error) {
	hdrLen, n, err := format.GetVarint(payload)
	if err != nil {
		return nil, err
	}
	if hdrLen > uint64(len(payload)) || uint64(n) > hdrLen {
		return nil, dberr.Corrupt(0, "record header length %d out of range", hdrLen)
	}
	hdr := payload[n:hdrLen]
	body := payload[hdrLen:]
	var values []Value
	for len(hdr) > 0 {
		st, sn, err := format.GetVarint(hdr)
		if err != nil {
			return nil, err
		}
		hdr = hdr[sn:]
		v, bn, err := decodeBody(body, st)
		if err != nil {
			return nil, err
		}
		body = body[bn:]
		values = append(values, v)
	}
	return values, nil
}

// DecodeColumn extracts column i without materializing the whole row.
// Records written by an older schema may be short; a missing column
// reads as NULL.
func DecodeColumn(payload []byte, col int) (Value, error) {
	hdrLen, n, err := format.GetVarint(payload)
	if err != nil {
		return Null(), err
	}
	if hdrLen > uint64(len(payload)) || uint64(n) > hdrLen {
		return Null(), dberr.Corrupt(0, "record header length %d out of range", hdrLen)
	}
	hdr := payload[n:hdrLen]
	bodyOff := int(hdrLen)
	for i := 0; len(hdr) > 0; i++ {
		st, sn, err := format.GetVarint(hdr)
		if err != nil {
			return Null(), err
		}
		hdr = hdr[sn:]
		size, err := serialValueSize(st)
		if err != nil {
			return Null(), err
		}
		if i == col {
			v, _, err := decodeBody(payload[bodyOff:], st)
			return v, err
		}
		bodyOff += size
	}
	return Null(), nil
}
