package common

import "errors"

// ErrVarintTrunc is returned when a varint cannot be fully decoded from
// the supplied buffer.
var ErrVarintTrunc = errors.New("varint truncated")

// PutUvarint encodes x into buf (LEB128, as used by protobuf) and returns
// the number of bytes written. buf must be at least VarintSize(x) long.
func PutUvarint(buf []byte, x uint64) int {
	i := 0
	for x >= 0x80 {
		buf[i] = byte(x) | 0x80
		x >>= 7
		i++
	}
	buf[i] = byte(x)
	return i + 1
}

// Uvarint decodes a uint64 from buf, returning the value and the number
// of bytes consumed. A non-positive count signals a truncated or
// malformed varint.
func Uvarint(buf []byte) (uint64, int) {
	var x uint64
	var s uint
	for i, b := range buf {
		if i == 10 {
			return 0, -(i + 1)
		}
		if b < 0x80 {
			if i == 10-1 && b > 1 {
				return 0, -(i + 1)
			}
			return x | uint64(b)<<s, i + 1
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
	return 0, 0
}

// VarintSize returns the number of bytes PutUvarint would write for x.
func VarintSize(x uint64) int {
	n := 1
	for x >= 0x80 {
		x >>= 7
		n++
	}
	return n
}
