package queue

import (
	"encoding/binary"
	"unsafe"
)

// Param is one bound query parameter: immutable bytes plus a text/binary
// flag. Numeric binary parameters are stored in network (big-endian) byte
// order regardless of host endianness.
type Param struct {
	data   []byte
	binary bool
	owned  bool
}

// Text builds a text-format parameter: UTF-8 bytes of s plus a trailing
// NUL, matching the convention for NUL-terminated C strings.
func Text(s string) Param {
	b := make([]byte, len(s)+1)
	copy(b, s)
	b[len(s)] = 0
	return Param{data: b, binary: false, owned: true}
}

// Boolean builds a text-format boolean parameter: the single character
// 't' or 'f'.
func Boolean(v bool) Param {
	if v {
		return Text("t")
	}
	return Text("f")
}

// Number builds a binary-format parameter from raw, byte-swapping to
// network order if the host is little-endian. raw is copied; the caller's
// slice is never retained.
func Number(raw []byte) Param {
	b := make([]byte, len(raw))
	copy(b, raw)
	if isLittleEndian() {
		reverse(b)
	}
	return Param{data: b, binary: true, owned: true}
}

// Int16/32/64 and Uint16/32/64 write directly in big-endian (network)
// order via encoding/binary, rather than writing host order and then
// running Number's runtime swap — the idiomatic Go realization of
// spec.md's "reverse on little-endian host" rule: compute the big-endian
// representation directly instead of emulating the swap.
func Int16(v int16) Param   { return fixedWidth(uint64(uint16(v)), 2) }
func Int32(v int32) Param   { return fixedWidth(uint64(uint32(v)), 4) }
func Int64(v int64) Param   { return fixedWidth(uint64(v), 8) }
func Uint16(v uint16) Param { return fixedWidth(uint64(v), 2) }
func Uint32(v uint32) Param { return fixedWidth(uint64(v), 4) }
func Uint64(v uint64) Param { return fixedWidth(v, 8) }

func fixedWidth(v uint64, size int) Param {
	b := make([]byte, size)
	switch size {
	case 2:
		binary.BigEndian.PutUint16(b, uint16(v))
	case 4:
		binary.BigEndian.PutUint32(b, uint32(v))
	case 8:
		binary.BigEndian.PutUint64(b, v)
	}
	return Param{data: b, binary: true, owned: true}
}

// BorrowText wraps an external buffer without copying it. The caller must
// keep buf alive and unmodified for the lifetime of the Param.
func BorrowText(buf []byte) Param {
	return Param{data: buf, binary: false, owned: false}
}

// Bytes returns the wire-format bytes of the parameter.
func (p Param) Bytes() []byte { return p.data }

// Binary reports whether the parameter is binary-format.
func (p Param) Binary() bool { return p.binary }

// Clone preserves the source's ownership distinction: an owned Param is
// deep-copied, a borrowed one is aliased.
func (p Param) Clone() Param {
	if !p.owned {
		return p
	}
	b := make([]byte, len(p.data))
	copy(b, p.data)
	return Param{data: b, binary: p.binary, owned: true}
}

func isLittleEndian() bool {
	var x uint16 = 1
	return *(*byte)(unsafe.Pointer(&x)) == 1
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
