package btreeindex

import "encoding/binary"

// KeyCodec describes a fixed-size, totally ordered key type. Size must be
// constant for the lifetime of a tree: it is recorded once in the static
// settings file and never revisited.
//
// Encoding is split out as a codec value rather than methods on K so that
// plain built-in types (uint64, [N]byte, ...) can be used as keys without
// having to wrap them in a named type that carries methods.
type KeyCodec[K any] interface {
	// Size is the fixed, constant encoded width of K in bytes.
	Size() int
	// Marshal encodes k into buf, which is exactly Size() bytes long.
	Marshal(k K, buf []byte)
	// Unmarshal decodes a K from buf, which is exactly Size() bytes long.
	Unmarshal(buf []byte) K
	// Compare returns <0, 0, >0 as a < b, a == b, a > b.
	Compare(a, b K) int
}

// ValueCodec describes a fixed-size value type, possibly zero-width (see
// UnitCodec), stored alongside keys in leaf nodes.
type ValueCodec[V any] interface {
	Size() int
	Marshal(v V, buf []byte)
	Unmarshal(buf []byte) V
}

// Uint64Codec is the key codec used throughout this package's own tests:
// an 8-byte little-endian unsigned integer key.
type Uint64Codec struct{}

func (Uint64Codec) Size() int { return 8 }

func (Uint64Codec) Marshal(k uint64, buf []byte) {
	binary.LittleEndian.PutUint64(buf, k)
}

func (Uint64Codec) Unmarshal(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}

func (Uint64Codec) Compare(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// UnitCodec is a zero-width value codec: every leaf still stores a key,
// but the parallel value array occupies no page space.
type UnitCodec struct{}

func (UnitCodec) Size() int                 { return 0 }
func (UnitCodec) Marshal(struct{}, []byte)  {}
func (UnitCodec) Unmarshal([]byte) struct{} { return struct{}{} }

// Uint64ValueCodec is the value-side counterpart of Uint64Codec, used when
// both keys and values are 8-byte integers, the common case exercised
// throughout this package's tests.
type Uint64ValueCodec struct{}

func (Uint64ValueCodec) Size() int { return 8 }

func (Uint64ValueCodec) Marshal(v uint64, buf []byte) {
	binary.LittleEndian.PutUint64(buf, v)
}

func (Uint64ValueCodec) Unmarshal(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}
