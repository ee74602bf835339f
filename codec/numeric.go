package codec

import (
	"encoding/binary"
	"math"
)

const (
	signFlip32 uint32 = 1 << 31
	signFlip64 uint64 = 1 << 63

	canonicalNaN32 uint32 = 0x7fc00000
)

type intCodec struct {
	def  Def
	size int
}

func newIntCodec(def Def) (Codec, error) {
	size := 8
	if def.Kind == KindInteger {
		size = 4
	}
	return &intCodec{def: def, size: size}, nil
}

func (c *intCodec) Def() Def { return c.def }

func (c *intCodec) ByteLength() int { return c.size }

func (c *intCodec) Accepts(v any) bool {
	switch v.(type) {
	case int32:
		return c.size == 4
	case int64:
		return c.size == 8
	}
	return false
}

func (c *intCodec) AppendEncode(dst []byte, v any) ([]byte, error) {
	start := len(dst)
	switch n := v.(type) {
	case int32:
		if c.size != 4 {
			return dst, mismatch(c.def, v)
		}
		dst = binary.BigEndian.AppendUint32(dst, uint32(n)^signFlip32)
	case int64:
		if c.size != 8 {
			return dst, mismatch(c.def, v)
		}
		dst = binary.BigEndian.AppendUint64(dst, uint64(n)^signFlip64)
	default:
		return dst, mismatch(c.def, v)
	}
	invert(dst[start:], mask(c.def.Order))
	return dst, nil
}

func (c *intCodec) Decode(src []byte) (any, int, error) {
	seg, err := fixedSegment(c.def, src, c.size)
	if err != nil {
		return nil, 0, err
	}
	if c.size == 4 {
		return int32(binary.BigEndian.Uint32(seg) ^ signFlip32), 4, nil
	}
	return int64(binary.BigEndian.Uint64(seg) ^ signFlip64), 8, nil
}

type floatCodec struct {
	def Def
}

func newFloatCodec(def Def) (Codec, error) {
	return &floatCodec{def: def}, nil
}

func (c *floatCodec) Def() Def { return c.def }

func (c *floatCodec) ByteLength() int { return 4 }

func (c *floatCodec) Accepts(v any) bool {
	_, ok := v.(float32)
	return ok
}

// sortableFloatBits maps float32 bits onto an unsigned range that sorts
// like the floats themselves.
func sortableFloatBits(f float32) uint32 {
	if f == 0 {
		f = 0 // folds -0 into +0
	}
	bits := math.Float32bits(f)
	if math.IsNaN(float64(f)) {
		bits = canonicalNaN32
	}
	if bits&signFlip32 == 0 {
		return bits ^ signFlip32
	}
	return ^bits
}

func (c *floatCodec) AppendEncode(dst []byte, v any) ([]byte, error) {
	f, ok := v.(float32)
	if !ok {
		return dst, mismatch(c.def, v)
	}
	start := len(dst)
	dst = binary.BigEndian.AppendUint32(dst, sortableFloatBits(f))
	invert(dst[start:], mask(c.def.Order))
	return dst, nil
}

func (c *floatCodec) Decode(src []byte) (any, int, error) {
	seg, err := fixedSegment(c.def, src, 4)
	if err != nil {
		return nil, 0, err
	}
	bits := binary.BigEndian.Uint32(seg)
	if bits&signFlip32 != 0 {
		bits ^= signFlip32
	} else {
		bits = ^bits
	}
	return math.Float32frombits(bits), 4, nil
}
