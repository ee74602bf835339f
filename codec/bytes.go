package codec

import (
	"fmt"

	"github.com/drpcorg/kvindex/index_errors"
)

type fixedByteCodec struct {
	def Def
}

func newFixedByteCodec(def Def) (Codec, error) {
	return &fixedByteCodec{def: def}, nil
}

func (c *fixedByteCodec) Def() Def { return c.def }

func (c *fixedByteCodec) ByteLength() int { return c.def.Length }

func (c *fixedByteCodec) Accepts(v any) bool {
	_, ok := v.([]byte)
	return ok
}

func (c *fixedByteCodec) AppendEncode(dst []byte, v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return dst, mismatch(c.def, v)
	}
	if len(b) != c.def.Length {
		return dst, fmt.Errorf("%w: field %q wants %d bytes, got %d",
			index_errors.ErrValueOutOfRange, c.def.Name, c.def.Length, len(b))
	}
	start := len(dst)
	dst = append(dst, b...)
	invert(dst[start:], mask(c.def.Order))
	return dst, nil
}

func (c *fixedByteCodec) Decode(src []byte) (any, int, error) {
	seg, err := fixedSegment(c.def, src, c.def.Length)
	if err != nil {
		return nil, 0, err
	}
	return seg, c.def.Length, nil
}

const (
	varByteEscape     byte = 0x00
	varByteEscapedNul byte = 0xff
	varByteTerminator byte = 0x01
)

type varByteCodec struct {
	def Def
}

func newVarByteCodec(def Def) (Codec, error) {
	return &varByteCodec{def: def}, nil
}

func (c *varByteCodec) Def() Def { return c.def }

func (c *varByteCodec) ByteLength() int { return -1 }

func (c *varByteCodec) Accepts(v any) bool {
	_, ok := v.([]byte)
	return ok
}

func (c *varByteCodec) AppendEncode(dst []byte, v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return dst, mismatch(c.def, v)
	}
	start := len(dst)
	prefix := c.def.Length
	used := min(len(b), prefix)
	dst = append(dst, b[:used]...)
	dst = append(dst, make([]byte, prefix-used)...)
	dst = append(dst, byte(used))
	if len(b) > prefix {
		for _, x := range b[prefix:] {
			if x == varByteEscape {
				dst = append(dst, varByteEscape, varByteEscapedNul)
			} else {
				dst = append(dst, x)
			}
		}
	}
	dst = append(dst, varByteEscape, varByteTerminator)
	invert(dst[start:], mask(c.def.Order))
	return dst, nil
}

func (c *varByteCodec) Decode(src []byte) (any, int, error) {
	m := mask(c.def.Order)
	prefix := c.def.Length
	if len(src) < prefix+1 {
		return nil, 0, corrupt(c.def, "truncated prefix")
	}
	used := int(src[prefix] ^ m)
	if used > prefix {
		return nil, 0, corrupt(c.def, "prefix length %d over %d", used, prefix)
	}
	out := make([]byte, 0, used)
	for _, x := range src[:used] {
		out = append(out, x^m)
	}
	for i := prefix + 1; i < len(src); i++ {
		x := src[i] ^ m
		if x != varByteEscape {
			if used < prefix {
				return nil, 0, corrupt(c.def, "suffix after short prefix")
			}
			out = append(out, x)
			continue
		}
		if i+1 >= len(src) {
			break
		}
		i++
		switch src[i] ^ m {
		case varByteTerminator:
			return out, i + 1, nil
		case varByteEscapedNul:
			if used < prefix {
				return nil, 0, corrupt(c.def, "suffix after short prefix")
			}
			out = append(out, 0)
		default:
			return nil, 0, corrupt(c.def, "bad escape %#x", src[i]^m)
		}
	}
	return nil, 0, corrupt(c.def, "missing terminator")
}
