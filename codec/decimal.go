package codec

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/drpcorg/kvindex/index_errors"
)

// A non-zero decimal is written as 0.d1d2d3... * 10^E with d1 != 0.
const (
	MinDecimalExponent = -16384
	MaxDecimalExponent = 16383

	decimalExponentBias = -MinDecimalExponent

	decimalNegative byte = 0x01
	decimalZero     byte = 0x02
	decimalPositive byte = 0x03
)

type decimalCodec struct {
	def    Def
	digits int
	packed int
}

func newDecimalCodec(def Def) (Codec, error) {
	return &decimalCodec{
		def:    def,
		digits: def.Length,
		packed: (def.Length + 1) / 2,
	}, nil
}

func (c *decimalCodec) Def() Def { return c.def }

func (c *decimalCodec) ByteLength() int { return 3 + c.packed }

func (c *decimalCodec) Accepts(v any) bool {
	switch v.(type) {
	case decimal.Decimal, *decimal.Decimal:
		return true
	}
	return false
}

func (c *decimalCodec) AppendEncode(dst []byte, v any) ([]byte, error) {
	var d decimal.Decimal
	switch t := v.(type) {
	case decimal.Decimal:
		d = t
	case *decimal.Decimal:
		if t == nil {
			return dst, mismatch(c.def, v)
		}
		d = *t
	default:
		return dst, mismatch(c.def, v)
	}

	start := len(dst)
	if d.Sign() == 0 {
		dst = append(dst, decimalZero)
		dst = append(dst, make([]byte, 2+c.packed)...)
		invert(dst[start:], mask(c.def.Order))
		return dst, nil
	}

	coeff := d.Coefficient()
	digits := coeff.Abs(coeff).String()
	exp := int64(d.Exponent())
	trimmed := strings.TrimRight(digits, "0")
	exp += int64(len(digits) - len(trimmed))
	digits = trimmed

	adjusted := exp + int64(len(digits))
	if adjusted < MinDecimalExponent || adjusted > MaxDecimalExponent {
		return dst, fmt.Errorf("%w: field %q: decimal exponent %d outside [%d, %d]",
			index_errors.ErrValueOutOfRange, c.def.Name, adjusted, MinDecimalExponent, MaxDecimalExponent)
	}
	if len(digits) > c.digits {
		digits = digits[:c.digits]
	}

	sign := decimalPositive
	if d.Sign() < 0 {
		sign = decimalNegative
	}
	dst = append(dst, sign)
	body := len(dst)
	dst = binary.BigEndian.AppendUint16(dst, uint16(adjusted+decimalExponentBias))
	for i := 0; i < c.packed; i++ {
		dst = append(dst, digitAt(digits, 2*i)*10+digitAt(digits, 2*i+1))
	}
	if sign == decimalNegative {
		invert(dst[body:], 0xff)
	}
	invert(dst[start:], mask(c.def.Order))
	return dst, nil
}

func digitAt(digits string, i int) byte {
	if i >= len(digits) {
		return 0
	}
	return digits[i] - '0'
}

func (c *decimalCodec) Decode(src []byte) (any, int, error) {
	n := c.ByteLength()
	seg, err := fixedSegment(c.def, src, n)
	if err != nil {
		return nil, 0, err
	}
	switch seg[0] {
	case decimalZero:
		return decimal.Zero, n, nil
	case decimalNegative:
		invert(seg[1:], 0xff)
	case decimalPositive:
	default:
		return nil, 0, corrupt(c.def, "decimal sign byte %#x", seg[0])
	}

	adjusted := int64(binary.BigEndian.Uint16(seg[1:3])) - decimalExponentBias
	var sb strings.Builder
	for _, b := range seg[3:] {
		if b > 99 {
			return nil, 0, corrupt(c.def, "decimal digit pair %d", b)
		}
		sb.WriteByte('0' + b/10)
		sb.WriteByte('0' + b%10)
	}
	digits := strings.TrimRight(sb.String(), "0")
	if digits == "" || digits[0] == '0' {
		return nil, 0, corrupt(c.def, "decimal mantissa not normalized")
	}

	coeff, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, 0, corrupt(c.def, "decimal mantissa %q", digits)
	}
	if seg[0] == decimalNegative {
		coeff.Neg(coeff)
	}
	return decimal.NewFromBigInt(coeff, int32(adjusted-int64(len(digits)))), n, nil
}
