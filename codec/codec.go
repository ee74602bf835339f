// Package codec turns typed field values into byte segments whose
// byte-lexicographic order matches the natural order of the values.
//
// Every codec is described by a Def, a small comparable value that is what
// gets persisted next to an index schema. A Def is turned into a working
// Codec by New, which dispatches on the Def's Kind through a closed registry.
//
// Supported kinds and their encodings:
//
//   - integer, long: big-endian two's complement with the sign bit flipped
//     (4 and 8 bytes).
//   - float: IEEE-754 single precision bits; the sign bit is flipped for
//     non-negative values and all bits are inverted for negative ones (4 bytes).
//     -0 is written as +0, NaN is canonical and sorts after +Inf.
//   - decimal: sign byte, 2-byte biased decimal exponent, then Length mantissa
//     digits packed two per byte. Digits beyond Length are dropped, so values
//     that only differ past that point encode identically. Exponents outside
//     [MinDecimalExponent, MaxDecimalExponent] are rejected.
//   - string: Length bytes, zero padded or truncated. In UTF8 mode the bytes
//     are the raw UTF-8 text, which does NOT give locale-correct alphabetic
//     order for non-ASCII text. COLLATOR mode writes a locale collation key
//     (not decodable). ASCII_FOLDING mode strips diacritics first, so "être"
//     and "etre" encode identically. NUL is the padding byte, so strings
//     holding one are rejected.
//   - byte: exactly Length raw bytes.
//   - varbyte: a Length byte prefix (zero padded), one byte holding how much
//     of the prefix is used, then the remaining bytes with 0x00 escaped as
//     0x00 0xFF and terminated by 0x00 0x01. Shorter values sort before
//     longer values sharing their prefix.
//
// Descending fields have every byte of their segment inverted.
package codec

import (
	"fmt"

	"github.com/drpcorg/kvindex/index_errors"
)

type Order byte

const (
	Ascending  Order = 'A'
	Descending Order = 'D'
)

func (o Order) String() string {
	if o == Descending {
		return "DESCENDING"
	}
	return "ASCENDING"
}

func ParseOrder(s string) (Order, error) {
	switch s {
	case "ASCENDING", "":
		return Ascending, nil
	case "DESCENDING":
		return Descending, nil
	default:
		return 0, fmt.Errorf("%w: order %q", index_errors.ErrInvalidCodecParams, s)
	}
}

// Kind is the stable tag of a codec variant, used in both persisted forms.
type Kind string

const (
	KindInteger      Kind = "integer"
	KindLong         Kind = "long"
	KindFloat        Kind = "float"
	KindDecimal      Kind = "decimal"
	KindString       Kind = "string"
	KindFixedByte    Kind = "byte"
	KindVariableByte Kind = "varbyte"
)

type StringMode string

const (
	ModeUTF8         StringMode = "UTF8"
	ModeCollator     StringMode = "COLLATOR"
	ModeASCIIFolding StringMode = "ASCII_FOLDING"
)

const (
	DefaultStringLength     = 100
	DefaultDecimalPrecision = 20
	DefaultLocale           = "en"
	MaxVariablePrefix       = 255
	MaxDecimalPrecision     = 1024
)

// Def describes a field codec. Length means the byte length for string and
// byte fields, the maximum number of mantissa digits for decimals and the
// fixed prefix length for varbyte fields; it is unused for the other kinds.
type Def struct {
	Name   string
	Kind   Kind
	Order  Order
	Length int
	Mode   StringMode
	Locale string
}

func (d *Def) SetDefaults() {
	if d.Order == 0 {
		d.Order = Ascending
	}
	switch d.Kind {
	case KindString:
		if d.Length == 0 {
			d.Length = DefaultStringLength
		}
		if d.Mode == "" {
			d.Mode = ModeUTF8
		}
		if d.Mode == ModeCollator && d.Locale == "" {
			d.Locale = DefaultLocale
		}
	case KindDecimal:
		if d.Length == 0 {
			d.Length = DefaultDecimalPrecision
		}
	}
}

func (d Def) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: field %q: %s", index_errors.ErrInvalidCodecParams, d.Name, fmt.Sprintf(format, args...))
	}
	if d.Name == "" {
		return bad("empty name")
	}
	if d.Order != Ascending && d.Order != Descending {
		return bad("order %q", d.Order)
	}
	switch d.Kind {
	case KindInteger, KindLong, KindFloat:
		if d.Length != 0 {
			return bad("%s fields have no length", d.Kind)
		}
	case KindDecimal:
		if d.Length < 1 || d.Length > MaxDecimalPrecision {
			return bad("decimal precision %d", d.Length)
		}
	case KindString:
		if d.Length < 1 {
			return bad("string length %d", d.Length)
		}
		switch d.Mode {
		case ModeUTF8, ModeASCIIFolding, ModeCollator:
		default:
			return bad("string mode %q", d.Mode)
		}
	case KindFixedByte:
		if d.Length < 1 {
			return bad("byte length %d", d.Length)
		}
	case KindVariableByte:
		if d.Length < 0 || d.Length > MaxVariablePrefix {
			return bad("prefix length %d", d.Length)
		}
	default:
		return fmt.Errorf("%w: %q", index_errors.ErrUnknownCodecKind, d.Kind)
	}
	return nil
}

// Codec encodes and decodes the values of one field.
type Codec interface {
	Def() Def
	// ByteLength is the exact encoded size, or -1 when it depends on the value.
	ByteLength() int
	// Accepts reports whether v has the Go type the codec encodes.
	Accepts(v any) bool
	AppendEncode(dst []byte, v any) ([]byte, error)
	// Decode reads one segment from the front of src and reports how many
	// bytes it took.
	Decode(src []byte) (v any, n int, err error)
}

var constructors = map[Kind]func(Def) (Codec, error){
	KindInteger:      newIntCodec,
	KindLong:         newIntCodec,
	KindFloat:        newFloatCodec,
	KindDecimal:      newDecimalCodec,
	KindString:       newStringCodec,
	KindFixedByte:    newFixedByteCodec,
	KindVariableByte: newVarByteCodec,
}

// New builds the codec described by def after applying defaults.
func New(def Def) (Codec, error) {
	ctor, ok := constructors[def.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", index_errors.ErrUnknownCodecKind, def.Kind)
	}
	def.SetDefaults()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return ctor(def)
}

func Encode(c Codec, v any) ([]byte, error) {
	return c.AppendEncode(nil, v)
}

func mismatch(def Def, v any) error {
	return fmt.Errorf("%w: field %q (%s) got %T", index_errors.ErrTypeMismatch, def.Name, def.Kind, v)
}

func corrupt(def Def, format string, args ...any) error {
	return fmt.Errorf("%w: field %q: %s", index_errors.ErrCorruptEncoding, def.Name, fmt.Sprintf(format, args...))
}

// mask is xor-ed into every segment byte; all ones for descending fields.
func mask(o Order) byte {
	if o == Descending {
		return 0xff
	}
	return 0
}

func invert(b []byte, m byte) {
	if m == 0 {
		return
	}
	for i := range b {
		b[i] ^= m
	}
}

// fixedSegment returns an order-normalized copy of the first n bytes of src.
func fixedSegment(def Def, src []byte, n int) ([]byte, error) {
	if len(src) < n {
		return nil, corrupt(def, "need %d bytes, have %d", n, len(src))
	}
	seg := append([]byte(nil), src[:n]...)
	invert(seg, mask(def.Order))
	return seg, nil
}
