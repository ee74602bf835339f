package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/drpcorg/kvindex/index_errors"
)

// AppendString writes a uint16 length followed by the string bytes.
func AppendString(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

// Reader consumes the persisted binary form. The first failure sticks and
// every later read returns zero values.
type Reader struct {
	src []byte
	err error
}

func NewReader(src []byte) *Reader {
	return &Reader{src: src}
}

func (r *Reader) Err() error { return r.err }

func (r *Reader) Rest() []byte { return r.src }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.src) < n {
		r.err = fmt.Errorf("%w: need %d bytes, have %d", index_errors.ErrCorruptEncoding, n, len(r.src))
		return nil
	}
	b := r.src[:n]
	r.src = r.src[n:]
	return b
}

func (r *Reader) Byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Int32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (r *Reader) String() string {
	b := r.take(2)
	if b == nil {
		return ""
	}
	return string(r.take(int(binary.BigEndian.Uint16(b))))
}

func hasLength(k Kind) bool {
	switch k {
	case KindDecimal, KindString, KindFixedByte, KindVariableByte:
		return true
	}
	return false
}

// AppendDef writes the kind tag followed by the codec-specific bytes:
// name, order and, depending on the kind, length, string mode and locale.
func AppendDef(dst []byte, d Def) []byte {
	dst = AppendString(dst, string(d.Kind))
	dst = AppendString(dst, d.Name)
	dst = append(dst, byte(d.Order))
	if hasLength(d.Kind) {
		dst = binary.BigEndian.AppendUint32(dst, uint32(int32(d.Length)))
	}
	if d.Kind == KindString {
		dst = AppendString(dst, string(d.Mode))
		dst = AppendString(dst, d.Locale)
	}
	return dst
}

// ReadDef reads a Def written by AppendDef. The kind tag is checked before
// any codec-specific byte is consumed.
func (r *Reader) ReadDef() Def {
	kind := Kind(r.String())
	if r.err != nil {
		return Def{}
	}
	if _, ok := constructors[kind]; !ok {
		r.err = fmt.Errorf("%w: %q", index_errors.ErrUnknownCodecKind, kind)
		return Def{}
	}
	d := Def{Kind: kind}
	d.Name = r.String()
	d.Order = Order(r.Byte())
	if hasLength(kind) {
		d.Length = int(r.Int32())
	}
	if kind == KindString {
		d.Mode = StringMode(r.String())
		d.Locale = r.String()
	}
	if r.err != nil {
		return Def{}
	}
	return d
}

type jsonDef struct {
	Class  Kind       `json:"class"`
	Order  string     `json:"order,omitempty"`
	Length int        `json:"length,omitempty"`
	Mode   StringMode `json:"mode,omitempty"`
	Locale string     `json:"locale,omitempty"`
}

// MarshalJSON writes the codec parameters; the name is the key of the
// enclosing fields object.
func (d Def) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonDef{
		Class:  d.Kind,
		Order:  d.Order.String(),
		Length: d.Length,
		Mode:   d.Mode,
		Locale: d.Locale,
	})
}

func (d *Def) UnmarshalJSON(data []byte) error {
	var j jsonDef
	if err := json.Unmarshal(data, &j); err != nil {
		return fmt.Errorf("%w: %v", index_errors.ErrInvalidCodecParams, err)
	}
	if _, ok := constructors[j.Class]; !ok {
		return fmt.Errorf("%w: %q", index_errors.ErrUnknownCodecKind, j.Class)
	}
	order, err := ParseOrder(j.Order)
	if err != nil {
		return err
	}
	if j.Length < 0 || j.Length > math.MaxInt32 {
		return fmt.Errorf("%w: length %d", index_errors.ErrInvalidCodecParams, j.Length)
	}
	*d = Def{
		Name:   d.Name,
		Kind:   j.Class,
		Order:  order,
		Length: j.Length,
		Mode:   j.Mode,
		Locale: j.Locale,
	}
	return nil
}
