// Package schema defines composite index schemas: an ordered list of typed
// fields followed by a record identifier, and the row keys built from them.
package schema

import (
	"fmt"

	"github.com/cespare/xxhash"

	"github.com/drpcorg/kvindex/codec"
	"github.com/drpcorg/kvindex/index_errors"
)

const IdentifierName = "identifier"

// Schema is immutable once built. Share it freely between goroutines.
type Schema struct {
	name       string
	fields     []codec.Codec
	positions  map[string]int
	identifier codec.Codec
}

type Builder struct {
	name      string
	fields    []codec.Codec
	positions map[string]int
	idOrder   codec.Order
}

func NewBuilder(name string) *Builder {
	return &Builder{
		name:      name,
		positions: make(map[string]int),
		idOrder:   codec.Ascending,
	}
}

// AddField appends a field; its codec is constructed right away so bad
// parameters surface here and not while indexing.
func (b *Builder) AddField(def codec.Def) error {
	if _, ok := b.positions[def.Name]; ok {
		return fmt.Errorf("%w: %q in schema %q", index_errors.ErrDuplicateFieldName, def.Name, b.name)
	}
	c, err := codec.New(def)
	if err != nil {
		return err
	}
	b.positions[def.Name] = len(b.fields)
	b.fields = append(b.fields, c)
	return nil
}

func (b *Builder) AddIntegerField(name string) error {
	return b.AddField(codec.Def{Name: name, Kind: codec.KindInteger})
}

func (b *Builder) AddLongField(name string) error {
	return b.AddField(codec.Def{Name: name, Kind: codec.KindLong})
}

func (b *Builder) AddFloatField(name string) error {
	return b.AddField(codec.Def{Name: name, Kind: codec.KindFloat})
}

// AddDecimalField declares a decimal keeping at most precision mantissa digits.
func (b *Builder) AddDecimalField(name string, precision int) error {
	return b.AddField(codec.Def{Name: name, Kind: codec.KindDecimal, Length: precision})
}

func (b *Builder) AddStringField(name string, length int, mode codec.StringMode) error {
	return b.AddField(codec.Def{Name: name, Kind: codec.KindString, Length: length, Mode: mode})
}

func (b *Builder) AddCollatedStringField(name string, length int, locale string) error {
	return b.AddField(codec.Def{Name: name, Kind: codec.KindString, Length: length, Mode: codec.ModeCollator, Locale: locale})
}

func (b *Builder) AddByteField(name string, length int) error {
	return b.AddField(codec.Def{Name: name, Kind: codec.KindFixedByte, Length: length})
}

func (b *Builder) AddVariableByteField(name string, prefix int) error {
	return b.AddField(codec.Def{Name: name, Kind: codec.KindVariableByte, Length: prefix})
}

func (b *Builder) SetIdentifierOrder(o codec.Order) *Builder {
	b.idOrder = o
	return b
}

func (b *Builder) Build() (*Schema, error) {
	return b.build(codec.Def{Name: IdentifierName, Kind: codec.KindVariableByte, Order: b.idOrder})
}

func (b *Builder) build(idDef codec.Def) (*Schema, error) {
	if idDef.Kind != codec.KindVariableByte {
		return nil, fmt.Errorf("%w: identifier must be %s, got %s", index_errors.ErrInvalidCodecParams, codec.KindVariableByte, idDef.Kind)
	}
	id, err := codec.New(idDef)
	if err != nil {
		return nil, err
	}
	s := &Schema{
		name:       b.name,
		fields:     append([]codec.Codec(nil), b.fields...),
		positions:  make(map[string]int, len(b.positions)),
		identifier: id,
	}
	for k, v := range b.positions {
		s.positions[k] = v
	}
	return s, nil
}

func (s *Schema) Name() string { return s.name }

func (s *Schema) Len() int { return len(s.fields) }

// Fields returns the field definitions in key order.
func (s *Schema) Fields() []codec.Def {
	defs := make([]codec.Def, len(s.fields))
	for i, c := range s.fields {
		defs[i] = c.Def()
	}
	return defs
}

func (s *Schema) Identifier() codec.Def { return s.identifier.Def() }

func (s *Schema) IdentifierOrder() codec.Order { return s.identifier.Def().Order }

// FieldPosition returns the key position of the named field, or -1.
func (s *Schema) FieldPosition(name string) int {
	if i, ok := s.positions[name]; ok {
		return i
	}
	return -1
}

func (s *Schema) Codec(name string) (codec.Codec, bool) {
	i, ok := s.positions[name]
	if !ok {
		return nil, false
	}
	return s.fields[i], true
}

func (s *Schema) ValidateEntry(name string, value any) error {
	c, ok := s.Codec(name)
	if !ok {
		return fmt.Errorf("%w: no field %q in schema %q", index_errors.ErrMalformedIndexEntry, name, s.name)
	}
	if !c.Accepts(value) {
		return fmt.Errorf("%w: field %q (%s) cannot hold %T", index_errors.ErrMalformedIndexEntry, name, c.Def().Kind, value)
	}
	return nil
}

// Validate checks every value of e and that all fields are present.
func (s *Schema) Validate(e Entry) error {
	for name, v := range e.Values {
		if err := s.ValidateEntry(name, v); err != nil {
			return err
		}
	}
	for _, c := range s.fields {
		if _, ok := e.Values[c.Def().Name]; !ok {
			return fmt.Errorf("%w: missing field %q", index_errors.ErrMalformedIndexEntry, c.Def().Name)
		}
	}
	return nil
}

func (s *Schema) Equal(o *Schema) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.name != o.name || len(s.fields) != len(o.fields) || s.identifier.Def() != o.identifier.Def() {
		return false
	}
	for i := range s.fields {
		if s.fields[i].Def() != o.fields[i].Def() {
			return false
		}
	}
	return true
}

// Hash is consistent with Equal.
func (s *Schema) Hash() uint64 {
	return xxhash.Sum64(s.AppendBinary(nil))
}

func (s *Schema) RowKeyBuilder() *RowKeyBuilder {
	return &RowKeyBuilder{schema: s}
}

func (s *Schema) String() string {
	return fmt.Sprintf("schema %q (%d fields, identifier %s)", s.name, len(s.fields), s.IdentifierOrder())
}
