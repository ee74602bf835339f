package schema

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/drpcorg/kvindex/codec"
	"github.com/drpcorg/kvindex/index_errors"
)

// AppendBinary writes the persisted form:
//
//	name | field count (int32) | field defs... | identifier def
//
// Every def starts with its kind tag.
func (s *Schema) AppendBinary(dst []byte) []byte {
	dst = codec.AppendString(dst, s.name)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(s.fields)))
	for _, c := range s.fields {
		dst = codec.AppendDef(dst, c.Def())
	}
	return codec.AppendDef(dst, s.identifier.Def())
}

func (s *Schema) MarshalBinary() ([]byte, error) {
	return s.AppendBinary(nil), nil
}

func FromBinary(data []byte) (*Schema, error) {
	r := codec.NewReader(data)
	name := r.String()
	count := r.Int32()
	if err := r.Err(); err != nil {
		return nil, err
	}
	if count < 0 || int(count) > len(r.Rest()) {
		return nil, fmt.Errorf("%w: field count %d", index_errors.ErrCorruptEncoding, count)
	}
	b := NewBuilder(name)
	for i := 0; i < int(count); i++ {
		def := r.ReadDef()
		if err := r.Err(); err != nil {
			return nil, err
		}
		if err := b.AddField(def); err != nil {
			return nil, err
		}
	}
	id := r.ReadDef()
	if err := r.Err(); err != nil {
		return nil, err
	}
	if len(r.Rest()) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", index_errors.ErrCorruptEncoding, len(r.Rest()))
	}
	return b.build(id)
}

type jsonSchema struct {
	Name            string                                   `json:"name,omitempty"`
	Fields          *orderedmap.OrderedMap[string, codec.Def] `json:"fields"`
	IdentifierOrder string                                   `json:"identifierOrder,omitempty"`
}

// MarshalJSON writes {"name", "fields": {name: {"class", ...}}, "identifierOrder"}
// with fields in key order.
func (s *Schema) MarshalJSON() ([]byte, error) {
	fields := orderedmap.New[string, codec.Def](len(s.fields))
	for _, c := range s.fields {
		fields.Set(c.Def().Name, c.Def())
	}
	return json.Marshal(jsonSchema{
		Name:            s.name,
		Fields:          fields,
		IdentifierOrder: s.IdentifierOrder().String(),
	})
}

type jsonSchemaDoc struct {
	Name            string          `json:"name"`
	Fields          json.RawMessage `json:"fields"`
	IdentifierOrder string          `json:"identifierOrder"`
}

// FromJSON parses the JSON form. A non-empty name overrides the one in the
// document. A field name repeated inside "fields" fails with
// ErrDuplicateFieldName.
func FromJSON(name string, data []byte) (*Schema, error) {
	var js jsonSchemaDoc
	if err := json.Unmarshal(data, &js); err != nil {
		return nil, fmt.Errorf("%w: schema json: %w", index_errors.ErrInvalidCodecParams, err)
	}
	if name == "" {
		name = js.Name
	}
	order, err := codec.ParseOrder(js.IdentifierOrder)
	if err != nil {
		return nil, err
	}
	b := NewBuilder(name).SetIdentifierOrder(order)
	if err := addJSONFields(b, js.Fields); err != nil {
		return nil, err
	}
	return b.Build()
}

// addJSONFields walks the "fields" object key by key, so that every name,
// repeated ones included, goes through AddField in document order.
func addJSONFields(b *Builder, raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return fmt.Errorf("%w: schema json: fields is not an object", index_errors.ErrInvalidCodecParams)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("%w: schema json: %w", index_errors.ErrInvalidCodecParams, err)
		}
		var def codec.Def
		if err := dec.Decode(&def); err != nil {
			return fmt.Errorf("%w: schema json: field %q: %w", index_errors.ErrInvalidCodecParams, tok, err)
		}
		def.Name = tok.(string)
		if err := b.AddField(def); err != nil {
			return err
		}
	}
	return nil
}
