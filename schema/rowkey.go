package schema

import (
	"errors"
	"fmt"

	"github.com/drpcorg/kvindex/codec"
	"github.com/drpcorg/kvindex/index_errors"
)

// Entry is one row of an index: a value per schema field plus the
// identifier of the record it points to.
type Entry struct {
	Values     map[string]any
	Identifier []byte
}

func NewEntry(identifier []byte) Entry {
	return Entry{Values: make(map[string]any), Identifier: identifier}
}

func (e Entry) With(name string, v any) Entry {
	if e.Values == nil {
		e.Values = make(map[string]any)
	}
	e.Values[name] = v
	return e
}

// RowKeyBuilder concatenates the encoded field segments in schema order and
// the encoded identifier last, so keys sort by field 1, then field 2, ...,
// then identifier.
type RowKeyBuilder struct {
	schema *Schema
}

func (b *RowKeyBuilder) Schema() *Schema { return b.schema }

func (b *RowKeyBuilder) Build(e Entry) ([]byte, error) {
	for name := range e.Values {
		if b.schema.FieldPosition(name) < 0 {
			return nil, fmt.Errorf("%w: no field %q in schema %q", index_errors.ErrMalformedIndexEntry, name, b.schema.name)
		}
	}
	key, n := b.appendFields(nil, e.Values, len(b.schema.fields))
	if n.err != nil {
		return nil, n.err
	}
	if n.count < len(b.schema.fields) {
		return nil, fmt.Errorf("%w: missing field %q", index_errors.ErrMalformedIndexEntry, b.schema.fields[n.count].Def().Name)
	}
	return b.schema.identifier.AppendEncode(key, e.Identifier)
}

type appended struct {
	count int
	err   error
}

// appendFields encodes up to limit leading fields, stopping at the first one
// without a value.
func (b *RowKeyBuilder) appendFields(dst []byte, values map[string]any, limit int) ([]byte, appended) {
	for i, c := range b.schema.fields[:limit] {
		v, ok := values[c.Def().Name]
		if !ok {
			return dst, appended{count: i}
		}
		var err error
		if dst, err = c.AppendEncode(dst, v); err != nil {
			return dst, appended{count: i, err: err}
		}
	}
	return dst, appended{count: limit}
}

// Prefix encodes the leading fields present in values and stops at the first
// missing one. Later values are ignored. The result selects every row whose
// leading fields are equal to the given ones.
func (b *RowKeyBuilder) Prefix(values map[string]any) ([]byte, error) {
	key, n := b.appendFields(nil, values, len(b.schema.fields))
	if n.err != nil {
		return nil, n.err
	}
	return key, nil
}

// Range returns [start, end) covering rows whose leading fields equal
// equality and whose next field, named field, lies in [lo, hi]. A nil lo or
// hi leaves that side open. A nil end means no upper bound.
func (b *RowKeyBuilder) Range(equality map[string]any, field string, lo, hi any) (start, end []byte, err error) {
	pos := b.schema.FieldPosition(field)
	if pos < 0 {
		return nil, nil, fmt.Errorf("%w: no field %q in schema %q", index_errors.ErrMalformedIndexEntry, field, b.schema.name)
	}
	prefix, n := b.appendFields(nil, equality, pos)
	if n.err != nil {
		return nil, nil, n.err
	}
	if n.count < pos {
		return nil, nil, fmt.Errorf("%w: range on %q needs a value for %q", index_errors.ErrMalformedIndexEntry,
			field, b.schema.fields[n.count].Def().Name)
	}

	c := b.schema.fields[pos]
	if c.Def().Order == codec.Descending {
		lo, hi = hi, lo
	}
	start = append([]byte(nil), prefix...)
	if lo != nil {
		if start, err = c.AppendEncode(start, lo); err != nil {
			return nil, nil, err
		}
	}
	end = append([]byte(nil), prefix...)
	if hi != nil {
		if end, err = c.AppendEncode(end, hi); err != nil {
			return nil, nil, err
		}
	}
	return start, PrefixSuccessor(end), nil
}

// Decode splits a row key back into field values and the identifier.
// Fields whose encoding cannot be reversed (collation keys) are left out of
// Values.
func (b *RowKeyBuilder) Decode(key []byte) (Entry, error) {
	e := NewEntry(nil)
	rest := key
	for _, c := range b.schema.fields {
		v, n, err := c.Decode(rest)
		switch {
		case errors.Is(err, index_errors.ErrIrreversibleEncoding):
		case err != nil:
			return Entry{}, err
		default:
			e.Values[c.Def().Name] = v
		}
		rest = rest[n:]
	}
	id, n, err := b.schema.identifier.Decode(rest)
	if err != nil {
		return Entry{}, err
	}
	if n != len(rest) {
		return Entry{}, fmt.Errorf("%w: %d trailing bytes after identifier", index_errors.ErrCorruptEncoding, len(rest)-n)
	}
	e.Identifier = id.([]byte)
	return e, nil
}

// PrefixSuccessor returns the smallest key greater than every key starting
// with prefix, or nil when there is none.
func PrefixSuccessor(prefix []byte) []byte {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] != 0xff {
			next := append([]byte(nil), prefix[:i+1]...)
			next[i]++
			return next
		}
	}
	return nil
}
