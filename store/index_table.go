package store

import (
	"bytes"
	"fmt"
	"iter"

	"github.com/cockroachdb/pebble"

	"github.com/drpcorg/kvindex/codec"
	"github.com/drpcorg/kvindex/index_errors"
	"github.com/drpcorg/kvindex/schema"
)

var linkCodec, _ = codec.New(codec.Def{Name: schema.IdentifierName, Kind: codec.KindVariableByte})

// IndexTable stores the rows of one schema. Every row key is the schema row
// key; a reverse link per row lets Replace drop the rows of a record whose
// field values changed.
type IndexTable struct {
	db     *DB
	schema *schema.Schema
	keys   *schema.RowKeyBuilder
	rows   []byte
	links  []byte
}

func (d *DB) Index(s *schema.Schema) *IndexTable {
	return &IndexTable{
		db:     d,
		schema: s,
		keys:   s.RowKeyBuilder(),
		rows:   codec.AppendString([]byte{indexPrefix}, s.Name()),
		links:  codec.AppendString([]byte{reversePrefix}, s.Name()),
	}
}

func (t *IndexTable) Schema() *schema.Schema { return t.schema }

func (t *IndexTable) rowKey(e schema.Entry) ([]byte, error) {
	if err := t.schema.Validate(e); err != nil {
		return nil, err
	}
	rk, err := t.keys.Build(e)
	if err != nil {
		return nil, err
	}
	return append(bytes.Clone(t.rows), rk...), nil
}

func (t *IndexTable) linkPrefix(id []byte) []byte {
	p, _ := linkCodec.AppendEncode(bytes.Clone(t.links), id)
	return p
}

func (t *IndexTable) put(b *pebble.Batch, e schema.Entry) error {
	key, err := t.rowKey(e)
	if err != nil {
		return err
	}
	if err := b.Set(key, nil, nil); err != nil {
		return err
	}
	return b.Set(append(t.linkPrefix(e.Identifier), key[len(t.rows):]...), nil, nil)
}

func (t *IndexTable) Put(entries ...schema.Entry) error {
	b := t.db.db.NewBatch()
	defer b.Close()
	for _, e := range entries {
		if err := t.put(b, e); err != nil {
			return err
		}
	}
	return b.Commit(t.db.opts.WriteOptions)
}

func (t *IndexTable) Delete(e schema.Entry) error {
	key, err := t.rowKey(e)
	if err != nil {
		return err
	}
	b := t.db.db.NewBatch()
	defer b.Close()
	if err := b.Delete(key, nil); err != nil {
		return err
	}
	if err := b.Delete(append(t.linkPrefix(e.Identifier), key[len(t.rows):]...), nil); err != nil {
		return err
	}
	return b.Commit(t.db.opts.WriteOptions)
}

// Replace atomically swaps every row of the record id for entries.
// Replaying the same call is a no-op.
func (t *IndexTable) Replace(id []byte, entries []schema.Entry) error {
	for _, e := range entries {
		if !bytes.Equal(e.Identifier, id) {
			return fmt.Errorf("%w: entry for %q in replace of %q", index_errors.ErrMalformedIndexEntry, e.Identifier, id)
		}
	}
	b := t.db.db.NewBatch()
	defer b.Close()

	link := t.linkPrefix(id)
	it := t.db.db.NewIter(&pebble.IterOptions{LowerBound: link, UpperBound: schema.PrefixSuccessor(link)})
	for valid := it.First(); valid; valid = it.Next() {
		rk := it.Key()[len(link):]
		if err := b.Delete(append(bytes.Clone(t.rows), rk...), nil); err != nil {
			it.Close()
			return err
		}
		if err := b.Delete(bytes.Clone(it.Key()), nil); err != nil {
			it.Close()
			return err
		}
	}
	if err := it.Close(); err != nil {
		return err
	}
	for _, e := range entries {
		if err := t.put(b, e); err != nil {
			return err
		}
	}
	return b.Commit(t.db.opts.WriteOptions)
}

// Equal yields rows whose fields all equal values; every field is required.
func (t *IndexTable) Equal(values map[string]any) iter.Seq2[schema.Entry, error] {
	for _, d := range t.schema.Fields() {
		if _, ok := values[d.Name]; !ok {
			return failed(fmt.Errorf("%w: equality query without %q", index_errors.ErrMalformedIndexEntry, d.Name))
		}
	}
	return t.Prefix(values)
}

// Prefix yields rows whose leading fields equal values, up to the first
// field missing from values.
func (t *IndexTable) Prefix(values map[string]any) iter.Seq2[schema.Entry, error] {
	for name, v := range values {
		if err := t.schema.ValidateEntry(name, v); err != nil {
			return failed(err)
		}
	}
	p, err := t.keys.Prefix(values)
	if err != nil {
		return failed(err)
	}
	return t.scan(p, schema.PrefixSuccessor(p))
}

// Range yields rows with the given leading fields and field in [lo, hi].
func (t *IndexTable) Range(equality map[string]any, field string, lo, hi any) iter.Seq2[schema.Entry, error] {
	start, end, err := t.keys.Range(equality, field, lo, hi)
	if err != nil {
		return failed(err)
	}
	return t.scan(start, end)
}

func (t *IndexTable) scan(start, end []byte) iter.Seq2[schema.Entry, error] {
	lower := append(bytes.Clone(t.rows), start...)
	upper := schema.PrefixSuccessor(t.rows)
	if end != nil {
		upper = append(bytes.Clone(t.rows), end...)
	}
	return func(yield func(schema.Entry, error) bool) {
		it := t.db.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
		defer it.Close()
		for valid := it.First(); valid; valid = it.Next() {
			e, err := t.keys.Decode(it.Key()[len(t.rows):])
			if !yield(e, err) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(schema.Entry{}, err)
		}
	}
}

func failed(err error) iter.Seq2[schema.Entry, error] {
	return func(yield func(schema.Entry, error) bool) {
		yield(schema.Entry{}, err)
	}
}
