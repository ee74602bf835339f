package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/cockroachdb/pebble"

	"github.com/drpcorg/kvindex/index_errors"
	"github.com/drpcorg/kvindex/schema"
)

// Record is a source row: an opaque identifier and its JSON properties.
type Record struct {
	ID         []byte
	Properties map[string]json.RawMessage
}

func NewRecord(id []byte, props map[string]any) (Record, error) {
	rec := Record{ID: id, Properties: make(map[string]json.RawMessage, len(props))}
	for k, v := range props {
		raw, err := json.Marshal(v)
		if err != nil {
			return Record{}, fmt.Errorf("property %q: %w", k, err)
		}
		rec.Properties[k] = raw
	}
	return rec, nil
}

func RecordKey(id []byte) []byte {
	return append([]byte{recordPrefix}, id...)
}

// RecordID extracts the record identifier from a scan key.
func RecordID(key []byte) ([]byte, error) {
	if len(key) < 1 || key[0] != recordPrefix {
		return nil, fmt.Errorf("%w: not a record key %q", index_errors.ErrCorruptEncoding, key)
	}
	return key[1:], nil
}

// Partition is a contiguous slice [Start, End) of the record id space.
// Nil bounds are open.
type Partition struct {
	Index int
	Start []byte
	End   []byte
}

func (p Partition) String() string {
	return fmt.Sprintf("#%d [%q, %q)", p.Index, p.Start, p.End)
}

func (p Partition) bounds() *pebble.IterOptions {
	o := &pebble.IterOptions{
		LowerBound: RecordKey(p.Start),
		UpperBound: schema.PrefixSuccessor([]byte{recordPrefix}),
	}
	if p.End != nil {
		o.UpperBound = RecordKey(p.End)
	}
	return o
}

type RecordStore struct {
	db *DB
}

func (s *RecordStore) Put(rec Record) error {
	value, err := json.Marshal(rec.Properties)
	if err != nil {
		return err
	}
	return s.db.db.Set(RecordKey(rec.ID), value, s.db.opts.WriteOptions)
}

func (s *RecordStore) Get(id []byte) (Record, error) {
	value, closer, err := s.db.db.Get(RecordKey(id))
	if closer != nil {
		defer closer.Close()
	}
	if err == pebble.ErrNotFound {
		return Record{}, fmt.Errorf("%w: %q", index_errors.ErrRecordNotFound, id)
	}
	if err != nil {
		return Record{}, err
	}
	return decodeRecord(RecordKey(id), value)
}

func (s *RecordStore) Delete(id []byte) error {
	return s.db.db.Delete(RecordKey(id), s.db.opts.WriteOptions)
}

func decodeRecord(key, value []byte) (Record, error) {
	id, err := RecordID(key)
	if err != nil {
		return Record{}, err
	}
	rec := Record{ID: bytes.Clone(id)}
	if err := json.Unmarshal(value, &rec.Properties); err != nil {
		return Record{}, fmt.Errorf("%w: record %q: %w", index_errors.ErrCorruptEncoding, id, err)
	}
	return rec, nil
}

// Scan walks a consistent snapshot of the partition in key order. A corrupt
// record is yielded as an error and the scan goes on.
func (s *RecordStore) Scan(ctx context.Context, p Partition) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		snap := s.db.db.NewSnapshot()
		defer snap.Close()
		it := snap.NewIter(p.bounds())
		defer it.Close()
		for valid := it.First(); valid; valid = it.Next() {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			if !yield(decodeRecord(it.Key(), it.Value())) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(Record{}, err)
		}
	}
}

// Split cuts the record id space into at most n partitions holding roughly
// the same number of records.
func (s *RecordStore) Split(n int) ([]Partition, error) {
	if n < 1 {
		n = 1
	}
	all := Partition{}
	it := s.db.db.NewIter(all.bounds())
	var ids [][]byte
	for valid := it.First(); valid; valid = it.Next() {
		ids = append(ids, bytes.Clone(it.Key()[1:]))
	}
	if err := it.Error(); err != nil {
		it.Close()
		return nil, err
	}
	if err := it.Close(); err != nil {
		return nil, err
	}

	n = min(n, max(len(ids), 1))
	parts := make([]Partition, 0, n)
	var start []byte
	for i := 1; i < n; i++ {
		end := ids[i*len(ids)/n]
		parts = append(parts, Partition{Index: len(parts), Start: start, End: end})
		start = end
	}
	return append(parts, Partition{Index: len(parts), Start: start}), nil
}
