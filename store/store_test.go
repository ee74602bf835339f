package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/kvindex/codec"
	"github.com/drpcorg/kvindex/index_errors"
	"github.com/drpcorg/kvindex/schema"
	"github.com/drpcorg/kvindex/utils"
)

func memDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open("mem", Options{
		Pebble: pebble.Options{FS: vfs.NewMem()},
		Logger: utils.NewDiscardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func putRecords(t *testing.T, rs *RecordStore, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		rec, err := NewRecord([]byte(fmt.Sprintf("rec-%03d", i)), map[string]any{"n": i, "name": fmt.Sprintf("name %d", i)})
		require.NoError(t, err)
		require.NoError(t, rs.Put(rec))
	}
}

func TestRecordStore_PutGet(t *testing.T) {
	rs := memDB(t).Records()
	putRecords(t, rs, 3)

	rec, err := rs.Get([]byte("rec-001"))
	require.NoError(t, err)
	assert.Equal(t, []byte("rec-001"), rec.ID)
	assert.JSONEq(t, `1`, string(rec.Properties["n"]))
	assert.JSONEq(t, `"name 1"`, string(rec.Properties["name"]))

	require.NoError(t, rs.Delete([]byte("rec-001")))
	_, err = rs.Get([]byte("rec-001"))
	assert.ErrorIs(t, err, index_errors.ErrRecordNotFound)
}

func TestRecordStore_SplitAndScan(t *testing.T) {
	rs := memDB(t).Records()
	putRecords(t, rs, 10)

	parts, err := rs.Split(3)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Nil(t, parts[0].Start)
	assert.Nil(t, parts[2].End)

	var seen []string
	for i, p := range parts {
		assert.Equal(t, i, p.Index)
		for rec, err := range rs.Scan(context.Background(), p) {
			require.NoError(t, err)
			seen = append(seen, string(rec.ID))
		}
	}
	require.Len(t, seen, 10)
	for i, id := range seen {
		assert.Equal(t, fmt.Sprintf("rec-%03d", i), id)
	}

	parts, err = rs.Split(50)
	require.NoError(t, err)
	assert.Len(t, parts, 10)
}

func TestRecordStore_SplitEmpty(t *testing.T) {
	parts, err := memDB(t).Records().Split(4)
	require.NoError(t, err)
	assert.Equal(t, []Partition{{Index: 0}}, parts)
}

func TestRecordStore_ScanCanceled(t *testing.T) {
	rs := memDB(t).Records()
	putRecords(t, rs, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, err := range rs.Scan(ctx, Partition{}) {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestRecordID(t *testing.T) {
	id, err := RecordID(RecordKey([]byte("abc")))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), id)
	_, err = RecordID([]byte("Iabc"))
	assert.ErrorIs(t, err, index_errors.ErrCorruptEncoding)
}

func peopleSchema(t *testing.T) *schema.Schema {
	t.Helper()
	b := schema.NewBuilder("people")
	require.NoError(t, b.AddStringField("city", 10, codec.ModeASCIIFolding))
	require.NoError(t, b.AddIntegerField("age"))
	s, err := b.Build()
	require.NoError(t, err)
	return s
}

func person(id, city string, age int32) schema.Entry {
	return schema.NewEntry([]byte(id)).With("city", city).With("age", age)
}

func ids(t *testing.T, seq func(func(schema.Entry, error) bool)) []string {
	t.Helper()
	var out []string
	for e, err := range seq {
		require.NoError(t, err)
		out = append(out, string(e.Identifier))
	}
	return out
}

func TestIndexTable_Queries(t *testing.T) {
	db := memDB(t)
	tbl := db.Index(peopleSchema(t))
	require.NoError(t, tbl.Put(
		person("p1", "Zürich", 30),
		person("p2", "Zurich", 25),
		person("p3", "Zurich", 41),
		person("p4", "Bern", 30),
	))

	assert.Equal(t, []string{"p1"}, ids(t, tbl.Equal(map[string]any{"city": "Zurich", "age": int32(30)})))
	assert.Equal(t, []string{"p2"}, ids(t, tbl.Equal(map[string]any{"city": "Zürich", "age": int32(25)})))
	assert.Equal(t, []string{"p2", "p1", "p3"}, ids(t, tbl.Prefix(map[string]any{"city": "Zurich"})))
	assert.Equal(t, []string{"p4", "p2", "p1", "p3"}, ids(t, tbl.Prefix(nil)))
	assert.Equal(t, []string{"p1", "p3"}, ids(t, tbl.Range(map[string]any{"city": "Zurich"}, "age", int32(26), int32(50))))
	assert.Equal(t, []string{"p4"}, ids(t, tbl.Range(nil, "city", "A", "C")))

	for _, err := range tbl.Equal(map[string]any{"city": "Zurich"}) {
		assert.ErrorIs(t, err, index_errors.ErrMalformedIndexEntry)
	}
	for _, err := range tbl.Prefix(map[string]any{"city": 7}) {
		assert.ErrorIs(t, err, index_errors.ErrMalformedIndexEntry)
	}

	b := schema.NewBuilder("places")
	require.NoError(t, b.AddStringField("city", 10, codec.ModeASCIIFolding))
	places, err := b.Build()
	require.NoError(t, err)
	assert.Empty(t, ids(t, db.Index(places).Prefix(nil)))
}

func TestIndexTable_ReplaceAndDelete(t *testing.T) {
	tbl := memDB(t).Index(peopleSchema(t))
	require.NoError(t, tbl.Put(
		person("p1", "Zurich", 30),
		person("p1", "Basel", 30),
		person("p2", "Zurich", 25),
		person("p4", "Bern", 30),
	))

	for i := 0; i < 2; i++ {
		require.NoError(t, tbl.Replace([]byte("p1"), []schema.Entry{person("p1", "Bern", 50)}))
		assert.Equal(t, []string{"p2"}, ids(t, tbl.Prefix(map[string]any{"city": "Zurich"})))
		assert.Empty(t, ids(t, tbl.Prefix(map[string]any{"city": "Basel"})))
		assert.Equal(t, []string{"p4", "p1"}, ids(t, tbl.Prefix(map[string]any{"city": "Bern"})))
	}

	err := tbl.Replace([]byte("p1"), []schema.Entry{person("p2", "Bern", 50)})
	assert.ErrorIs(t, err, index_errors.ErrMalformedIndexEntry)

	require.NoError(t, tbl.Delete(person("p4", "Bern", 30)))
	assert.Equal(t, []string{"p1"}, ids(t, tbl.Prefix(map[string]any{"city": "Bern"})))

	require.NoError(t, tbl.Replace([]byte("p1"), nil))
	assert.Equal(t, []string{"p2"}, ids(t, tbl.Prefix(nil)))
}

func TestCollector(t *testing.T) {
	db := memDB(t)
	putRecords(t, db.Records(), 5)
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(db.Collector()))
	assert.Equal(t, 8, testutil.CollectAndCount(db.Collector()))
}
