package shard

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/kvindex/index_errors"
	"github.com/drpcorg/kvindex/schema"
)

var threeShards = map[string]string{
	"shard1": "http://solr1:8983/solr",
	"shard2": "http://solr2:8983/solr",
	"shard3": "http://solr3:8983/solr",
}

func TestHashSelector_Deterministic(t *testing.T) {
	m, err := NewMap(threeShards)
	require.NoError(t, err)
	a := NewHashSelector(m)

	// same shard set built from a fresh map picks the same shards
	m2, err := NewMap(map[string]string{"shard3": "x", "shard1": "y", "shard2": "z"})
	require.NoError(t, err)
	b := NewHashSelector(m2)

	used := map[string]int{}
	for i := 0; i < 300; i++ {
		id := []byte(fmt.Sprintf("record-%d", i))
		first, err := a.SelectShard(id, schema.Entry{})
		require.NoError(t, err)
		for j := 0; j < 3; j++ {
			again, _ := a.SelectShard(id, schema.Entry{})
			assert.Equal(t, first, again)
		}
		other, _ := b.SelectShard(id, schema.Entry{})
		assert.Equal(t, first, other)
		used[first]++
	}
	assert.Len(t, used, 3)
	assert.True(t, a.RecordKeyed())
}

func TestNewMap_Invalid(t *testing.T) {
	_, err := NewMap(nil)
	assert.ErrorIs(t, err, index_errors.ErrInvalidJobConf)
	_, err = NewMap(map[string]string{"a": ""})
	assert.ErrorIs(t, err, index_errors.ErrInvalidJobConf)

	m, err := NewMap(threeShards)
	require.NoError(t, err)
	assert.Equal(t, []string{"shard1", "shard2", "shard3"}, m.Names())
	_, err = m.Address("shard9")
	assert.ErrorIs(t, err, index_errors.ErrUnknownShard)
}

func TestRule_RangeOnField(t *testing.T) {
	conf := `{
		"shardingKey": {"value": {"source": "field", "field": "country"}, "type": "string", "prefixLength": 1},
		"mapping": {"type": "range", "entries": [
			{"shard": "shard1", "upTo": "h"},
			{"shard": "shard2", "upTo": "p"},
			{"shard": "shard3"}
		]}
	}`
	r, err := NewRouting(threeShards, []byte(conf))
	require.NoError(t, err)

	for country, want := range map[string]string{"belgium": "shard1", "holland": "shard2", "poland": "shard3", "zambia": "shard3"} {
		e := schema.NewEntry([]byte("id")).With("country", country)
		name, addr, err := r.Route([]byte("id"), e)
		require.NoError(t, err)
		assert.Equal(t, want, name, country)
		assert.Equal(t, threeShards[want], addr)
	}

	_, _, err = r.Route([]byte("id"), schema.NewEntry([]byte("id")))
	assert.ErrorIs(t, err, index_errors.ErrUnroutableEntry)
}

func TestRule_HashedList(t *testing.T) {
	conf := `{
		"shardingKey": {"value": {"source": "recordId"}, "type": "long", "hash": "xxhash", "modulus": 3},
		"mapping": {"type": "list", "entries": [
			{"shard": "shard1", "values": [0]},
			{"shard": "shard2", "values": [1, 2]}
		]}
	}`
	sel, err := NewSelector(mustMap(t), []byte(conf))
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		id := []byte(fmt.Sprintf("r%d", i))
		name, err := sel.SelectShard(id, schema.Entry{})
		require.NoError(t, err)
		again, _ := sel.SelectShard(id, schema.Entry{})
		assert.Equal(t, name, again)
		assert.Contains(t, []string{"shard1", "shard2"}, name)
	}
}

func TestRule_LongModulusUnlisted(t *testing.T) {
	conf := `{
		"shardingKey": {"value": {"source": "field", "field": "n"}, "type": "long", "modulus": 10},
		"mapping": {"type": "list", "entries": [{"shard": "shard1", "values": [1, 3, 5, 7, 9]}]}
	}`
	sel, err := NewSelector(mustMap(t), []byte(conf))
	require.NoError(t, err)
	assert.False(t, sel.RecordKeyed())

	name, err := sel.SelectShard([]byte("a"), schema.NewEntry(nil).With("n", int64(13)))
	require.NoError(t, err)
	assert.Equal(t, "shard1", name)
	name, err = sel.SelectShard([]byte("a"), schema.NewEntry(nil).With("n", int32(-7)))
	require.NoError(t, err)
	assert.Equal(t, "shard1", name)

	_, err = sel.SelectShard([]byte("a"), schema.NewEntry(nil).With("n", int64(4)))
	assert.ErrorIs(t, err, index_errors.ErrUnroutableEntry)
	_, err = sel.SelectShard([]byte("a"), schema.NewEntry(nil).With("n", "seven"))
	assert.ErrorIs(t, err, index_errors.ErrUnroutableEntry)
	_, err = sel.SelectShard([]byte("a"), schema.NewEntry(nil).With("n", true))
	assert.ErrorIs(t, err, index_errors.ErrUnroutableEntry)
}

func TestRule_RecordIDRange(t *testing.T) {
	conf := `{
		"shardingKey": {"value": {"source": "recordId"}, "type": "long"},
		"mapping": {"type": "range", "entries": [{"shard": "shard1", "upTo": 1000}, {"shard": "shard2", "upTo": 2000}]}
	}`
	sel, err := NewSelector(mustMap(t), []byte(conf))
	require.NoError(t, err)
	assert.True(t, sel.RecordKeyed())
	name, err := sel.SelectShard([]byte("999"), schema.Entry{})
	require.NoError(t, err)
	assert.Equal(t, "shard1", name)
	name, err = sel.SelectShard([]byte("1000"), schema.Entry{})
	require.NoError(t, err)
	assert.Equal(t, "shard2", name)
	_, err = sel.SelectShard([]byte("2000"), schema.Entry{})
	assert.ErrorIs(t, err, index_errors.ErrUnroutableEntry)
}

func TestRule_SetupErrors(t *testing.T) {
	unknown := `{"shardingKey": {"value": {"source": "recordId"}, "type": "string"},
		"mapping": {"type": "list", "entries": [{"shard": "shard7", "values": ["a"]}]}}`
	_, err := NewSelector(mustMap(t), []byte(unknown))
	assert.ErrorIs(t, err, index_errors.ErrUnknownShard)

	bad := []string{
		`not json`,
		`{"shardingKey": {"value": {"source": "variant"}, "type": "long"}, "mapping": {"type": "list", "entries": [{"shard": "shard1"}]}}`,
		`{"shardingKey": {"value": {"source": "recordId"}, "type": "string", "hash": "xxhash", "modulus": 2}, "mapping": {"type": "list", "entries": [{"shard": "shard1"}]}}`,
		`{"shardingKey": {"value": {"source": "recordId"}, "type": "long", "hash": "xxhash"}, "mapping": {"type": "list", "entries": [{"shard": "shard1"}]}}`,
		`{"shardingKey": {"value": {"source": "recordId"}, "type": "long"}, "mapping": {"type": "range", "entries": [{"shard": "shard1"}, {"shard": "shard2", "upTo": 5}]}}`,
		`{"shardingKey": {"value": {"source": "recordId"}, "type": "long"}, "mapping": {"type": "range", "entries": [{"shard": "shard1", "upTo": 5}, {"shard": "shard2", "upTo": 5}]}}`,
		`{"shardingKey": {"value": {"source": "recordId"}, "type": "long"}, "mapping": {"type": "list", "entries": [{"shard": "shard1", "values": ["x"]}]}}`,
		`{"shardingKey": {"value": {"source": "recordId"}, "type": "long"}, "mapping": {"type": "hash", "entries": [{"shard": "shard1"}]}}`,
		`{"shardingKey": {"value": {"source": "recordId"}, "type": "long"}, "mapping": {"type": "list", "entries": []}}`,
		`{"shardingKey": {"value": {"source": "recordId"}, "type": "long", "salt": 1}, "mapping": {"type": "list", "entries": [{"shard": "shard1"}]}}`,
	}
	for _, conf := range bad {
		_, err := NewSelector(mustMap(t), []byte(conf))
		assert.ErrorIs(t, err, index_errors.ErrInvalidJobConf, conf)
	}
}

func TestHolder_Swap(t *testing.T) {
	first, err := NewRouting(threeShards, nil)
	require.NoError(t, err)
	h := NewHolder(first)
	loaded := h.Load()

	second, err := NewRouting(map[string]string{"only": "http://only"}, nil)
	require.NoError(t, err)
	assert.Same(t, first, h.Swap(second))
	assert.Same(t, second, h.Load())

	// a worker that loaded the first routing keeps a consistent view
	name, addr, err := loaded.Route([]byte("x"), schema.Entry{})
	require.NoError(t, err)
	assert.Equal(t, threeShards[name], addr)
}

func mustMap(t *testing.T) *Map {
	t.Helper()
	m, err := NewMap(threeShards)
	require.NoError(t, err)
	return m
}
