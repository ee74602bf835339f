package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/kvindex/codec"
	"github.com/drpcorg/kvindex/index_errors"
	"github.com/drpcorg/kvindex/schema"
	"github.com/drpcorg/kvindex/shard"
	"github.com/drpcorg/kvindex/store"
	testutils "github.com/drpcorg/kvindex/test_utils"
	"github.com/drpcorg/kvindex/utils"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	b := schema.NewBuilder("people")
	require.NoError(t, b.AddStringField("name", 20, codec.ModeUTF8))
	require.NoError(t, b.AddIntegerField("age"))
	s, err := b.Build()
	require.NoError(t, err)
	return s
}

type sink struct {
	mu     sync.Mutex
	docs   []Document
	status int
}

func (s *sink) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/update", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var doc Document
		body, _ := io.ReadAll(r.Body)
		if !assert.NoError(t, json.Unmarshal(body, &doc)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.docs = append(s.docs, doc)
		status := s.status
		s.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			_, _ = w.Write([]byte("index is read-only"))
		}
	}
}

func (s *sink) received() []Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Document(nil), s.docs...)
}

func entry(id, name string, age int32) schema.Entry {
	return schema.NewEntry([]byte(id)).With("name", name).With("age", age)
}

func TestHTTPEndpoint_Send(t *testing.T) {
	s := &sink{}
	srv := httptest.NewServer(s.handler(t))
	defer srv.Close()

	pool := NewPool(PoolOptions{})
	defer pool.Close()
	ep := NewHTTPEndpoint(pool, srv.URL+"/", "people")

	require.NoError(t, ep.Send(context.Background(), []byte("r1"), []schema.Entry{entry("r1", "ann", 31)}))
	docs := s.received()
	require.Len(t, docs, 1)
	assert.Equal(t, "r1", docs[0].ID)
	assert.Equal(t, "people", docs[0].Index)
	require.Len(t, docs[0].Entries, 1)
	assert.Equal(t, []byte("r1"), docs[0].Entries[0].Identifier)
	assert.Equal(t, "ann", docs[0].Entries[0].Fields["name"])
	assert.EqualValues(t, 31, docs[0].Entries[0].Fields["age"])
}

func TestHTTPEndpoint_ErrorStatus(t *testing.T) {
	s := &sink{status: http.StatusServiceUnavailable}
	srv := httptest.NewServer(s.handler(t))
	defer srv.Close()

	pool := NewPool(PoolOptions{})
	defer pool.Close()
	err := NewHTTPEndpoint(pool, srv.URL, "people").
		Send(context.Background(), []byte("r1"), []schema.Entry{entry("r1", "ann", 31)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "index is read-only")
}

func TestPool_LimitsInFlight(t *testing.T) {
	var active, peak atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		active.Add(-1)
	}))
	defer srv.Close()

	pool := NewPool(PoolOptions{MaxPerHost: 2, MaxTotal: 2})
	defer pool.Close()
	ep := NewHTTPEndpoint(pool, srv.URL, "people")

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, ep.Send(context.Background(), []byte("r"), nil))
		}()
	}
	assert.Eventually(t, func() bool { return active.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.EqualValues(t, 2, peak.Load())
}

func TestPool_CanceledWait(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { <-block }))
	defer srv.Close()
	defer close(block)

	pool := NewPool(PoolOptions{MaxTotal: 1})
	defer pool.Close()
	ep := NewHTTPEndpoint(pool, srv.URL, "people")
	go func() { _ = ep.Send(context.Background(), []byte("a"), nil) }()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := ep.Send(ctx, []byte("b"), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewEndpoint_Schemes(t *testing.T) {
	s := testSchema(t)
	pool := NewPool(PoolOptions{})
	defer pool.Close()
	log := utils.NewDiscardLogger()

	ep, err := NewEndpoint("http://search:8983/solr/people", pool, s, log)
	require.NoError(t, err)
	assert.IsType(t, &HTTPEndpoint{}, ep)

	ep, err = NewEndpoint("pebble://"+filepath.Join(t.TempDir(), "idx"), pool, s, log)
	require.NoError(t, err)
	assert.IsType(t, &LocalEndpoint{}, ep)
	require.NoError(t, ep.Close())

	_, err = NewEndpoint("ftp://x", pool, s, log)
	assert.Error(t, err)
	_, err = NewEndpoint("pebble://", pool, s, log)
	assert.Error(t, err)
}

func TestDispatcher_RoutesPerShard(t *testing.T) {
	s := testSchema(t)
	a, b := &sink{}, &sink{}
	srvA := httptest.NewServer(a.handler(t))
	defer srvA.Close()
	srvB := httptest.NewServer(b.handler(t))
	defer srvB.Close()

	rule := []byte(`{
		"shardingKey": {"value": {"source": "field", "field": "name"}, "type": "string"},
		"mapping": {"type": "range", "entries": [{"shard": "a", "upTo": "m"}, {"shard": "b"}]}
	}`)
	routing, err := shard.NewRouting(map[string]string{"a": srvA.URL, "b": srvB.URL}, rule)
	require.NoError(t, err)

	d := New(shard.NewHolder(routing), s, NewPool(PoolOptions{}), utils.NewDiscardLogger())
	defer d.Close()

	before := testutil.ToFloat64(Requests.WithLabelValues("a", "success"))
	err = d.Dispatch(context.Background(), []byte("r1"), []schema.Entry{
		entry("r1", "ann", 31),
		entry("r1", "zoe", 31),
		entry("r1", "bob", 40),
	})
	require.NoError(t, err)

	require.Len(t, a.received(), 1)
	assert.Len(t, a.received()[0].Entries, 2)
	require.Len(t, b.received(), 1)
	assert.Len(t, b.received()[0].Entries, 1)
	assert.Equal(t, before+1, testutil.ToFloat64(Requests.WithLabelValues("a", "success")))
}

func TestDispatcher_UnroutableSendsNothing(t *testing.T) {
	s := testSchema(t)
	a := &sink{}
	srv := httptest.NewServer(a.handler(t))
	defer srv.Close()

	rule := []byte(`{
		"shardingKey": {"value": {"source": "field", "field": "age"}, "type": "long"},
		"mapping": {"type": "list", "entries": [{"shard": "a", "values": [1, 2]}]}
	}`)
	routing, err := shard.NewRouting(map[string]string{"a": srv.URL}, rule)
	require.NoError(t, err)
	d := New(shard.NewHolder(routing), s, NewPool(PoolOptions{}), utils.NewDiscardLogger())
	defer d.Close()

	err = d.Dispatch(context.Background(), []byte("r1"), []schema.Entry{
		entry("r1", "ann", 1),
		entry("r1", "bob", 7),
	})
	assert.ErrorIs(t, err, index_errors.ErrUnroutableEntry)
	assert.Empty(t, a.received())

	// no entries clears the record on every shard it may have used
	require.NoError(t, d.Dispatch(context.Background(), []byte("r2"), nil))
	require.Len(t, a.received(), 1)
	assert.Equal(t, "r2", a.received()[0].ID)
	assert.Empty(t, a.received()[0].Entries)
}

func TestDispatcher_NoEntriesClearsRecord(t *testing.T) {
	s := testSchema(t)
	dir := t.TempDir()
	addrs := map[string]string{
		"s1": "pebble://" + filepath.Join(dir, "s1"),
		"s2": "pebble://" + filepath.Join(dir, "s2"),
	}
	routing, err := shard.NewRouting(addrs, nil)
	require.NoError(t, err)
	d := New(shard.NewHolder(routing), s, NewPool(PoolOptions{}), utils.NewDiscardLogger())

	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		require.NoError(t, d.Dispatch(context.Background(), []byte(id), []schema.Entry{entry(id, "ann", 31)}))
	}
	require.NoError(t, d.Dispatch(context.Background(), []byte("r2"), nil))
	require.NoError(t, d.Close())

	var ids []string
	for _, addr := range addrs {
		db, err := store.OpenShared(addr[len("pebble://"):], store.Options{Logger: utils.NewDiscardLogger()})
		require.NoError(t, err)
		for _, e := range testutils.Collect(t, db.Index(s).Prefix(map[string]any{"name": "ann"})) {
			ids = append(ids, string(e.Identifier))
		}
		require.NoError(t, db.Close())
	}
	assert.ElementsMatch(t, []string{"r1", "r3", "r4"}, ids)
}

func TestDispatcher_FieldRuleMovesRows(t *testing.T) {
	s := testSchema(t)
	dir := t.TempDir()
	pathA, pathB := filepath.Join(dir, "a"), filepath.Join(dir, "b")
	rule := []byte(`{
		"shardingKey": {"value": {"source": "field", "field": "name"}, "type": "string"},
		"mapping": {"type": "range", "entries": [{"shard": "a", "upTo": "m"}, {"shard": "b"}]}
	}`)
	routing, err := shard.NewRouting(map[string]string{"a": "pebble://" + pathA, "b": "pebble://" + pathB}, rule)
	require.NoError(t, err)
	d := New(shard.NewHolder(routing), s, NewPool(PoolOptions{}), utils.NewDiscardLogger())

	require.NoError(t, d.Dispatch(context.Background(), []byte("r1"), []schema.Entry{entry("r1", "ann", 31)}))
	require.NoError(t, d.Dispatch(context.Background(), []byte("r1"), []schema.Entry{entry("r1", "zoe", 31)}))
	require.NoError(t, d.Close())

	count := func(path string) int {
		db, err := store.OpenShared(path, store.Options{Logger: utils.NewDiscardLogger()})
		require.NoError(t, err)
		defer db.Close()
		return len(testutils.Collect(t, db.Index(s).Prefix(nil)))
	}
	assert.Zero(t, count(pathA))
	assert.Equal(t, 1, count(pathB))
}

func TestDispatcher_LocalEndpointIsIdempotent(t *testing.T) {
	s := testSchema(t)
	path := filepath.Join(t.TempDir(), "shard0")
	routing, err := shard.NewRouting(map[string]string{"local": "pebble://" + path}, nil)
	require.NoError(t, err)
	d := New(shard.NewHolder(routing), s, NewPool(PoolOptions{}), utils.NewDiscardLogger())

	entries := []schema.Entry{entry("r1", "ann", 31), entry("r1", "ann", 32)}
	require.NoError(t, d.Dispatch(context.Background(), []byte("r1"), entries))
	require.NoError(t, d.Dispatch(context.Background(), []byte("r1"), entries))
	require.NoError(t, d.Dispatch(context.Background(), []byte("r1"), entries[:1]))
	require.NoError(t, d.Close())

	db, err := store.OpenShared(path, store.Options{Logger: utils.NewDiscardLogger()})
	require.NoError(t, err)
	defer db.Close()
	got := testutils.Collect(t, db.Index(s).Prefix(map[string]any{"name": "ann"}))
	require.Len(t, got, 1)
	assert.EqualValues(t, 31, got[0].Values["age"])
	assert.Equal(t, []byte("r1"), got[0].Identifier)
}

func TestDispatcher_Closed(t *testing.T) {
	s := testSchema(t)
	routing, err := shard.NewRouting(map[string]string{"a": "http://127.0.0.1:1"}, nil)
	require.NoError(t, err)
	d := New(shard.NewHolder(routing), s, NewPool(PoolOptions{}), utils.NewDiscardLogger())
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	err = d.Dispatch(context.Background(), []byte("r1"), []schema.Entry{entry("r1", "ann", 1)})
	assert.ErrorIs(t, err, index_errors.ErrClosed)
}
