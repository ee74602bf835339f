// Package testutils holds fixtures shared by package tests.
package testutils

import (
	"fmt"
	"iter"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/kvindex/store"
	"github.com/drpcorg/kvindex/utils"
)

// MemDB opens a store on an in-memory filesystem, closed with the test.
func MemDB(t testing.TB) *store.DB {
	t.Helper()
	db, err := store.Open("mem", store.Options{
		Pebble: pebble.Options{FS: vfs.NewMem()},
		Logger: utils.NewDiscardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// RecordID is the id PutRecords gives to the i-th record.
func RecordID(i int) []byte {
	return []byte(fmt.Sprintf("rec-%03d", i))
}

// PutRecords stores one record per props and returns their ids.
func PutRecords(t testing.TB, rs *store.RecordStore, props ...map[string]any) [][]byte {
	t.Helper()
	ids := make([][]byte, len(props))
	for i, p := range props {
		ids[i] = RecordID(i)
		rec, err := store.NewRecord(ids[i], p)
		require.NoError(t, err)
		require.NoError(t, rs.Put(rec))
	}
	return ids
}

// Collect drains seq, failing the test on the first error.
func Collect[T any](t testing.TB, seq iter.Seq2[T, error]) []T {
	t.Helper()
	var out []T
	for v, err := range seq {
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}
