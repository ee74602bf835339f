package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/kvindex/fullbuild"
	testutils "github.com/drpcorg/kvindex/test_utils"
)

func TestImportRecords(t *testing.T) {
	rs := testutils.MemDB(t).Records()
	n, err := importRecords(rs, strings.NewReader(`{"id": "a", "properties": {"age": 3}}

{"id": "b", "properties": {"age": 4}}
`))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	rec, err := rs.Get([]byte("b"))
	require.NoError(t, err)
	assert.JSONEq(t, `4`, string(rec.Properties["age"]))

	_, err = importRecords(rs, strings.NewReader(`{"properties": {}}`))
	assert.ErrorContains(t, err, "line 1")
}

func TestJobParams(t *testing.T) {
	conf := filepath.Join(t.TempDir(), "conf.json")
	require.NoError(t, os.WriteFile(conf, []byte(`{"schema": {"name": "n", "fields": {"a": {"class": "long"}}}}`), 0o644))

	fullbuildConfig.indexerConf = conf
	fullbuildConfig.connect = "mem://cli"
	fullbuildConfig.shards = []string{"s1=http://a", "s2=pebble:///tmp/s2"}
	fullbuildConfig.params = []string{fullbuild.ParamFailurePolicy + "=best-effort"}
	fullbuildConfig.failurePolicy = "fail-fast"
	t.Cleanup(func() { fullbuildConfig.shards, fullbuildConfig.params = nil, nil })

	params, err := jobParams()
	require.NoError(t, err)
	c, err := fullbuild.ParseJobConf(params)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"s1": "http://a", "s2": "pebble:///tmp/s2"}, c.Shards)
	assert.Equal(t, fullbuild.BestEffort, c.FailurePolicy)

	fullbuildConfig.shards = []string{"s1"}
	_, err = jobParams()
	assert.Error(t, err)
}
