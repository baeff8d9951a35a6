package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	f := Default()
	assert.Equal(t, "./data", f.DataDir)
	assert.Equal(t, BackendBadger, f.Registry.Backend)
	assert.Equal(t, filepath.Join("data", "registry"), f.Registry.Path)
	require.Len(t, f.Nodes, 1)
	assert.Equal(t, "local", f.DefaultNode)
	assert.Equal(t, filepath.Join("data", "shards", "local"), f.Nodes[0].Path)
	assert.Zero(t, f.Sweep.Interval, "sweep is opt-in")
	assert.Equal(t, time.Hour, f.Sweep.GracePeriod, "on-demand sweeps are guarded too")
	assert.Equal(t, 30*time.Second, f.HealthInterval)
	assert.NoError(t, f.Validate())
}

func TestParseFull(t *testing.T) {
	f, err := Parse([]byte(`
dataDir: /srv/records
registry:
  backend: sqlite
nodes:
  - address: nodeA
  - address: nodeB
    url: http://10.0.0.2:4242
placement: capacity
minNodeFreeMB: 512
optimisticConcurrency: true
sweep:
  interval: 30m
workers: 8
`))
	require.NoError(t, err)

	assert.Equal(t, "/srv/records/registry.db", f.Registry.Path)
	assert.Equal(t, "nodeA", f.DefaultNode)
	assert.Equal(t, "/srv/records/shards/nodeA", f.Nodes[0].Path)
	assert.Equal(t, 10*time.Second, f.Nodes[1].Timeout)
	assert.Empty(t, f.Nodes[1].Path)
	assert.Equal(t, PlacementCapacity, f.Placement)
	assert.Equal(t, 30*time.Minute, f.Sweep.Interval)
	assert.Equal(t, time.Hour, f.Sweep.GracePeriod)
	assert.True(t, f.OptimisticConcurrency)
	assert.Equal(t, 8, f.Workers)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":   "colour: blue",
		"backend":         "registry: {backend: mongo}",
		"placement":       "placement: random",
		"duplicate node":  "nodes: [{address: a}, {address: a}]",
		"default missing": "nodes: [{address: a}]\ndefaultNode: b",
		"url and path":    "nodes: [{address: a, url: 'http://x', path: /tmp/a}]",
		"no address":      "nodes: [{url: 'http://x'}]",
		"negative health": "healthInterval: -1s",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logLevel: debug\n"), 0o600))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", f.LogLevel)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
