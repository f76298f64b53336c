package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/tideflow/core"
)

const fullDoc = `
runtime:
  batch_size: 512
  batch_age: 10
  workers: 4
  cache:
    path: state/cache.sqlite
sources:
  ingest:
    type: tcp
    bind_address: 127.0.0.1:9000
    decoding:
      format: ndjson
  backfill:
    type: file
    path: /var/log/backfill.ndjson
sinks:
  archive:
    type: s3
    bucket_name: logs-archive
    wal_path: /tmp/tideflow-wal
    compression:
      type: gzip
    default: true
  local:
    type: file
    path: /var/log/out.ndjson
    compression:
      type: none
plugins:
  scrub:
    path: scrub.wasm
    config:
      drop_fields: [password]
dag:
  - from: {kind: source, name: ingest}
    to: [{kind: plugin, name: scrub}]
  - from: {kind: source, name: backfill}
    to: [{kind: plugin, name: scrub}]
  - from: {kind: plugin, name: scrub}
    to:
      - {kind: sink, name: archive, key_prefix: app/prod}
      - {kind: sink, name: local}
`

func TestParse_FullDocument(t *testing.T) {
	cfg, err := Parse([]byte(fullDoc))
	require.NoError(t, err)

	assert.Equal(t, 512<<10, cfg.BatchMaxSize())
	assert.Equal(t, 4, cfg.Runtime.Workers)
	assert.Equal(t, "state/cache.sqlite", cfg.Runtime.Cache.Path)

	require.Contains(t, cfg.Sources, "ingest")
	tcp := cfg.Sources["ingest"]
	require.NotNil(t, tcp.TCP)
	assert.Equal(t, "127.0.0.1:9000", tcp.TCP.BindAddress)
	assert.Equal(t, "ndjson", tcp.Decoding.Format)
	assert.Equal(t, "auto", tcp.Decoding.Compression)

	require.Contains(t, cfg.Sinks, "archive")
	s3 := cfg.Sinks["archive"]
	require.NotNil(t, s3.S3)
	assert.Equal(t, "logs-archive", s3.S3.BucketName)
	assert.Equal(t, 60, s3.S3.MaxFileAgeSec)
	assert.Equal(t, core.CompressionGzip, s3.SinkCompression().Type)
	assert.Equal(t, core.DefaultGzipLevel, s3.SinkCompression().Level)
	assert.True(t, s3.Default)
	assert.Equal(t, "archive", cfg.DefaultSink())

	local := cfg.Sinks["local"]
	assert.Equal(t, core.CompressionNone, local.SinkCompression().Type)
	assert.Equal(t, core.EncodingNDJSON, local.SinkEncoding().Type)
	assert.Equal(t, 16, local.InFlightLimit)
	assert.Equal(t, 128*1024*1024, local.ObjectMaxBytes)

	require.Len(t, cfg.DAG, 3)
	assert.Equal(t, "app/prod", cfg.DAG[2].To[0].KeyPrefix)
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`
sources:
  s: {type: socket, socket_path: /tmp/t.sock}
sinks:
  out: {type: blackhole}
dag:
  - from: {kind: source, name: s}
    to: [{kind: sink, name: out}]
`))
	require.NoError(t, err)

	assert.Equal(t, 256, cfg.Runtime.BatchSize)
	assert.Equal(t, 5, cfg.Runtime.BatchAge)
	assert.Equal(t, 4, cfg.Runtime.SinkShards)
	assert.Equal(t, 1024, cfg.Runtime.QueueCapacity)
	assert.Equal(t, int64(600_000), cfg.Runtime.Cache.DefaultTTLMS)
	assert.Equal(t, 30, cfg.Runtime.Shutdown.SourceTimeoutSec)
	assert.Equal(t, 120, cfg.Runtime.Shutdown.WorkerTimeoutSec)

	// Blackhole picks up the shared sink defaults too.
	bh := cfg.Sinks["out"]
	assert.Equal(t, core.CompressionZstd, bh.SinkCompression().Type)
	assert.Equal(t, core.DefaultZstdLevel, bh.SinkCompression().Level)
	assert.Equal(t, "", cfg.DefaultSink())
}

func TestParse_Failures(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"no sources", `
sinks:
  out: {type: blackhole}
dag:
  - from: {kind: sink, name: out}
    to: [{kind: sink, name: out}]
`, "at least one source"},
		{"no sinks", `
sources:
  s: {type: socket, socket_path: /tmp/t.sock}
dag:
  - from: {kind: source, name: s}
    to: [{kind: source, name: s}]
`, "at least one sink"},
		{"empty dag", `
sources:
  s: {type: socket, socket_path: /tmp/t.sock}
sinks:
  out: {type: blackhole}
`, "dag"},
		{"unknown sink node", `
sources:
  s: {type: socket, socket_path: /tmp/t.sock}
sinks:
  out: {type: blackhole}
dag:
  - from: {kind: source, name: s}
    to: [{kind: sink, name: nope}]
`, `unknown sink "nope"`},
		{"unknown source type", `
sources:
  s: {type: carrier_pigeon}
sinks:
  out: {type: blackhole}
dag:
  - from: {kind: source, name: s}
    to: [{kind: sink, name: out}]
`, "unknown source type"},
		{"two defaults", `
sources:
  s: {type: socket, socket_path: /tmp/t.sock}
sinks:
  a: {type: blackhole, default: true}
  b: {type: blackhole, default: true}
dag:
  - from: {kind: source, name: s}
    to: [{kind: sink, name: a}]
`, "at most one"},
		{"avro without schema", `
sources:
  s: {type: socket, socket_path: /tmp/t.sock}
sinks:
  out:
    type: blackhole
    encoding: {type: avro}
dag:
  - from: {kind: source, name: s}
    to: [{kind: sink, name: out}]
`, "requires a schema"},
		{"key_prefix on plugin", `
sources:
  s: {type: socket, socket_path: /tmp/t.sock}
sinks:
  out: {type: blackhole}
plugins:
  p: {path: p.wasm}
dag:
  - from: {kind: source, name: s}
    to: [{kind: plugin, name: p, key_prefix: oops}]
`, "key_prefix"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_CycleDetection(t *testing.T) {
	_, err := Parse([]byte(`
sources:
  s: {type: socket, socket_path: /tmp/t.sock}
sinks:
  out: {type: blackhole}
plugins:
  a: {path: a.wasm}
  b: {path: b.wasm}
dag:
  - from: {kind: source, name: s}
    to: [{kind: plugin, name: a}]
  - from: {kind: plugin, name: a}
    to: [{kind: plugin, name: b}]
  - from: {kind: plugin, name: b}
    to: [{kind: plugin, name: a}]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestNodeRefConfig_NodeRef(t *testing.T) {
	n := NodeRefConfig{Kind: "sink", Name: "archive", KeyPrefix: "a/b"}
	ref := n.NodeRef()
	assert.Equal(t, core.KindSink, ref.Kind)
	assert.Equal(t, "sink:archive/a/b", ref.String())
}
