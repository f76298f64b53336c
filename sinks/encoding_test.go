package sinks

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/linkedin/goavro/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/tideflow/core"
)

func TestEnsureTrailingNewline(t *testing.T) {
	assert.Equal(t, []byte("a\n"), EnsureTrailingNewline([]byte("a")))
	assert.Equal(t, []byte("a\n"), EnsureTrailingNewline([]byte("a\n")))
	assert.Empty(t, EnsureTrailingNewline(nil))
}

func TestNDJSONToJSONArray(t *testing.T) {
	raw := []byte("{\"i\":1}\n{\"i\":2}\n\n{\"i\":3}\n")
	out, err := NDJSONToJSONArray(raw)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"i":1},{"i":2},{"i":3}]`, string(out))

	_, err = NDJSONToJSONArray([]byte("not json\n"))
	require.Error(t, err)
}

const avroSchema = `{
  "type": "record",
  "name": "event",
  "fields": [
    {"name": "msg", "type": "string"},
    {"name": "count", "type": "long"}
  ]
}`

func TestNDJSONToAvro_RoundTrip(t *testing.T) {
	raw := []byte(`{"msg":"a","count":1}` + "\n" + `{"msg":"b","count":2}` + "\n")

	out, err := NDJSONToAvro(raw, avroSchema, core.Compression{Type: core.CompressionGzip, Level: 6})
	require.NoError(t, err)

	r, err := goavro.NewOCFReader(bytes.NewReader(out))
	require.NoError(t, err)

	var rows []map[string]any
	for r.Scan() {
		native, err := r.Read()
		require.NoError(t, err)
		rows = append(rows, native.(map[string]any))
	}
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0]["msg"])
	assert.Equal(t, int64(2), rows[1]["count"])
}

func TestNDJSONToAvro_SchemaMismatch(t *testing.T) {
	_, err := NDJSONToAvro([]byte(`{"unrelated":true}`+"\n"), avroSchema, core.Compression{Type: core.CompressionNone})
	require.Error(t, err)
}

const parquetSchema = `{"fields":[
  {"name":"msg","type":"string"},
  {"name":"count","type":"int64"},
  {"name":"ratio","type":"double"},
  {"name":"ok","type":"bool"}
]}`

func TestNDJSONToParquet_ProducesParquetFile(t *testing.T) {
	raw := []byte(`{"msg":"a","count":3,"ratio":0.5,"ok":true}` + "\n" +
		`{"msg":"b","count":4}` + "\n")

	out, err := NDJSONToParquet(raw, parquetSchema, core.Compression{Type: core.CompressionZstd, Level: 3})
	require.NoError(t, err)
	require.True(t, len(out) > 8)

	// PAR1 magic frames every parquet file.
	assert.Equal(t, []byte("PAR1"), out[:4])
	assert.Equal(t, []byte("PAR1"), out[len(out)-4:])
}

func TestNDJSONToParquet_RejectsBadValues(t *testing.T) {
	_, err := NDJSONToParquet([]byte(`{"count":"not a number"}`+"\n"), parquetSchema, core.Compression{Type: core.CompressionNone})
	require.Error(t, err)

	_, err = NDJSONToParquet([]byte(`{"count":1.5}`+"\n"), parquetSchema, core.Compression{Type: core.CompressionNone})
	require.Error(t, err, "fractional value must not coerce to int64")
}

func TestEncodeFromNDJSON_Dispatch(t *testing.T) {
	raw := []byte(`{"i":1}`)

	out, err := EncodeFromNDJSON(core.Encoding{Type: core.EncodingNDJSON}, core.Compression{}, raw)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"i":1}`+"\n"), out)

	out, err = EncodeFromNDJSON(core.Encoding{Type: core.EncodingJSON}, core.Compression{}, raw)
	require.NoError(t, err)
	var arr []map[string]any
	require.NoError(t, json.Unmarshal(out, &arr))
	require.Len(t, arr, 1)
}
