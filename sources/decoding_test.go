package sources

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDecoder_ResolveCompression(t *testing.T) {
	auto := Decoder{Compression: ComprAuto}

	// Explicit config wins over everything.
	fixed := Decoder{Compression: ComprZstd}
	assert.Equal(t, ComprZstd, fixed.ResolveCompression("gzip", "x.gz", nil))

	// Transport metadata.
	assert.Equal(t, ComprGzip, auto.ResolveCompression("Content-Encoding: gzip", "", nil))
	assert.Equal(t, ComprZstd, auto.ResolveCompression("zstd", "", nil))
	assert.Equal(t, ComprNone, auto.ResolveCompression("identity", "", []byte{0x1f, 0x8b}))

	// Filename.
	assert.Equal(t, ComprGzip, auto.ResolveCompression("", "batch.ndjson.gz", nil))
	assert.Equal(t, ComprZstd, auto.ResolveCompression("", "batch.zst", nil))

	// Magic bytes.
	assert.Equal(t, ComprGzip, auto.ResolveCompression("", "", []byte{0x1f, 0x8b, 0x08}))
	assert.Equal(t, ComprZstd, auto.ResolveCompression("", "", []byte{0x28, 0xB5, 0x2F, 0xFD}))
	assert.Equal(t, ComprNone, auto.ResolveCompression("", "", []byte("{\"a\":1}")))
}

func TestDecoder_ResolveFormat(t *testing.T) {
	auto := Decoder{Format: FormatAuto}

	assert.Equal(t, FormatJSON, auto.ResolveFormat([]byte(`  {"a":1}`)))
	assert.Equal(t, FormatJSONArray, auto.ResolveFormat([]byte(`[1,2]`)))
	assert.Equal(t, FormatNDJSON, auto.ResolveFormat([]byte(`"quoted"`)))
	assert.Equal(t, FormatNDJSON, auto.ResolveFormat([]byte(`42`)))
	assert.Equal(t, FormatText, auto.ResolveFormat([]byte(`plain old line`)))
	assert.Equal(t, FormatText, auto.ResolveFormat([]byte("   \n  ")))
	assert.Equal(t, FormatMsgpack, auto.ResolveFormat([]byte{0x81, 0xa1, 0x61, 0x01}))

	fixed := Decoder{Format: FormatText}
	assert.Equal(t, FormatText, fixed.ResolveFormat([]byte(`{"a":1}`)))
}

func TestDecoder_NormalizeNDJSONAndText(t *testing.T) {
	d := Decoder{Format: FormatAuto, Compression: ComprAuto, Logger: zerolog.Nop()}

	assert.Equal(t, []byte("{\"a\":1}\n"), d.Normalize([]byte(`{"a":1}`), "", ""))
	assert.Equal(t, []byte("raw text\n"), d.Normalize([]byte("raw text"), "", ""))
	assert.Equal(t, []byte("kept\n"), d.Normalize([]byte("kept\n"), "", ""))
}

func TestDecoder_NormalizeJSONArrayFansOut(t *testing.T) {
	d := Decoder{Format: FormatAuto, Compression: ComprAuto, Logger: zerolog.Nop()}

	out := d.Normalize([]byte(`[{"i":1},{"i":2}]`), "", "")
	assert.Equal(t, "{\"i\":1}\n{\"i\":2}\n", string(out))
}

func TestDecoder_NormalizeGzip(t *testing.T) {
	d := Decoder{Format: FormatAuto, Compression: ComprAuto, Logger: zerolog.Nop()}

	out := d.Normalize(gzipBytes(t, []byte(`{"z":true}`)), "", "")
	assert.Equal(t, "{\"z\":true}\n", string(out))
}

func TestDecoder_NormalizeMsgpack(t *testing.T) {
	d := Decoder{Format: FormatMsgpack, Compression: ComprNone, Logger: zerolog.Nop()}

	packed, err := msgpack.Marshal(map[string]any{"m": "v"})
	require.NoError(t, err)

	out := d.Normalize(packed, "", "")
	assert.JSONEq(t, `{"m":"v"}`, string(bytes.TrimRight(out, "\n")))
}

func TestDecoder_MalformedInputFallsBackToText(t *testing.T) {
	d := Decoder{Format: FormatJSON, Compression: ComprNone, Logger: zerolog.Nop()}

	// Declared JSON but not parseable: single text line, never an error.
	out := d.Normalize([]byte("{broken"), "", "")
	assert.Equal(t, "{broken\n", string(out))

	// Declared gzip but garbage: text fallback of the raw bytes.
	dg := Decoder{Format: FormatAuto, Compression: ComprGzip, Logger: zerolog.Nop()}
	out = dg.Normalize([]byte("not gzip"), "", "")
	assert.Equal(t, "not gzip\n", string(out))
}

func TestSplitLines(t *testing.T) {
	frames := SplitLines([]byte("a\nb\nc"))
	require.Len(t, frames, 3)
	assert.Equal(t, "a\n", string(frames[0]))
	assert.Equal(t, "b\n", string(frames[1]))
	assert.Equal(t, "c\n", string(frames[2]), "partial tail gains a newline")

	assert.Empty(t, SplitLines(nil))
}

func TestChunkSlices(t *testing.T) {
	// 4 lines of 4 bytes with an 8-byte cap: two lines per chunk.
	buf := []byte("aaa\nbbb\nccc\nddd\n")
	chunks := ChunkSlices(buf, 8)
	require.Len(t, chunks, 2)
	assert.Equal(t, "aaa\nbbb\n", string(chunks[0]))
	assert.Equal(t, "ccc\nddd\n", string(chunks[1]))

	// An oversized line rides alone without splitting.
	buf = []byte("aaa\n0123456789ABCDEF\nbbb\n")
	chunks = ChunkSlices(buf, 8)
	require.Len(t, chunks, 3)
	assert.Equal(t, "aaa\n", string(chunks[0]))
	assert.Equal(t, "0123456789ABCDEF\n", string(chunks[1]))
	assert.Equal(t, "bbb\n", string(chunks[2]))

	// Everything fits in one chunk.
	chunks = ChunkSlices([]byte("x\n"), 1024)
	require.Len(t, chunks, 1)
}
