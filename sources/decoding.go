// Package sources contains the ingest adapters and the decoding layer that
// normalizes their bytes to NDJSON before anything enters the pipeline.
package sources

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Format names the payload shapes a source may declare or auto-detect.
type Format string

const (
	FormatAuto      Format = "auto"
	FormatNDJSON    Format = "ndjson"
	FormatJSON      Format = "json"
	FormatJSONArray Format = "json-array"
	FormatMsgpack   Format = "msgpack"
	FormatText      Format = "text"
)

// Compr names the transport compressions a source may declare or detect.
type Compr string

const (
	ComprAuto Compr = "auto"
	ComprNone Compr = "none"
	ComprGzip Compr = "gzip"
	ComprZstd Compr = "zstd"
)

// Decoder normalizes one source's bytes to NDJSON. Decode errors never
// poison the pipeline: bad input falls back to a single text line.
type Decoder struct {
	Format      Format
	Compression Compr
	Logger      zerolog.Logger
}

// ResolveCompression picks the transport compression from config, transport
// metadata (e.g. Content-Encoding), the filename, and the payload's magic
// bytes, in that order.
func (d Decoder) ResolveCompression(meta, filename string, sniff []byte) Compr {
	if d.Compression != ComprAuto && d.Compression != "" {
		return d.Compression
	}

	if meta != "" {
		enc := strings.ToLower(meta)
		switch {
		case strings.Contains(enc, "gzip"):
			return ComprGzip
		case strings.Contains(enc, "zstd"), strings.Contains(enc, "zst"):
			return ComprZstd
		case strings.Contains(enc, "identity"), strings.Contains(enc, "none"):
			return ComprNone
		}
	}

	if filename != "" {
		n := strings.ToLower(filename)
		switch {
		case strings.HasSuffix(n, ".gz"), strings.HasSuffix(n, ".gzip"):
			return ComprGzip
		case strings.HasSuffix(n, ".zst"), strings.HasSuffix(n, ".zstd"):
			return ComprZstd
		}
	}

	if isGzip(sniff) {
		return ComprGzip
	}
	if isZstd(sniff) {
		return ComprZstd
	}
	return ComprNone
}

// ResolveFormat picks the payload format, probing the first significant byte
// when the config says auto.
func (d Decoder) ResolveFormat(data []byte) Format {
	if d.Format != FormatAuto && d.Format != "" {
		return d.Format
	}

	i := 0
	for i < len(data) && (data[i] == ' ' || data[i] == '\t' || data[i] == '\r' || data[i] == '\n') {
		i++
	}
	if i >= len(data) {
		return FormatText
	}

	switch b := data[i]; {
	case b == '{':
		return FormatJSON
	case b == '[':
		return FormatJSONArray
	case b == '"' || b == '-' || (b >= '0' && b <= '9') || b == 't' || b == 'f' || b == 'n':
		return FormatNDJSON
	case likelyMsgpackPrefix(b):
		return FormatMsgpack
	}
	return FormatText
}

// Decompress inflates data per the resolved compression.
func Decompress(comp Compr, data []byte) ([]byte, error) {
	switch comp {
	case ComprGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return out, nil
	case ComprZstd:
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return out, nil
	default:
		return data, nil
	}
}

// Normalize turns one raw payload into NDJSON, resolving compression and
// format along the way. meta is transport metadata such as Content-Encoding.
func (d Decoder) Normalize(raw []byte, meta, filename string) []byte {
	sniff := raw
	if len(sniff) > 8 {
		sniff = sniff[:8]
	}

	comp := d.ResolveCompression(meta, filename, sniff)
	data, err := Decompress(comp, raw)
	if err != nil {
		d.Logger.Warn().Err(err).Msg("decompression failed; treating payload as text")
		return asTextLine(raw)
	}

	switch d.ResolveFormat(data) {
	case FormatNDJSON, FormatText:
		return asTextLine(data)

	case FormatJSON, FormatJSONArray:
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			d.Logger.Warn().Err(err).Msg("JSON parse failed; falling back to text")
			return asTextLine(data)
		}
		return jsonToNDJSON(v)

	case FormatMsgpack:
		out, err := msgpackToNDJSON(data)
		if err != nil {
			d.Logger.Warn().Err(err).Msg("MsgPack decode failed; falling back to text")
			return asTextLine(data)
		}
		return out
	}
	return asTextLine(data)
}

func asTextLine(data []byte) []byte {
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return data
	}
	return append(data, '\n')
}

// jsonToNDJSON flattens a decoded JSON value: arrays become one line per
// element, everything else a single line.
func jsonToNDJSON(v any) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf) // Encode appends the newline
	if arr, ok := v.([]any); ok {
		for _, el := range arr {
			_ = enc.Encode(el)
		}
		return buf.Bytes()
	}
	_ = enc.Encode(v)
	return buf.Bytes()
}

func msgpackToNDJSON(data []byte) ([]byte, error) {
	var v any
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return jsonToNDJSON(jsonSafe(v)), nil
}

// jsonSafe rewrites msgpack's interface-keyed maps into string-keyed ones so
// the value survives json encoding.
func jsonSafe(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = jsonSafe(val)
		}
		return out
	case map[string]any:
		for k, val := range t {
			t[k] = jsonSafe(val)
		}
		return t
	case []any:
		for i, el := range t {
			t[i] = jsonSafe(el)
		}
		return t
	default:
		return v
	}
}

// SplitLines cuts an NDJSON buffer into per-line frames, newline included.
// A trailing partial line is returned as its own frame with a newline added.
func SplitLines(buf []byte) [][]byte {
	var frames [][]byte
	for len(buf) > 0 {
		nl := bytes.IndexByte(buf, '\n')
		if nl < 0 {
			frames = append(frames, append(append([]byte(nil), buf...), '\n'))
			break
		}
		frames = append(frames, append([]byte(nil), buf[:nl+1]...))
		buf = buf[nl+1:]
	}
	return frames
}

// ChunkSlices groups an NDJSON buffer into frames of at most maxChunk bytes
// without splitting lines; a lone oversized line becomes its own frame.
func ChunkSlices(buf []byte, maxChunk int) [][]byte {
	var chunks [][]byte
	start := 0
	size := 0

	for pos := 0; pos < len(buf); {
		nl := bytes.IndexByte(buf[pos:], '\n')
		end := len(buf)
		if nl >= 0 {
			end = pos + nl + 1
		}
		lineLen := end - pos

		if lineLen > maxChunk && size == 0 {
			chunks = append(chunks, append([]byte(nil), buf[pos:end]...))
			start = end
		} else {
			if size > 0 && size+lineLen > maxChunk {
				chunks = append(chunks, append([]byte(nil), buf[start:pos]...))
				start = pos
				size = 0
			}
			size += lineLen
		}
		pos = end
	}

	if start < len(buf) {
		chunks = append(chunks, append([]byte(nil), buf[start:]...))
	}
	return chunks
}

func isGzip(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}

func isZstd(b []byte) bool {
	return len(b) >= 4 && b[0] == 0x28 && b[1] == 0xB5 && b[2] == 0x2F && b[3] == 0xFD
}

func likelyMsgpackPrefix(b byte) bool {
	switch b {
	case 0xc4, 0xc5, 0xc6, 0xd9, 0xda, 0xdb, 0xdc, 0xdd, 0xde, 0xdf:
		return true
	}
	return (b >= 0x80 && b <= 0xbf)
}
