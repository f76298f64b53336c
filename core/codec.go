package core

// EncodingType names the wire format a sink emits.
type EncodingType string

const (
	EncodingNDJSON  EncodingType = "ndjson"
	EncodingJSON    EncodingType = "json"
	EncodingAvro    EncodingType = "avro"
	EncodingParquet EncodingType = "parquet"
)

// Encoding is a sink's configured output format. Schema carries the Avro
// schema JSON or the Parquet field declaration, depending on Type.
type Encoding struct {
	Type   EncodingType
	Schema string
}

// ContentType returns the MIME type attached to uploaded objects.
func (e Encoding) ContentType() string {
	switch e.Type {
	case EncodingJSON:
		return "application/json"
	case EncodingAvro:
		return "application/avro"
	case EncodingParquet:
		return "application/vnd.apache.parquet"
	default:
		return "application/x-ndjson"
	}
}

// Extension returns the object-key suffix for the format, including the dot.
func (e Encoding) Extension() string {
	switch e.Type {
	case EncodingJSON:
		return ".json"
	case EncodingAvro:
		return ".avro"
	case EncodingParquet:
		return ".parquet"
	default:
		return ".ndjson"
	}
}

// Container reports whether the format carries its compression internally.
// Container formats take the configured codec inside the file; only line
// formats get an outer compression wrapper and extension.
func (e Encoding) Container() bool {
	return e.Type == EncodingAvro || e.Type == EncodingParquet
}

// CompressionType names the codec applied to sealed segments.
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
	CompressionZstd CompressionType = "zstd"
)

// Compression is a sink's configured compression choice.
type Compression struct {
	Type  CompressionType
	Level int
}

// Extension returns the object-key suffix for the codec, or "" for none.
func (c Compression) Extension() string {
	switch c.Type {
	case CompressionGzip:
		return ".gz"
	case CompressionZstd:
		return ".zst"
	default:
		return ""
	}
}

// ContentEncoding returns the Content-Encoding header value, or "" when the
// header should be omitted.
func (c Compression) ContentEncoding() string {
	switch c.Type {
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	default:
		return ""
	}
}

// DefaultGzipLevel and DefaultZstdLevel match the levels used when a config
// names a codec without a level.
const (
	DefaultGzipLevel = 6
	DefaultZstdLevel = 3
)
