package sinks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/linkedin/goavro/v2"
	"github.com/parquet-go/parquet-go"

	"github.com/willibrandon/tideflow/core"
)

// EnsureTrailingNewline returns raw with a terminating newline appended if
// missing.
func EnsureTrailingNewline(raw []byte) []byte {
	if len(raw) == 0 || raw[len(raw)-1] == '\n' {
		return raw
	}
	return append(raw, '\n')
}

// ndjsonLines iterates the non-empty lines of an NDJSON buffer.
func ndjsonLines(raw []byte) [][]byte {
	var lines [][]byte
	for _, line := range bytes.Split(raw, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// NDJSONToJSONArray re-encodes an NDJSON buffer as one JSON array.
func NDJSONToJSONArray(raw []byte) ([]byte, error) {
	values := make([]json.RawMessage, 0, 64)
	for i, line := range ndjsonLines(raw) {
		if !json.Valid(line) {
			return nil, fmt.Errorf("line %d is not valid JSON", i)
		}
		values = append(values, json.RawMessage(line))
	}
	return json.Marshal(values)
}

// NDJSONToAvro writes an NDJSON buffer as an Avro object container file
// using the sink's schema. The container codec follows the sink compression:
// deflate for gzip, snappy for zstd (the OCF format has no zstd codec),
// null otherwise.
func NDJSONToAvro(raw []byte, schema string, comp core.Compression) ([]byte, error) {
	codec, err := goavro.NewCodec(schema)
	if err != nil {
		return nil, fmt.Errorf("parsing avro schema: %w", err)
	}

	var containerCodec string
	switch comp.Type {
	case core.CompressionGzip:
		containerCodec = "deflate"
	case core.CompressionZstd:
		containerCodec = "snappy"
	default:
		containerCodec = "null"
	}

	var buf bytes.Buffer
	w, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               &buf,
		Codec:           codec,
		CompressionName: containerCodec,
	})
	if err != nil {
		return nil, fmt.Errorf("creating avro writer: %w", err)
	}

	for i, line := range ndjsonLines(raw) {
		native, _, err := codec.NativeFromTextual(line)
		if err != nil {
			return nil, fmt.Errorf("line %d does not match avro schema: %w", i, err)
		}
		if err := w.Append([]any{native}); err != nil {
			return nil, fmt.Errorf("appending line %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// parquetFields is the declared shape of a parquet sink's schema: an ordered
// field list with leaf types string|int64|double|bool.
type parquetFields struct {
	Fields []parquetField `json:"fields"`
}

type parquetField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// NDJSONToParquet writes an NDJSON buffer as a parquet file with the sink's
// declared schema. Fields are optional; absent keys write nulls.
func NDJSONToParquet(raw []byte, schemaJSON string, comp core.Compression) ([]byte, error) {
	var decl parquetFields
	if err := json.Unmarshal([]byte(schemaJSON), &decl); err != nil {
		return nil, fmt.Errorf("parsing parquet schema: %w", err)
	}
	if len(decl.Fields) == 0 {
		return nil, fmt.Errorf("parquet schema declares no fields")
	}

	group := parquet.Group{}
	for _, f := range decl.Fields {
		var leaf parquet.Node
		switch f.Type {
		case "string":
			leaf = parquet.String()
		case "int64":
			leaf = parquet.Int(64)
		case "double":
			leaf = parquet.Leaf(parquet.DoubleType)
		case "bool":
			leaf = parquet.Leaf(parquet.BooleanType)
		default:
			return nil, fmt.Errorf("field %q: unsupported type %q", f.Name, f.Type)
		}
		group[f.Name] = parquet.Optional(leaf)
	}
	schema := parquet.NewSchema("event", group)

	var codec parquet.WriterOption
	switch comp.Type {
	case core.CompressionGzip:
		codec = parquet.Compression(&parquet.Gzip)
	case core.CompressionZstd:
		codec = parquet.Compression(&parquet.Zstd)
	default:
		codec = parquet.Compression(&parquet.Uncompressed)
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[map[string]any](&buf, schema, codec)

	rows := make([]map[string]any, 0, 64)
	for i, line := range ndjsonLines(raw) {
		var obj map[string]any
		if err := json.Unmarshal(line, &obj); err != nil {
			return nil, fmt.Errorf("line %d is not a JSON object: %w", i, err)
		}
		row := make(map[string]any, len(decl.Fields))
		for _, f := range decl.Fields {
			v, ok := obj[f.Name]
			if !ok || v == nil {
				continue
			}
			cv, err := coerceParquetValue(f, v)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", i, err)
			}
			row[f.Name] = cv
		}
		rows = append(rows, row)
	}

	if _, err := w.Write(rows); err != nil {
		return nil, fmt.Errorf("writing parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// coerceParquetValue maps decoded JSON values onto the declared leaf type.
func coerceParquetValue(f parquetField, v any) (any, error) {
	switch f.Type {
	case "string":
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("field %q: expected string, got %T", f.Name, v)
		}
		return s, nil
	case "int64":
		n, ok := v.(float64)
		if !ok || n != math.Trunc(n) {
			return nil, fmt.Errorf("field %q: expected integer, got %v", f.Name, v)
		}
		return int64(n), nil
	case "double":
		n, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("field %q: expected number, got %T", f.Name, v)
		}
		return n, nil
	case "bool":
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("field %q: expected bool, got %T", f.Name, v)
		}
		return b, nil
	}
	return nil, fmt.Errorf("field %q: unsupported type %q", f.Name, f.Type)
}

// EncodeFromNDJSON produces the wire format a sink's encoding declares from
// an NDJSON buffer.
func EncodeFromNDJSON(enc core.Encoding, comp core.Compression, raw []byte) ([]byte, error) {
	switch enc.Type {
	case core.EncodingJSON:
		return NDJSONToJSONArray(raw)
	case core.EncodingAvro:
		return NDJSONToAvro(raw, enc.Schema, comp)
	case core.EncodingParquet:
		return NDJSONToParquet(raw, enc.Schema, comp)
	default:
		return EnsureTrailingNewline(raw), nil
	}
}
