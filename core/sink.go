package core

import "context"

// Destination is the object-store identity a payload is bound for. For file
// and blackhole sinks it is absent.
type Destination struct {
	Bucket    string
	KeyPrefix string
}

// SinkWrite is one payload handed to a sink together with its routing
// metadata.
type SinkWrite struct {
	SinkName string
	Payload  []byte
	Dest     *Destination
}

// Sink accepts payload blobs and reports success only after durable
// placement. Write must be safe for concurrent use.
type Sink interface {
	Write(ctx context.Context, req SinkWrite) error

	// Flush blocks until everything accepted so far is durably placed at the
	// final destination. Called once during shutdown.
	Flush(ctx context.Context) error
}

// WALSink uploads one sealed staging file to its final destination. It is
// the narrow contract between the durable staging store and a driver.
type WALSink interface {
	WritePath(ctx context.Context, path string, enc Encoding, comp Compression, dest Destination) error
}
