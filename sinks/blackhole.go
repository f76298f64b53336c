package sinks

import (
	"context"

	"github.com/willibrandon/tideflow/core"
	"github.com/willibrandon/tideflow/metrics"
)

// BlackholeDriver counts and discards. Useful for benchmarking the pipeline
// without a real destination.
type BlackholeDriver struct {
	metrics *metrics.Metrics
}

// NewBlackholeDriver returns a counting discard sink.
func NewBlackholeDriver(m *metrics.Metrics) *BlackholeDriver {
	return &BlackholeDriver{metrics: m}
}

func (d *BlackholeDriver) Write(ctx context.Context, req core.SinkWrite) error {
	d.metrics.SinkObjects.Inc()
	d.metrics.SinkBytes.Add(float64(len(req.Payload)))
	d.metrics.SinkBytesUncompressed.Add(float64(len(req.Payload)))
	return nil
}

func (d *BlackholeDriver) Flush(ctx context.Context) error { return nil }
