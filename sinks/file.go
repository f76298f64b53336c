package sinks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/willibrandon/tideflow/core"
)

// FileDriver appends payloads to one local file. Durable placement is the
// append itself; Flush forces the data to disk.
type FileDriver struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// NewFileDriver opens (or creates) the target file in append mode.
func NewFileDriver(path string) (*FileDriver, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating sink directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening sink file: %w", err)
	}
	return &FileDriver{path: path, file: f}, nil
}

// Path returns the sink's target file.
func (d *FileDriver) Path() string { return d.path }

func (d *FileDriver) Write(ctx context.Context, req core.SinkWrite) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.file.Write(req.Payload)
	return err
}

func (d *FileDriver) Flush(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file.Sync()
}

// Close syncs and releases the file.
func (d *FileDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.file.Sync(); err != nil {
		return err
	}
	return d.file.Close()
}
