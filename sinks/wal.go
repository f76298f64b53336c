// Package sinks contains the sink manager, the durable staging store, and
// the drivers that place payloads at their final destinations.
package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/willibrandon/tideflow/core"
	"github.com/willibrandon/tideflow/metrics"
)

// ErrNoDestination is returned when a staged write carries no object-store
// identity.
var ErrNoDestination = errors.New("durable sink requires a destination (bucket/prefix)")

// DurableOptions configures a DurableSink.
type DurableOptions struct {
	// Dir is the staging directory for segments and sidecars.
	Dir string

	// MaxInflight bounds this sink's concurrent uploads.
	MaxInflight int

	// MaxFileSize is the advisory segment rotation threshold in bytes.
	MaxFileSize int

	// MaxFileAge bounds how long a partial segment stays open.
	MaxFileAge time.Duration

	Compression core.Compression
	Encoding    core.Encoding

	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// DurableSink decouples record acceptance from remote upload. Writes append
// to per-route local segment files; sealed segments upload in the background
// with bounded concurrency; leftovers replay after a crash.
type DurableSink struct {
	inner core.WALSink
	opts  DurableOptions

	mu     sync.Mutex
	routes map[core.RouteKey]*routeState

	inflight atomic.Int64
	uploads  sync.WaitGroup
	sem      *semaphore.Weighted

	// active tracks sealed paths with an upload in progress so a flush-time
	// rescan does not double-spawn them. counted tracks paths sealed during
	// this run: only those touch the pending gauges and success counters, so
	// restart leftovers never double-count against their earlier seal.
	activeMu sync.Mutex
	active   map[string]struct{}
	counted  map[string]struct{}

	rotatorStop chan struct{}
	rotatorDone chan struct{}
	stopOnce    sync.Once

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

type routeState struct {
	cur      *segment
	dest     core.Destination
	lastUsed time.Time
}

type segment struct {
	path      string // the open .bin file
	file      *os.File
	bytes     int
	createdAt time.Time
}

// walMeta is the JSON sidecar written before a segment's first byte. It
// carries everything an upload needs so leftovers survive config changes.
type walMeta struct {
	BucketName       string `json:"bucket_name"`
	KeyPrefix        string `json:"key_prefix,omitempty"`
	Encoding         string `json:"encoding"`
	Schema           string `json:"schema,omitempty"`
	Compression      string `json:"compression"`
	CompressionLevel int    `json:"compression_level,omitempty"`
}

// NewDurableSink wraps inner with the staging store rooted at opts.Dir,
// replays leftovers from a previous run, and starts the periodic rotator.
func NewDurableSink(ctx context.Context, inner core.WALSink, opts DurableOptions) (*DurableSink, error) {
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 16
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = 128 * 1024 * 1024
	}
	if opts.MaxFileAge <= 0 {
		opts.MaxFileAge = time.Minute
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging dir: %w", err)
	}

	s := &DurableSink{
		inner:       inner,
		opts:        opts,
		routes:      make(map[core.RouteKey]*routeState),
		sem:         semaphore.NewWeighted(int64(opts.MaxInflight)),
		active:      make(map[string]struct{}),
		counted:     make(map[string]struct{}),
		rotatorStop: make(chan struct{}),
		rotatorDone: make(chan struct{}),
		metrics:     opts.Metrics,
		logger:      opts.Logger.With().Str("component", "wal").Str("dir", opts.Dir).Logger(),
	}

	s.recoverOpenSegments()
	s.retryLeftovers(ctx)

	go s.runRotator(ctx)
	return s, nil
}

// Write appends the payload to the route's current segment, rotating first
// when it would overflow. The payload is never fragmented: an oversized
// payload lands whole in a fresh segment (sizing is advisory).
func (s *DurableSink) Write(ctx context.Context, req core.SinkWrite) error {
	if req.Dest == nil {
		return ErrNoDestination
	}
	rkey := core.RouteKey{Sink: req.SinkName, Prefix: req.Dest.KeyPrefix}

	for {
		s.mu.Lock()
		rs := s.routes[rkey]
		if rs == nil {
			s.mu.Unlock()
			if err := s.createRoute(rkey, *req.Dest); err != nil {
				return err
			}
			continue
		}
		if rs.cur.bytes+len(req.Payload) <= s.opts.MaxFileSize || rs.cur.bytes == 0 {
			_, err := rs.cur.file.Write(req.Payload)
			if err == nil {
				rs.cur.bytes += len(req.Payload)
				rs.lastUsed = time.Now()
			}
			s.mu.Unlock()
			return err
		}
		s.mu.Unlock()

		if err := s.rotateRoute(ctx, rkey); err != nil {
			return err
		}
	}
}

// createRoute opens the route's first segment. The segment is created
// outside the lock; a racing creator wins and the loser's files are removed.
func (s *DurableSink) createRoute(rkey core.RouteKey, dest core.Destination) error {
	cur, err := s.openSegment(dest)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.routes[rkey]; !exists {
		// TODO: enforce a max_open_routes bound and evict by lastUsed.
		s.routes[rkey] = &routeState{cur: cur, dest: dest, lastUsed: time.Now()}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	_ = cur.file.Close()
	_ = os.Remove(cur.path)
	_ = os.Remove(metaPathFor(cur.path))
	return nil
}

// openSegment generates a fresh time-sortable base id, writes the meta
// sidecar atomically, then creates the .bin exclusively. The sidecar exists
// before the segment's first byte.
func (s *DurableSink) openSegment(dest core.Destination) (*segment, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating segment id: %w", err)
	}
	base := filepath.Join(s.opts.Dir, id.String())

	meta := walMeta{
		BucketName:       dest.Bucket,
		KeyPrefix:        dest.KeyPrefix,
		Encoding:         string(s.opts.Encoding.Type),
		Schema:           s.opts.Encoding.Schema,
		Compression:      string(s.opts.Compression.Type),
		CompressionLevel: s.opts.Compression.Level,
	}
	if err := writeMetaAtomic(base+".meta", meta); err != nil {
		return nil, err
	}

	binPath := base + ".bin"
	f, err := os.OpenFile(binPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating segment %s: %w", binPath, err)
	}
	return &segment{path: binPath, file: f, createdAt: time.Now()}, nil
}

// rotateRoute seals the route's current segment and starts its upload. A
// route with an empty segment is left alone.
func (s *DurableSink) rotateRoute(ctx context.Context, rkey core.RouteKey) error {
	s.mu.Lock()
	rs := s.routes[rkey]
	if rs == nil {
		s.mu.Unlock()
		return fmt.Errorf("route %s missing", rkey)
	}
	if rs.cur.bytes == 0 {
		s.mu.Unlock()
		return nil
	}

	if err := rs.cur.file.Sync(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("fsync segment: %w", err)
	}
	if err := rs.cur.file.Close(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("closing segment: %w", err)
	}

	sealed := rs.cur.path + ".sealed"
	if err := os.Rename(rs.cur.path, sealed); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("sealing segment: %w", err)
	}
	sealedBytes := int64(rs.cur.bytes)
	dest := rs.dest

	next, err := s.openSegment(dest)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	rs.cur = next
	s.mu.Unlock()

	s.metrics.WALSealedFiles.Inc()
	s.metrics.WALSealedBytes.Add(float64(sealedBytes))
	s.metrics.WALPendingFiles.Inc()
	s.metrics.WALPendingBytes.Add(float64(sealedBytes))
	s.activeMu.Lock()
	s.counted[sealed] = struct{}{}
	s.activeMu.Unlock()

	s.spawnUpload(ctx, sealed, sealedBytes, dest)
	return nil
}

// runRotator drives age-based rotation. The tick is a quarter of the age
// bound, floored at 250ms.
func (s *DurableSink) runRotator(ctx context.Context) {
	defer close(s.rotatorDone)

	tick := s.opts.MaxFileAge / 4
	if tick < 250*time.Millisecond {
		tick = 250 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.rotatorStop:
			return
		case <-ticker.C:
			var due []core.RouteKey
			s.mu.Lock()
			for k, rs := range s.routes {
				if rs.cur.bytes > 0 && time.Since(rs.cur.createdAt) >= s.opts.MaxFileAge {
					due = append(due, k)
				}
			}
			s.mu.Unlock()

			for _, k := range due {
				if err := s.rotateRoute(ctx, k); err != nil {
					s.logger.Warn().Err(err).Str("route", k.String()).Msg("age rotation failed")
				}
			}
		}
	}
}

// spawnUpload acquires an in-flight slot (backpressuring rotation when
// saturated) and uploads the sealed file in the background.
func (s *DurableSink) spawnUpload(ctx context.Context, sealedPath string, origSize int64, dest core.Destination) {
	s.activeMu.Lock()
	if _, busy := s.active[sealedPath]; busy {
		s.activeMu.Unlock()
		return
	}
	s.active[sealedPath] = struct{}{}
	s.activeMu.Unlock()

	release := func() {
		s.activeMu.Lock()
		delete(s.active, sealedPath)
		s.activeMu.Unlock()
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		release()
		return
	}
	s.inflight.Add(1)
	s.uploads.Add(1)

	go func() {
		defer s.uploads.Done()
		defer s.inflight.Add(-1)
		defer s.sem.Release(1)
		defer release()

		if err := s.uploadSealed(ctx, sealedPath, origSize, dest); err != nil {
			// Leave every file in place; the next flush or restart retries.
			s.logger.Warn().Err(err).Str("sealed", sealedPath).Msg("upload failed")
		}
	}()
}

// uploadSealed produces the upload artifact (encoding and compressing as
// configured), hands it to the driver, and removes the segment's files on
// success. Leftovers retried after restart suppress the success counters to
// avoid double-counting against their earlier seal.
func (s *DurableSink) uploadSealed(ctx context.Context, sealedPath string, origSize int64, dest core.Destination) error {
	meta, err := readMeta(metaPathFor(sealedPath))
	if err != nil {
		// Fall back to the route's in-memory identity.
		meta = walMeta{
			BucketName:       dest.Bucket,
			KeyPrefix:        dest.KeyPrefix,
			Encoding:         string(s.opts.Encoding.Type),
			Schema:           s.opts.Encoding.Schema,
			Compression:      string(s.opts.Compression.Type),
			CompressionLevel: s.opts.Compression.Level,
		}
	}
	enc := core.Encoding{Type: core.EncodingType(meta.Encoding), Schema: meta.Schema}
	comp := core.Compression{Type: core.CompressionType(meta.Compression), Level: meta.CompressionLevel}
	uploadDest := core.Destination{Bucket: meta.BucketName, KeyPrefix: meta.KeyPrefix}

	uploadPath, uploadSize, err := s.buildArtifact(sealedPath, origSize, enc, comp)
	if err != nil {
		return err
	}

	if err := s.inner.WritePath(ctx, uploadPath, enc, comp, uploadDest); err != nil {
		return err
	}

	if uploadPath != sealedPath {
		_ = os.Remove(uploadPath)
	}
	_ = os.Remove(sealedPath)
	_ = os.Remove(metaPathFor(sealedPath))

	s.activeMu.Lock()
	_, incrMetrics := s.counted[sealedPath]
	delete(s.counted, sealedPath)
	s.activeMu.Unlock()

	if incrMetrics {
		s.metrics.SinkObjects.Inc()
		s.metrics.SinkBytes.Add(float64(uploadSize))
		s.metrics.SinkBytesUncompressed.Add(float64(origSize))
		s.metrics.WALPendingFiles.Dec()
		s.metrics.WALPendingBytes.Sub(float64(origSize))
	}
	s.logger.Debug().Int64("bytes", uploadSize).Str("sealed", sealedPath).Msg("segment uploaded and removed")
	return nil
}

// buildArtifact materializes the wire-format file for a sealed segment.
// Segments always hold NDJSON; other encodings are produced here, then the
// compression codec is applied. The artifact lands next to the sealed file
// under its final name via a temp rename.
func (s *DurableSink) buildArtifact(sealedPath string, origSize int64, enc core.Encoding, comp core.Compression) (string, int64, error) {
	// A sealed file that uploads verbatim needs no artifact.
	if enc.Type == core.EncodingNDJSON || enc.Type == "" {
		if comp.Type == core.CompressionNone || comp.Type == "" {
			return sealedPath, origSize, nil
		}
		dst := sealedPath + comp.Extension()
		size, err := compressFileTo(sealedPath, dst, comp)
		return dst, size, err
	}

	raw, err := os.ReadFile(sealedPath)
	if err != nil {
		return "", 0, fmt.Errorf("reading sealed segment: %w", err)
	}
	encoded, err := EncodeFromNDJSON(enc, comp, raw)
	if err != nil {
		return "", 0, fmt.Errorf("encoding segment: %w", err)
	}

	// Container formats already applied the codec internally; only line
	// formats get an outer compression wrapper.
	if enc.Container() {
		dst := sealedPath + ".enc"
		size, err := writeArtifact(dst, encoded, core.Compression{Type: core.CompressionNone})
		return dst, size, err
	}

	dst := sealedPath + ".enc"
	if comp.Type != core.CompressionNone && comp.Type != "" {
		dst = sealedPath + comp.Extension()
	}
	size, err := writeArtifact(dst, encoded, comp)
	return dst, size, err
}

// compressFileTo streams src through the configured codec into dst.
func compressFileTo(src, dst string, comp core.Compression) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	return streamArtifact(dst, comp, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}

// writeArtifact writes already-encoded bytes into dst through the codec.
func writeArtifact(dst string, data []byte, comp core.Compression) (int64, error) {
	return streamArtifact(dst, comp, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func streamArtifact(dst string, comp core.Compression, fill func(io.Writer) error) (int64, error) {
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}

	fail := func(err error) (int64, error) {
		_ = out.Close()
		_ = os.Remove(tmp)
		return 0, err
	}

	var w io.Writer = out
	var finish func() error
	switch comp.Type {
	case core.CompressionGzip:
		gz, err := gzip.NewWriterLevel(out, comp.Level)
		if err != nil {
			return fail(err)
		}
		w, finish = gz, gz.Close
	case core.CompressionZstd:
		zw, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(comp.Level)))
		if err != nil {
			return fail(err)
		}
		w, finish = zw, zw.Close
	}

	if err := fill(w); err != nil {
		return fail(err)
	}
	if finish != nil {
		if err := finish(); err != nil {
			return fail(err)
		}
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	st, err := os.Stat(dst)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// recoverOpenSegments handles .bin files a crash left open: empty ones are
// removed with their sidecars, partial ones are sealed for upload. Runs only
// at construction, before any route exists.
func (s *DurableSink) recoverOpenSegments() {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return
	}
	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasSuffix(name, ".bin") {
			continue
		}
		p := filepath.Join(s.opts.Dir, name)
		st, err := os.Stat(p)
		if err != nil {
			continue
		}
		if st.Size() == 0 {
			_ = os.Remove(p)
			_ = os.Remove(metaPathFor(p))
			continue
		}
		if err := os.Rename(p, p+".sealed"); err != nil {
			s.logger.Warn().Err(err).Str("segment", p).Msg("sealing leftover open segment failed")
			continue
		}
		s.logger.Info().Str("segment", p).Int64("bytes", st.Size()).Msg("sealed leftover open segment")
	}
}

// retryLeftovers scans the staging directory for sealed files and spawns an
// upload for each.
func (s *DurableSink) retryLeftovers(ctx context.Context) {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return
	}
	for _, ent := range entries {
		name := ent.Name()
		if !isSealedName(name) {
			continue
		}
		p := filepath.Join(s.opts.Dir, name)

		meta, err := readMeta(metaPathFor(p))
		if err != nil {
			s.logger.Warn().Err(err).Str("sealed", p).Msg("missing or corrupt meta sidecar; removing orphan")
			_ = os.Remove(p)
			continue
		}

		st, err := os.Stat(p)
		if err != nil {
			continue
		}
		s.spawnUpload(ctx, p, st.Size(), core.Destination{Bucket: meta.BucketName, KeyPrefix: meta.KeyPrefix})
	}
}

// Flush stops the rotator, seals every partial segment, and loops retrying
// leftovers until nothing is in flight and no sealed file remains.
func (s *DurableSink) Flush(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.rotatorStop) })
	<-s.rotatorDone

	s.mu.Lock()
	var keys []core.RouteKey
	for k, rs := range s.routes {
		if rs.cur.bytes > 0 {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()
	for _, k := range keys {
		if err := s.rotateRoute(ctx, k); err != nil {
			s.logger.Warn().Err(err).Str("route", k.String()).Msg("flush rotation failed")
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.retryLeftovers(ctx)
		s.uploads.Wait()

		if s.inflight.Load() == 0 && !s.hasSealedFiles() {
			return nil
		}

		// Something failed and stayed behind; pace the next attempt.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (s *DurableSink) hasSealedFiles() bool {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return false
	}
	for _, ent := range entries {
		if isSealedName(ent.Name()) {
			return true
		}
	}
	return false
}

// Inflight reports outstanding upload tasks.
func (s *DurableSink) Inflight() int64 { return s.inflight.Load() }

// BaseFor strips the staging suffixes (.gz/.zst/.enc, .sealed, .bin) from a
// segment-stage path, recovering the base id shared by all of a segment's
// files.
func BaseFor(path string) string {
	name := filepath.Base(path)
	for _, suffix := range []string{".gz", ".zst", ".enc"} {
		name = strings.TrimSuffix(name, suffix)
	}
	name = strings.TrimSuffix(name, ".sealed")
	name = strings.TrimSuffix(name, ".bin")
	return filepath.Join(filepath.Dir(path), name)
}

func metaPathFor(anyStagePath string) string {
	return BaseFor(anyStagePath) + ".meta"
}

func isSealedName(name string) bool {
	return strings.HasSuffix(name, ".bin.sealed") ||
		strings.HasSuffix(name, ".bin.sealed.gz") ||
		strings.HasSuffix(name, ".bin.sealed.zst")
}

// writeMetaAtomic writes the sidecar via temp file, fsync, rename.
func writeMetaAtomic(metaPath string, meta walMeta) error {
	tmp := metaPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating meta sidecar: %w", err)
	}
	data, err := json.Marshal(meta)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("writing meta sidecar: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("syncing meta sidecar: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, metaPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publishing meta sidecar: %w", err)
	}
	return nil
}

func readMeta(metaPath string) (walMeta, error) {
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return walMeta{}, err
	}
	var m walMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return walMeta{}, fmt.Errorf("decoding meta sidecar %s: %w", metaPath, err)
	}
	return m, nil
}
