package sinks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/willibrandon/tideflow/core"
	"github.com/willibrandon/tideflow/metrics"
)

// flakySink fails the first N writes, then accepts. It records attempt
// timestamps so backoff growth is observable.
type flakySink struct {
	mu       sync.Mutex
	writes   [][]byte
	attempts []time.Time
	failures int
	flushed  atomic.Bool
}

func (f *flakySink) Write(ctx context.Context, req core.SinkWrite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, time.Now())
	if f.failures > 0 {
		f.failures--
		return errors.New("transient destination failure")
	}
	f.writes = append(f.writes, append([]byte(nil), req.Payload...))
	return nil
}

func (f *flakySink) Flush(ctx context.Context) error {
	f.flushed.Store(true)
	return nil
}

func (f *flakySink) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attempts)
}

func (f *flakySink) attemptGaps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	var gaps []time.Duration
	for i := 1; i < len(f.attempts); i++ {
		gaps = append(gaps, f.attempts[i].Sub(f.attempts[i-1]))
	}
	return gaps
}

type managerAck struct{ n atomic.Int64 }

func (a *managerAck) Ack(ctx context.Context) error { a.n.Add(1); return nil }

func newTestManager(t *testing.T, sinks map[string]Entry) (*Manager, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewNop()
	mgr := NewManager(context.Background(), sinks, ManagerOptions{
		Shards:        4,
		QueueCapacity: 64,
		Metrics:       m,
		Logger:        zerolog.Nop(),
	})
	return mgr, m
}

func TestManager_WriteAckAndDrain(t *testing.T) {
	sink := &flakySink{}
	mgr, m := newTestManager(t, map[string]Entry{
		"out": {Sink: sink, InFlightLimit: 4},
	})

	ack := &managerAck{}
	if err := mgr.Enqueue(context.Background(), "out", "", []byte("a\n"), []core.Ack{ack}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := mgr.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}

	if got := len(sink.writes); got != 1 {
		t.Fatalf("writes = %d, want 1", got)
	}
	if got := ack.n.Load(); got != 1 {
		t.Errorf("ack count = %d, want 1", got)
	}
	if !sink.flushed.Load() {
		t.Error("join did not flush the sink")
	}
	if got := testutil.ToFloat64(m.Inflight); got != 0 {
		t.Errorf("inflight gauge = %v, want 0 after drain", got)
	}
}

func TestManager_RetryWithBackoff(t *testing.T) {
	sink := &flakySink{failures: 3}
	mgr, _ := newTestManager(t, map[string]Entry{
		"out": {Sink: sink, InFlightLimit: 1},
	})

	ack := &managerAck{}
	if err := mgr.Enqueue(context.Background(), "out", "", []byte("retry\n"), []core.Ack{ack}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for ack.n.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if ack.n.Load() != 1 {
		t.Fatal("item never delivered despite sink recovery")
	}

	if got := sink.attemptCount(); got != 4 {
		t.Fatalf("attempts = %d, want 4 (3 failures + 1 success)", got)
	}

	// Base 50ms doubling: gaps ~50, ~100, ~200ms plus jitter. Verify growth.
	gaps := sink.attemptGaps()
	if len(gaps) != 3 {
		t.Fatalf("gaps = %d, want 3", len(gaps))
	}
	if gaps[0] < 45*time.Millisecond {
		t.Errorf("first backoff %v shorter than base delay", gaps[0])
	}
	if gaps[2] < gaps[0] {
		t.Errorf("backoff did not grow: %v", gaps)
	}

	_ = mgr.Join(context.Background())
}

func TestManager_UnknownSinkRejectedAtEnqueue(t *testing.T) {
	mgr, _ := newTestManager(t, map[string]Entry{
		"out": {Sink: &flakySink{}, InFlightLimit: 1},
	})
	defer func() { _ = mgr.Join(context.Background()) }()

	err := mgr.Enqueue(context.Background(), "nope", "", []byte("x\n"), nil)
	if err == nil {
		t.Fatal("expected error for unknown sink")
	}
}

func TestManager_ObjectStoreBucketOverlay(t *testing.T) {
	var got atomic.Pointer[core.Destination]
	captured := sinkFunc(func(ctx context.Context, req core.SinkWrite) error {
		got.Store(req.Dest)
		return nil
	})

	mgr, _ := newTestManager(t, map[string]Entry{
		"archive": {Sink: captured, Bucket: "my-bucket", InFlightLimit: 1},
	})

	if err := mgr.Enqueue(context.Background(), "archive", "app/logs", []byte("x\n"), nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := mgr.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}

	dest := got.Load()
	if dest == nil {
		t.Fatal("destination not overlaid")
	}
	if dest.Bucket != "my-bucket" || dest.KeyPrefix != "app/logs" {
		t.Errorf("dest = %+v", *dest)
	}
}

func TestManager_FanOutAckAcrossTwoSinks(t *testing.T) {
	// Scenario: every record goes to both an object-store-style sink and a
	// file-style sink; the upstream ack fires once, after both.
	slow := &blockingSink{release: make(chan struct{})}
	fast := &flakySink{}

	mgr, _ := newTestManager(t, map[string]Entry{
		"a": {Sink: slow, Bucket: "bkt", InFlightLimit: 1},
		"b": {Sink: fast, InFlightLimit: 1},
	})

	upstream := &managerAck{}
	token := core.NewFanOutAck([]core.Ack{upstream}, 2)

	if err := mgr.Enqueue(context.Background(), "a", "", []byte("x\n"), []core.Ack{token}); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if err := mgr.Enqueue(context.Background(), "b", "", []byte("x\n"), []core.Ack{token}); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fast.attemptCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if upstream.n.Load() != 0 {
		t.Fatal("upstream acked while one sink still pending")
	}

	close(slow.release)
	if err := mgr.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	if got := upstream.n.Load(); got != 1 {
		t.Fatalf("upstream ack = %d, want 1", got)
	}
}

type sinkFunc func(ctx context.Context, req core.SinkWrite) error

func (f sinkFunc) Write(ctx context.Context, req core.SinkWrite) error { return f(ctx, req) }
func (f sinkFunc) Flush(ctx context.Context) error                     { return nil }

// blockingSink holds every write until released.
type blockingSink struct {
	release chan struct{}
	writes  atomic.Int64
}

func (b *blockingSink) Write(ctx context.Context, req core.SinkWrite) error {
	<-b.release
	b.writes.Add(1)
	return nil
}

func (b *blockingSink) Flush(ctx context.Context) error { return nil }

func TestManager_RouteKeyPinsShard(t *testing.T) {
	// Same route key must always hash to the same shard index.
	rk := core.RouteKey{Sink: "archive", Prefix: "app/prod"}
	mgr, _ := newTestManager(t, map[string]Entry{
		"archive": {Sink: &flakySink{}, InFlightLimit: 1},
	})
	defer func() { _ = mgr.Join(context.Background()) }()

	pick := func() uint64 {
		h := uint64(0)
		for i := 0; i < 10; i++ {
			h = shardFor(rk, len(mgr.shards))
		}
		return h
	}
	first := pick()
	for i := 0; i < 100; i++ {
		if shardFor(rk, len(mgr.shards)) != first {
			t.Fatal("route key shard assignment is unstable")
		}
	}
}
