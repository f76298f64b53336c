package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/willibrandon/tideflow/core"
	"github.com/willibrandon/tideflow/engine"
	"github.com/willibrandon/tideflow/metrics"
)

func TestRouter_NoConsumersAcksImmediately(t *testing.T) {
	sinks := &captureSinks{}
	r := NewRouter(nil, sinks, zerolog.Nop())

	acked := &countAck{}
	err := r.Forward(context.Background(),
		core.NodeRef{Kind: core.KindSource, Name: "orphan"},
		[][]byte{[]byte("a\n")},
		[]core.Ack{acked})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if acked.n.Load() != 1 {
		t.Errorf("ack count = %d, want 1", acked.n.Load())
	}
	if len(sinks.snapshot()) != 0 {
		t.Error("orphan forward reached sinks")
	}
}

func TestRouter_ZeroFramesAcksImmediately(t *testing.T) {
	sinks := &captureSinks{}
	src := core.NodeRef{Kind: core.KindSource, Name: "s"}
	edges := []core.Edge{{From: src, To: []core.NodeRef{{Kind: core.KindSink, Name: "out"}}}}
	r := NewRouter(edges, sinks, zerolog.Nop())

	acked := &countAck{}
	if err := r.Forward(context.Background(), src, nil, []core.Ack{acked}); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if acked.n.Load() != 1 {
		t.Errorf("ack count = %d, want 1", acked.n.Load())
	}
}

func TestRouter_FanOutToTwoSinks(t *testing.T) {
	// Scenario: one record delivered to two sinks; the ack fires once, only
	// after both deliveries.
	sinks := &captureSinks{}
	src := core.NodeRef{Kind: core.KindSource, Name: "s"}
	edges := []core.Edge{{From: src, To: []core.NodeRef{
		{Kind: core.KindSink, Name: "a", KeyPrefix: "pfx"},
		{Kind: core.KindSink, Name: "b"},
	}}}
	r := NewRouter(edges, sinks, zerolog.Nop())

	acked := &countAck{}
	if err := r.Forward(context.Background(), src, [][]byte{[]byte("x\n")}, []core.Ack{acked}); err != nil {
		t.Fatalf("forward: %v", err)
	}

	items := sinks.snapshot()
	if len(items) != 2 {
		t.Fatalf("got %d enqueues, want 2", len(items))
	}
	if items[0].Sink != "a" || items[0].Prefix != "pfx" || items[1].Sink != "b" {
		t.Errorf("successor order/identity wrong: %+v", items)
	}
	if acked.n.Load() != 0 {
		t.Fatal("acked before deliveries completed")
	}

	ctx := context.Background()
	core.AckAll(ctx, items[0].Acks)
	if acked.n.Load() != 0 {
		t.Fatal("acked after first of two deliveries")
	}
	core.AckAll(ctx, items[1].Acks)
	if acked.n.Load() != 1 {
		t.Fatalf("ack count = %d, want 1", acked.n.Load())
	}
}

func TestRouter_ForwardToPluginDispatchesRecords(t *testing.T) {
	sinks := &captureSinks{autoAck: true}
	src := core.NodeRef{Kind: core.KindSource, Name: "s"}
	plugin := core.NodeRef{Kind: core.KindPlugin, Name: "p"}
	edges := []core.Edge{{From: src, To: []core.NodeRef{plugin}}}
	r := NewRouter(edges, sinks, zerolog.Nop())

	target := engine.SinkSelector{Kind: engine.SelectFile, Name: "out"}
	pool, err := NewPool(context.Background(), testPoolOptions(sinks, echoTransform(target)))
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	r.SetPool(pool)

	acked := &countAck{}
	frames := [][]byte{[]byte("{\"i\":0}\n"), []byte("{\"i\":1}\n")}
	if err := r.Forward(context.Background(), src, frames, []core.Ack{acked}); err != nil {
		t.Fatalf("forward: %v", err)
	}

	pool.Close()
	_ = pool.Join(context.Background())

	waitFor(t, func() bool { return acked.n.Load() == 1 }, "upstream ack did not fire")
	items := sinks.snapshot()
	if len(items) == 0 {
		t.Fatal("no sink enqueues after plugin processing")
	}
}

func TestRouter_ReleasedPoolConsumesDeliveries(t *testing.T) {
	sinks := &captureSinks{}
	src := core.NodeRef{Kind: core.KindSource, Name: "s"}
	edges := []core.Edge{{From: src, To: []core.NodeRef{{Kind: core.KindPlugin, Name: "p"}}}}
	r := NewRouter(edges, sinks, zerolog.Nop())
	// Pool never injected (or already released): deliveries resolve to acks.

	acked := &countAck{}
	if err := r.Forward(context.Background(), src, [][]byte{[]byte("x\n")}, []core.Ack{acked}); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if acked.n.Load() != 1 {
		t.Errorf("ack count = %d, want 1", acked.n.Load())
	}
}

func TestRouter_SourceSuccessorAbsorbsAck(t *testing.T) {
	sinks := &captureSinks{}
	src := core.NodeRef{Kind: core.KindSource, Name: "s"}
	loop := core.NodeRef{Kind: core.KindSource, Name: "other"}
	edges := []core.Edge{{From: src, To: []core.NodeRef{loop}}}
	r := NewRouter(edges, sinks, zerolog.Nop())

	acked := &countAck{}
	if err := r.Forward(context.Background(), src, [][]byte{[]byte("x\n")}, []core.Ack{acked}); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if acked.n.Load() != 1 {
		t.Errorf("ack count = %d, want 1", acked.n.Load())
	}
	if len(sinks.snapshot()) != 0 {
		t.Error("degenerate edge produced sink writes")
	}
}

// Guard against metrics double-count: Forward of N frames to one plugin must
// count N dispatches, not N×successors.
func TestRouter_DispatchCountsOncePerRecord(t *testing.T) {
	sinks := &captureSinks{autoAck: true}
	src := core.NodeRef{Kind: core.KindSource, Name: "s"}
	edges := []core.Edge{{From: src, To: []core.NodeRef{{Kind: core.KindPlugin, Name: "p"}}}}
	r := NewRouter(edges, sinks, zerolog.Nop())

	m := metrics.NewNop()
	opts := testPoolOptions(sinks, echoTransform(engine.SinkSelector{Kind: engine.SelectFile, Name: "out"}))
	opts.Metrics = m
	opts.BatchMaxAge = 5 * time.Millisecond
	pool, err := NewPool(context.Background(), opts)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	r.SetPool(pool)

	frames := [][]byte{[]byte("a\n"), []byte("b\n"), []byte("c\n")}
	if err := r.Forward(context.Background(), src, frames, nil); err != nil {
		t.Fatalf("forward: %v", err)
	}
	pool.Close()
	_ = pool.Join(context.Background())

	if got := testutil.ToFloat64(m.ConsumerObjects); got != 3 {
		t.Errorf("consumer objects = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.ConsumerBytes); got != 6 {
		t.Errorf("consumer bytes = %v, want 6", got)
	}
}
