package sinks

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/willibrandon/tideflow/core"
	"github.com/willibrandon/tideflow/metrics"
)

// Entry registers one sink with the manager. Bucket is set for object-store
// sinks; the shard overlays it onto every item bound for the sink.
type Entry struct {
	Sink          core.Sink
	Bucket        string
	InFlightLimit int
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Shards is the number of shard tasks items hash onto. Route keys pin to
	// shards, so a route's items are dequeued in order; each write then runs
	// on its own goroutine, so completion order is not preserved.
	Shards int

	// QueueCapacity bounds each shard channel.
	QueueCapacity int

	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

type sinkItem struct {
	req  core.SinkWrite
	acks []core.Ack
}

// Manager distributes sink writes across a fixed set of shards, enforcing
// one global in-flight cap across all sinks, and drains on shutdown.
type Manager struct {
	shards   []chan *sinkItem
	shardsWG sync.WaitGroup

	sinks map[string]Entry
	sem   *semaphore.Weighted

	uploads sync.WaitGroup

	closeOnce sync.Once

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewManager builds the shard tasks over the registered sinks. The global
// semaphore capacity is the sum of the per-sink in-flight limits.
func NewManager(ctx context.Context, sinks map[string]Entry, opts ManagerOptions) *Manager {
	if opts.Shards <= 0 {
		opts.Shards = 4
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 1024
	}

	total := 0
	for _, e := range sinks {
		total += e.InFlightLimit
	}
	if total < 1 {
		total = 1
	}

	m := &Manager{
		shards:  make([]chan *sinkItem, opts.Shards),
		sinks:   sinks,
		sem:     semaphore.NewWeighted(int64(total)),
		metrics: opts.Metrics,
		logger:  opts.Logger.With().Str("component", "sink-manager").Logger(),
	}

	for i := range m.shards {
		ch := make(chan *sinkItem, opts.QueueCapacity)
		m.shards[i] = ch
		m.shardsWG.Add(1)
		go m.runShard(ctx, ch)
	}
	return m
}

// Enqueue hashes the route key to a shard and hands the payload over. The
// in-flight gauge rises here and falls when the write finally succeeds.
func (m *Manager) Enqueue(ctx context.Context, sinkName, keyPrefix string, payload []byte, acks []core.Ack) error {
	if _, ok := m.sinks[sinkName]; !ok {
		return fmt.Errorf("unknown sink %q", sinkName)
	}

	shard := shardFor(core.RouteKey{Sink: sinkName, Prefix: keyPrefix}, len(m.shards))

	item := &sinkItem{
		req:  core.SinkWrite{SinkName: sinkName, Payload: payload},
		acks: acks,
	}
	if keyPrefix != "" {
		// Bucket identity is overlaid by the shard from the sink's registration.
		item.req.Dest = &core.Destination{KeyPrefix: keyPrefix}
	}

	select {
	case m.shards[shard] <- item:
		m.metrics.Inflight.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shardFor maps a route key to its shard with a stable 64-bit hash, so all
// of a route's items pass through one shard.
func shardFor(rk core.RouteKey, n int) uint64 {
	return xxhash.Sum64String(rk.String()) % uint64(n)
}

// runShard pulls items, resolves their sink, and spawns the bounded write
// task for each.
func (m *Manager) runShard(ctx context.Context, ch chan *sinkItem) {
	defer m.shardsWG.Done()

	for item := range ch {
		entry, ok := m.sinks[item.req.SinkName]
		if !ok {
			m.logger.Warn().Str("sink", item.req.SinkName).Msg("no such sink; dropping item")
			core.AckAll(ctx, item.acks)
			m.metrics.Inflight.Dec()
			continue
		}

		if entry.Bucket != "" {
			prefix := ""
			if item.req.Dest != nil {
				prefix = item.req.Dest.KeyPrefix
			}
			item.req.Dest = &core.Destination{Bucket: entry.Bucket, KeyPrefix: prefix}
		} else {
			item.req.Dest = nil
		}

		if err := m.sem.Acquire(ctx, 1); err != nil {
			return
		}
		m.uploads.Add(1)
		go func(item *sinkItem, sink core.Sink) {
			defer m.uploads.Done()
			defer m.sem.Release(1)
			m.writeWithRetry(ctx, sink, item)
		}(item, entry.Sink)
	}
}

// writeWithRetry drives one item to durable acceptance: exponential backoff
// with jitter, uncapped attempts, no dead-letter queue.
//
// TODO: park items in a quarantine directory after an attempt cap instead of
// retrying forever against a permanently failing sink.
func (m *Manager) writeWithRetry(ctx context.Context, sink core.Sink, item *sinkItem) {
	start := time.Now()
	delay := 50 * time.Millisecond
	const maxDelay = 5 * time.Second

	for {
		err := sink.Write(ctx, item.req)
		if err == nil {
			core.AckAll(ctx, item.acks)
			m.metrics.Inflight.Dec()
			m.logger.Debug().
				Int("bytes", len(item.req.Payload)).
				Str("sink", item.req.SinkName).
				Dur("took", time.Since(start)).
				Msg("wrote sink item")
			return
		}

		m.logger.Warn().Err(err).Str("sink", item.req.SinkName).Msg("sink write failed")

		jitter := time.Duration(rand.Int64N(int64(delay)/4 + 1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay + jitter):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// Join drops every shard sender, drains in-flight writes, then flushes every
// registered sink in sequence.
func (m *Manager) Join(ctx context.Context) error {
	m.closeOnce.Do(func() {
		for _, ch := range m.shards {
			close(ch)
		}
	})

	drained := make(chan struct{})
	go func() {
		m.shardsWG.Wait()
		m.uploads.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}

	for name, entry := range m.sinks {
		if err := entry.Sink.Flush(ctx); err != nil {
			m.logger.Warn().Err(err).Str("sink", name).Msg("sink flush failed during shutdown")
			return err
		}
	}
	return nil
}
