// Package pipeline contains the worker pool that batches records into plugin
// transforms, and the router that moves frames along the configured DAG.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/willibrandon/tideflow/core"
	"github.com/willibrandon/tideflow/engine"
	"github.com/willibrandon/tideflow/metrics"
)

// SinkEnqueuer is the slice of the sink manager workers and the router need.
type SinkEnqueuer interface {
	Enqueue(ctx context.Context, sinkName, keyPrefix string, payload []byte, acks []core.Ack) error
}

// Worker owns one plugin instance and one mailbox. It accumulates records
// into a byte batch until the size or age threshold trips, then runs the
// transform and fans the outputs out to sink routes.
type Worker struct {
	id        int
	mailbox   chan core.Record
	transform engine.Transform

	batchMaxSize int
	batchMaxAge  time.Duration

	sinks       SinkEnqueuer
	defaultSink string

	// done closes when Run exits, letting the pool route around a worker
	// that died on a host failure.
	done chan struct{}

	metrics *metrics.Metrics
	logger  zerolog.Logger

	batch  []byte
	acks   []core.Ack
	events int
}

func newWorker(id int, transform engine.Transform, mailboxCap int, cfg PoolOptions) *Worker {
	return &Worker{
		id:           id,
		mailbox:      make(chan core.Record, mailboxCap),
		transform:    transform,
		batchMaxSize: cfg.BatchMaxSize,
		batchMaxAge:  cfg.BatchMaxAge,
		sinks:        cfg.Sinks,
		defaultSink:  cfg.DefaultSink,
		done:         make(chan struct{}),
		metrics:      cfg.Metrics,
		logger:       cfg.Logger.With().Int("worker", id).Logger(),
		batch:        make([]byte, 0, cfg.BatchMaxSize),
	}
}

// Run is the worker's single-threaded loop. It returns nil on mailbox close
// (after a final flush) and an error only on a host-level transform failure.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)
	defer func() { _ = w.transform.Close(ctx) }()

	timer := time.NewTimer(w.batchMaxAge)
	defer timer.Stop()

	rearm := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.batchMaxAge)
	}

	for {
		select {
		case rec, ok := <-w.mailbox:
			if !ok {
				return w.flushBatch(ctx)
			}

			need := len(rec.Payload)
			if len(w.batch) == 0 {
				rearm()
			}

			if len(w.batch)+need > w.batchMaxSize {
				if err := w.flushBatch(ctx); err != nil {
					return err
				}
				rearm()
			}

			if need > w.batchMaxSize && len(w.batch) == 0 {
				// Oversized frame: flush alone, never fragment.
				w.batch = append(w.batch, rec.Payload...)
				if rec.Ack != nil {
					w.acks = append(w.acks, rec.Ack)
				}
				w.events++
				if err := w.flushBatch(ctx); err != nil {
					return err
				}
				rearm()
				continue
			}

			w.batch = append(w.batch, rec.Payload...)
			if rec.Ack != nil {
				w.acks = append(w.acks, rec.Ack)
			}
			w.events++

		case <-timer.C:
			if len(w.batch) > 0 {
				if err := w.flushBatch(ctx); err != nil {
					return err
				}
			}
			timer.Reset(w.batchMaxAge)
		}
	}
}

// flushBatch invokes the transform over the accumulated batch and enqueues
// each route's concatenated output with a shared fan-out ack token.
func (w *Worker) flushBatch(ctx context.Context) error {
	if len(w.batch) == 0 {
		return nil
	}

	start := time.Now()
	outs, err := w.transform.Process(ctx, w.batch)
	if err != nil {
		var guest *engine.GuestError
		if errors.As(err, &guest) {
			// The plugin rejected the batch: treat it as processed with zero
			// output. The batch and its acks are dropped, which trades
			// sampling loss on plugin bugs for at-least-once delivery.
			w.logger.Warn().
				Err(guest).
				Int("batch_bytes", len(w.batch)).
				Int("events", w.events).
				Msg("transform reported error; skipping batch")
			w.resetBatch()
			return nil
		}
		return fmt.Errorf("transform host failure: %w", err)
	}

	w.metrics.GuestSeconds.WithLabelValues(strconv.Itoa(w.id)).Observe(time.Since(start).Seconds())
	w.metrics.GuestBytes.Add(float64(len(w.batch)))

	if len(outs) == 0 {
		w.logger.Warn().Msg("no output from transform")
	}

	routes := make(map[core.RouteKey][]byte)
	var order []core.RouteKey
	for _, o := range outs {
		rk, ok := w.routeFor(o.Sink)
		if !ok {
			w.logger.Warn().Msg("output names no sink and no default sink is configured; dropping")
			continue
		}
		if _, seen := routes[rk]; !seen {
			order = append(order, rk)
		}
		routes[rk] = append(routes[rk], o.Data...)
	}

	deliveries := len(order)
	if deliveries == 0 {
		deliveries = 1
	}
	token := core.NewFanOutAck(w.acks, deliveries)
	w.acks = nil

	if len(order) == 0 {
		// Nothing to enqueue; consume the token's single slot so upstream
		// acks still fire.
		_ = token.Ack(ctx)
	}
	for _, rk := range order {
		if err := w.sinks.Enqueue(ctx, rk.Sink, rk.Prefix, routes[rk], []core.Ack{token}); err != nil {
			w.logger.Warn().Err(err).Str("route", rk.String()).Msg("sink enqueue failed; acking delivery")
			_ = token.Ack(ctx)
		}
	}

	w.logger.Debug().
		Int("events", w.events).
		Int("bytes", len(w.batch)).
		Dur("took", time.Since(start)).
		Int("routes", len(order)).
		Msg("processed batch")

	w.resetBatch()
	return nil
}

func (w *Worker) resetBatch() {
	w.batch = w.batch[:0]
	w.acks = nil
	w.events = 0
}

// routeFor resolves a plugin's sink selector to a route key, falling back to
// the configured default sink.
func (w *Worker) routeFor(sel engine.SinkSelector) (core.RouteKey, bool) {
	switch sel.Kind {
	case engine.SelectDefault, "":
		if w.defaultSink == "" {
			return core.RouteKey{}, false
		}
		return core.RouteKey{Sink: w.defaultSink}, true
	case engine.SelectS3:
		return core.RouteKey{Sink: sel.Name, Prefix: sel.KeyPrefix}, true
	default:
		return core.RouteKey{Sink: sel.Name}, true
	}
}

// warmup primes the plugin with an empty batch. Any failure, guest or host,
// is logged and tolerated.
func (w *Worker) warmup(ctx context.Context) error {
	start := time.Now()
	_, err := w.transform.Process(ctx, nil)
	if err != nil {
		w.logger.Error().Err(err).Dur("took", time.Since(start)).Msg("worker warmup failed")
		return nil
	}
	w.logger.Info().Dur("took", time.Since(start)).Msg("worker warmup complete")
	return nil
}
