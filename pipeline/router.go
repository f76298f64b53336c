package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/willibrandon/tideflow/core"
)

// Router holds the immutable adjacency of the configured DAG and delivers
// frames from a producing node to every configured consumer, multiplexing
// acknowledgements over a shared fan-out token.
//
// The router and the pools reference each other, so construction is
// two-phase: build the router, build one pool per plugin node against it,
// then inject them with SetPools. ReleasePools detaches them at shutdown;
// forwards racing a teardown decrement their tokens instead of dispatching.
type Router struct {
	outs  map[core.NodeRef][]core.NodeRef
	pools atomic.Pointer[map[string]*Pool]
	sinks SinkEnqueuer

	logger zerolog.Logger
}

// NewRouter builds a router over the edge list. Later edges from the same
// node append to its successor list in configured order.
func NewRouter(edges []core.Edge, sinks SinkEnqueuer, logger zerolog.Logger) *Router {
	outs := make(map[core.NodeRef][]core.NodeRef, len(edges))
	for _, e := range edges {
		outs[e.From] = append(outs[e.From], e.To...)
	}
	return &Router{
		outs:   outs,
		sinks:  sinks,
		logger: logger.With().Str("component", "router").Logger(),
	}
}

// SetPools injects the per-plugin worker pools after construction.
func (r *Router) SetPools(pools map[string]*Pool) { r.pools.Store(&pools) }

// SetPool injects a single pool serving every plugin node. Convenience for
// single-plugin graphs and tests.
func (r *Router) SetPool(p *Pool) {
	pools := map[string]*Pool{}
	for from, tos := range r.outs {
		if from.Kind == core.KindPlugin {
			pools[from.Name] = p
		}
		for _, to := range tos {
			if to.Kind == core.KindPlugin {
				pools[to.Name] = p
			}
		}
	}
	r.pools.Store(&pools)
}

// ReleasePools detaches the pools ahead of their teardown.
func (r *Router) ReleasePools() { r.pools.Store(nil) }

func (r *Router) poolFor(name string) *Pool {
	pools := r.pools.Load()
	if pools == nil {
		return nil
	}
	return (*pools)[name]
}

// Forward delivers frames from node `from` to its successors. Every ack in
// acks fires exactly once, after all len(frames)×len(successors) deliveries
// have completed.
func (r *Router) Forward(ctx context.Context, from core.NodeRef, frames [][]byte, acks []core.Ack) error {
	tos, ok := r.outs[from]
	if !ok || len(tos) == 0 {
		r.logger.Warn().Stringer("node", from).Msg("node has no consumers")
		core.AckAll(ctx, acks)
		return nil
	}

	deliveries := len(frames) * len(tos)
	if deliveries == 0 {
		core.AckAll(ctx, acks)
		return nil
	}

	token := core.NewFanOutAck(acks, deliveries)

	for _, frame := range frames {
		for _, to := range tos {
			switch to.Kind {
			case core.KindPlugin:
				pool := r.poolFor(to.Name)
				if pool == nil {
					_ = token.Ack(ctx)
					continue
				}
				if err := pool.Dispatch(ctx, core.Record{Payload: frame, Ack: token}); err != nil {
					return err
				}

			case core.KindSink:
				if err := r.sinks.Enqueue(ctx, to.Name, to.KeyPrefix, frame, []core.Ack{token}); err != nil {
					r.logger.Warn().Err(err).Stringer("sink", to).Msg("enqueue failed; acking delivery")
					_ = token.Ack(ctx)
				}

			case core.KindSource:
				// A source consumer is a degenerate edge; it only absorbs acks.
				_ = token.Ack(ctx)
			}
		}
	}
	return nil
}
