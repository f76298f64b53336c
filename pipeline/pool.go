package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/willibrandon/tideflow/core"
	"github.com/willibrandon/tideflow/engine"
	"github.com/willibrandon/tideflow/metrics"
)

// PoolOptions configures a worker pool.
type PoolOptions struct {
	// Workers is the number of independent workers, each with its own plugin
	// instance and mailbox.
	Workers int

	// MailboxCapacity bounds each worker's input queue.
	MailboxCapacity int

	// BatchMaxSize is the flush threshold in bytes.
	BatchMaxSize int

	// BatchMaxAge is the flush threshold by age.
	BatchMaxAge time.Duration

	// NewTransform mints one plugin instance per worker.
	NewTransform func(worker int) (engine.Transform, error)

	Sinks       SinkEnqueuer
	DefaultSink string
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
}

// Pool fans records across a fixed set of workers, round-robin with a
// blocking fallback when every mailbox is full.
type Pool struct {
	workers []*Worker
	rr      atomic.Uint64
	wg      sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewPool constructs and starts the workers, warming each plugin instance up
// with an empty transform call.
func NewPool(ctx context.Context, opts PoolOptions) (*Pool, error) {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MailboxCapacity <= 0 {
		opts.MailboxCapacity = 4096
	}

	p := &Pool{
		workers: make([]*Worker, 0, opts.Workers),
		metrics: opts.Metrics,
		logger:  opts.Logger.With().Str("component", "pool").Logger(),
	}

	for i := 0; i < opts.Workers; i++ {
		transform, err := opts.NewTransform(i)
		if err != nil {
			return nil, err
		}
		w := newWorker(i, transform, opts.MailboxCapacity, opts)
		if err := w.warmup(ctx); err != nil {
			return nil, err
		}
		p.workers = append(p.workers, w)
	}

	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			if err := w.Run(ctx); err != nil {
				p.logger.Error().Err(err).Int("worker", w.id).Msg("worker exited")
			}
		}(w)
	}

	return p, nil
}

// Dispatch hands one record to a worker: try the next mailbox in rotation,
// sweep the rest on full, and finally block on the first choice. Input
// counters are incremented exactly once per call.
func (p *Pool) Dispatch(ctx context.Context, rec core.Record) error {
	n := len(p.workers)
	if n == 0 || p.closed.Load() {
		p.logger.Warn().Msg("worker pool is closed; dropping record")
		return nil
	}

	p.metrics.ConsumerBytes.Add(float64(len(rec.Payload)))
	p.metrics.ConsumerObjects.Inc()

	start := int(p.rr.Add(1)-1) % n

	for i := 0; i < n; i++ {
		w := p.workers[(start+i)%n]
		select {
		case <-w.done:
			continue
		default:
		}
		select {
		case w.mailbox <- rec:
			return nil
		default:
		}
	}

	// Every mailbox full: block on the originally chosen worker.
	w := p.workers[start]
	select {
	case w.mailbox <- rec:
		return nil
	case <-w.done:
		p.logger.Warn().Int("worker", w.id).Msg("worker unavailable; dropping record")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drops every mailbox sender; each worker observes the close, flushes
// its final batch, and exits.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		for _, w := range p.workers {
			close(w.mailbox)
		}
	})
}

// Join blocks until every worker has exited, or ctx expires.
func (p *Pool) Join(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
