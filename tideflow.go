// Package tideflow wires the configured sources, worker pools, and sinks
// into one running pipeline and owns the shutdown ordering.
package tideflow

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/willibrandon/tideflow/cache"
	"github.com/willibrandon/tideflow/config"
	"github.com/willibrandon/tideflow/core"
	"github.com/willibrandon/tideflow/engine"
	"github.com/willibrandon/tideflow/metrics"
	"github.com/willibrandon/tideflow/pipeline"
	"github.com/willibrandon/tideflow/sinks"
	"github.com/willibrandon/tideflow/sources"
)

// Options configures a Runtime beyond the config document.
type Options struct {
	// Registerer receives the pipeline metrics. Required.
	Registerer prometheus.Registerer

	// ConfigDir anchors the config's relative paths (plugins, cache, WAL).
	ConfigDir string

	// Once runs the pipeline through a single drain instead of waiting for
	// a shutdown signal: sources are cancelled immediately after startup.
	Once bool

	Logger zerolog.Logger
}

// Runtime is one fully built pipeline process.
type Runtime struct {
	cfg  *config.Config
	opts Options

	metrics *metrics.Metrics
	cache   *cache.Cache
	engine  *engine.Engine
	manager *sinks.Manager
	router  *pipeline.Router
	pools   map[string]*pipeline.Pool
	sources []sources.Source

	logger zerolog.Logger
}

// Build constructs every component in dependency order. On failure it closes
// the engine and the cache before returning; sinks, the sink manager and
// worker pools built before the failure are not stopped.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	logger := opts.Logger

	m := metrics.New(opts.Registerer)

	kv, err := cache.Open(cache.Options{
		Path:        resolvePath(opts.ConfigDir, cfg.Runtime.Cache.Path),
		DefaultTTL:  time.Duration(cfg.Runtime.Cache.DefaultTTLMS) * time.Millisecond,
		MaxTTL:      time.Duration(cfg.Runtime.Cache.MaxTTLMS) * time.Millisecond,
		LockTimeout: time.Duration(cfg.Runtime.Cache.LockTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}

	pluginConfigs := make(map[string]map[string]any, len(cfg.Plugins))
	for name, p := range cfg.Plugins {
		pluginConfigs[name] = p.Config
	}
	eng, err := engine.New(ctx, engine.Options{
		PluginsPath:        resolvePath(opts.ConfigDir, cfg.Runtime.PluginsPath),
		Cache:              kv,
		DisableRemoteCalls: cfg.Runtime.DisableRemoteCalls,
		Logger:             logger,
	}, pluginConfigs)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}

	rt := &Runtime{
		cfg:     cfg,
		opts:    opts,
		metrics: m,
		cache:   kv,
		engine:  eng,
		pools:   make(map[string]*pipeline.Pool),
		logger:  logger,
	}

	fail := func(err error) (*Runtime, error) {
		_ = eng.Close(ctx)
		_ = kv.Close()
		return nil, err
	}

	entries, err := rt.buildSinks(ctx)
	if err != nil {
		return fail(err)
	}
	rt.manager = sinks.NewManager(ctx, entries, sinks.ManagerOptions{
		Shards:        cfg.Runtime.SinkShards,
		QueueCapacity: cfg.Runtime.QueueCapacity,
		Metrics:       m,
		Logger:        logger,
	})

	rt.router = pipeline.NewRouter(dagEdges(cfg), rt.manager, logger)

	if err := rt.buildPools(ctx); err != nil {
		return fail(err)
	}
	rt.router.SetPools(rt.pools)

	if err := rt.buildSources(ctx); err != nil {
		return fail(err)
	}

	logger.Info().
		Int("sources", len(rt.sources)).
		Int("plugins", len(rt.pools)).
		Int("sinks", len(entries)).
		Int("workers", cfg.Runtime.Workers).
		Msg("pipeline built")
	return rt, nil
}

func dagEdges(cfg *config.Config) []core.Edge {
	edges := make([]core.Edge, 0, len(cfg.DAG))
	for _, e := range cfg.DAG {
		to := make([]core.NodeRef, 0, len(e.To))
		for _, n := range e.To {
			to = append(to, n.NodeRef())
		}
		edges = append(edges, core.Edge{From: e.From.NodeRef(), To: to})
	}
	return edges
}

func (rt *Runtime) buildSinks(ctx context.Context) (map[string]sinks.Entry, error) {
	entries := make(map[string]sinks.Entry, len(rt.cfg.Sinks))
	for name, sc := range rt.cfg.Sinks {
		switch {
		case sc.S3 != nil:
			driver, err := sinks.NewS3Driver(ctx, name, sc.S3.Region, rt.logger)
			if err != nil {
				return nil, err
			}
			durable, err := sinks.NewDurableSink(ctx, driver, sinks.DurableOptions{
				Dir:         resolvePath(rt.opts.ConfigDir, sc.S3.WALPath),
				MaxInflight: sc.InFlightLimit,
				MaxFileSize: sc.ObjectMaxBytes,
				MaxFileAge:  time.Duration(sc.S3.MaxFileAgeSec) * time.Second,
				Compression: sc.SinkCompression(),
				Encoding:    sc.SinkEncoding(),
				Metrics:     rt.metrics,
				Logger:      rt.logger,
			})
			if err != nil {
				return nil, fmt.Errorf("sink %s: %w", name, err)
			}
			entries[name] = sinks.Entry{Sink: durable, Bucket: sc.S3.BucketName, InFlightLimit: sc.InFlightLimit}

		case sc.File != nil:
			driver, err := sinks.NewFileDriver(resolvePath(rt.opts.ConfigDir, sc.File.Path))
			if err != nil {
				return nil, fmt.Errorf("sink %s: %w", name, err)
			}
			entries[name] = sinks.Entry{Sink: driver, InFlightLimit: sc.InFlightLimit}

		case sc.Blackhole != nil:
			entries[name] = sinks.Entry{Sink: sinks.NewBlackholeDriver(rt.metrics), InFlightLimit: sc.InFlightLimit}
		}
	}
	return entries, nil
}

// buildPools constructs one worker pool per plugin node, each worker owning
// its own sandbox instance.
func (rt *Runtime) buildPools(ctx context.Context) error {
	names := make([]string, 0, len(rt.cfg.Plugins))
	for name := range rt.cfg.Plugins {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		plugin := name
		pool, err := pipeline.NewPool(ctx, pipeline.PoolOptions{
			Workers:      rt.cfg.Runtime.Workers,
			BatchMaxSize: rt.cfg.BatchMaxSize(),
			BatchMaxAge:  rt.cfg.BatchMaxAge(),
			NewTransform: func(int) (engine.Transform, error) {
				return rt.engine.NewTransform(plugin)
			},
			Sinks:       rt.manager,
			DefaultSink: rt.cfg.DefaultSink(),
			Metrics:     rt.metrics,
			Logger:      rt.logger.With().Str("plugin", plugin).Logger(),
		})
		if err != nil {
			return fmt.Errorf("plugin %s: %w", plugin, err)
		}
		rt.pools[plugin] = pool
	}
	return nil
}

func (rt *Runtime) buildSources(ctx context.Context) error {
	for name, sc := range rt.cfg.Sources {
		decoder := sources.Decoder{
			Format:      sources.Format(sc.Decoding.Format),
			Compression: sources.Compr(sc.Decoding.Compression),
		}

		var (
			src sources.Source
			err error
		)
		switch {
		case sc.Socket != nil:
			src = sources.NewSocketSource(name, sc.Socket.SocketPath, rt.router, rt.logger)
		case sc.TCP != nil:
			src = sources.NewTCPSource(name, sc.TCP.BindAddress, sc.TCP.ReadBufferSize, rt.router, rt.logger)
		case sc.File != nil:
			src = sources.NewFileSource(name, resolvePath(rt.opts.ConfigDir, sc.File.Path), decoder, rt.router, rt.logger)
		case sc.SQS != nil:
			src, err = sources.NewSQSSource(ctx, name, sources.SQSOptions{
				QueueURL:            sc.SQS.QueueURL,
				MaxNumberOfMessages: sc.SQS.MaxNumberOfMessages,
				WaitTimeSeconds:     sc.SQS.WaitTimeSeconds,
				MaxChunk:            rt.cfg.BatchMaxSize(),
			}, decoder, rt.router, rt.logger)
		case sc.MSK != nil:
			src = sources.NewKafkaSource(name, sources.KafkaOptions{
				Brokers: sc.MSK.Brokers,
				Topics:  sc.MSK.Topics,
				GroupID: sc.MSK.GroupID,
				TLS:     sc.MSK.TLS,
			}, decoder, rt.router, rt.logger)
		case sc.GithubWebhook != nil:
			src = sources.NewGithubWebhookSource(name, sources.WebhookOptions{
				BindAddress: sc.GithubWebhook.BindAddress,
				Path:        sc.GithubWebhook.Path,
				Secret:      sc.GithubWebhook.Secret,
				Token:       sc.GithubWebhook.Token,
			}, decoder, rt.router, rt.logger)
		case sc.NPMRegistry != nil:
			src = sources.NewNPMRegistrySource(name, sources.NPMOptions{
				Packages:     sc.NPMRegistry.Packages,
				RegistryURL:  sc.NPMRegistry.RegistryURL,
				PollInterval: time.Duration(sc.NPMRegistry.PollIntervalSec) * time.Second,
			}, rt.cache, rt.router, rt.logger)
		}
		if err != nil {
			return fmt.Errorf("source %s: %w", name, err)
		}
		if src != nil {
			rt.sources = append(rt.sources, src)
		}
	}
	return nil
}

// Run starts every source and blocks until ctx is cancelled (or immediately
// proceeds to drain in Once mode), then performs the ordered shutdown.
func (rt *Runtime) Run(ctx context.Context) error {
	srcCtx, cancelSources := context.WithCancel(context.Background())
	defer cancelSources()

	type sourceRun struct {
		name string
		done chan error
	}
	runs := make([]sourceRun, 0, len(rt.sources))
	for _, src := range rt.sources {
		run := sourceRun{name: src.Name(), done: make(chan error, 1)}
		runs = append(runs, run)
		go func(src sources.Source, done chan<- error) {
			done <- src.Run(srcCtx)
		}(src, run.done)
	}

	if rt.opts.Once {
		rt.logger.Info().Msg("once mode: draining and exiting")
	} else {
		<-ctx.Done()
		rt.logger.Info().Msg("received shutdown signal")
	}

	cancelSources()

	sourceTimeout := time.Duration(rt.cfg.Runtime.Shutdown.SourceTimeoutSec) * time.Second
	rt.logger.Info().Msg("waiting on sources to shut down")
	for _, run := range runs {
		select {
		case err := <-run.done:
			if err != nil {
				rt.logger.Warn().Err(err).Str("source", run.name).Msg("source exited with error")
			}
		case <-time.After(sourceTimeout):
			rt.logger.Warn().Str("source", run.name).Msg("source shutdown timeout exceeded; abandoning task")
		}
	}

	return rt.Shutdown()
}

// Shutdown drains the pipeline front to back: detach the router's pools,
// close and join every pool, join the sink manager (which flushes every
// sink), then release the engine and cache. Each phase honors its configured
// deadline; exceeding one loses only the data not yet staged.
func (rt *Runtime) Shutdown() error {
	workerTimeout := time.Duration(rt.cfg.Runtime.Shutdown.WorkerTimeoutSec) * time.Second
	sinkTimeout := time.Duration(rt.cfg.Runtime.Shutdown.SinkTimeoutSec) * time.Second

	rt.router.ReleasePools()

	rt.logger.Info().Msg("waiting on workers to shut down")
	poolCtx, cancelPool := context.WithTimeout(context.Background(), workerTimeout)
	defer cancelPool()
	for name, pool := range rt.pools {
		pool.Close()
		if err := pool.Join(poolCtx); err != nil {
			rt.logger.Warn().Err(err).Str("plugin", name).Msg("worker drain timeout exceeded; records may be dropped")
		}
	}

	rt.logger.Info().Msg("waiting on sink manager to shut down")
	sinkCtx, cancelSink := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancelSink()
	err := rt.manager.Join(sinkCtx)
	if err != nil {
		rt.logger.Warn().Err(err).Msg("sink drain incomplete; staged segments will retry on next run")
	}

	_ = rt.engine.Close(context.Background())
	if cerr := rt.cache.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func resolvePath(base, path string) string {
	if path == "" || filepath.IsAbs(path) || base == "" {
		return path
	}
	return filepath.Join(base, path)
}
