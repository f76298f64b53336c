package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/willibrandon/tideflow/cache"
)

// Engine compiles plugin modules once and mints per-worker sandbox
// instances. Instances share the compiled code but nothing else.
type Engine struct {
	runtime       wazero.Runtime
	compiled      map[string]wazero.CompiledModule
	configs       map[string]string
	cache         *cache.Cache
	disableRemote bool
	logger        zerolog.Logger
}

// Options configures an Engine.
type Options struct {
	// PluginsPath is the directory holding <name>.wasm modules.
	PluginsPath string

	// Cache is the KV store exposed to guests via host functions. Optional.
	Cache *cache.Cache

	// DisableRemoteCalls strips outbound-call affordances from the sandbox.
	DisableRemoteCalls bool

	Logger zerolog.Logger
}

// New builds the shared engine and compiles every named plugin.
func New(ctx context.Context, opts Options, plugins map[string]map[string]any) (*Engine, error) {
	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	r := wazero.NewRuntimeWithConfig(ctx, rc)

	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	e := &Engine{
		runtime:       r,
		compiled:      make(map[string]wazero.CompiledModule, len(plugins)),
		configs:       make(map[string]string, len(plugins)),
		cache:         opts.Cache,
		disableRemote: opts.DisableRemoteCalls,
		logger:        opts.Logger.With().Str("component", "engine").Logger(),
	}

	if err := e.instantiateHostModule(ctx); err != nil {
		_ = r.Close(ctx)
		return nil, err
	}

	for name, cfg := range plugins {
		path := filepath.Join(opts.PluginsPath, name+".wasm")
		wasm, err := os.ReadFile(path)
		if err != nil {
			_ = r.Close(ctx)
			return nil, fmt.Errorf("loading plugin %s: %w", name, err)
		}
		cm, err := r.CompileModule(ctx, wasm)
		if err != nil {
			_ = r.Close(ctx)
			return nil, fmt.Errorf("compiling plugin %s: %w", name, err)
		}
		e.compiled[name] = cm

		cfgJSON, err := json.Marshal(cfg)
		if err != nil {
			_ = r.Close(ctx)
			return nil, fmt.Errorf("encoding config for plugin %s: %w", name, err)
		}
		e.configs[name] = string(cfgJSON)

		e.logger.Info().Str("plugin", name).Str("path", path).Msg("compiled plugin module")
	}

	return e, nil
}

// instantiateHostModule exposes the KV cache to guests. The guest passes a
// caller-owned buffer; a get that does not fit returns the negated required
// length so the guest can retry.
func (e *Engine) instantiateHostModule(ctx context.Context) error {
	b := e.runtime.NewHostModuleBuilder("tideflow")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, keyPtr, keyLen, valPtr, valCap uint32) int32 {
			if e.cache == nil {
				return -1
			}
			key, ok := mod.Memory().Read(keyPtr, keyLen)
			if !ok {
				return -2
			}
			val, found, err := e.cache.Get(string(key))
			if err != nil || !found {
				return -1
			}
			if uint32(len(val)) > valCap {
				return -int32(len(val))
			}
			if !mod.Memory().Write(valPtr, val) {
				return -2
			}
			return int32(len(val))
		}).
		Export("cache_get")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, keyPtr, keyLen, valPtr, valLen uint32, ttlMS int64) int32 {
			if e.cache == nil {
				return -1
			}
			key, ok := mod.Memory().Read(keyPtr, keyLen)
			if !ok {
				return -2
			}
			val, ok := mod.Memory().Read(valPtr, valLen)
			if !ok {
				return -2
			}
			var ttl *int64
			if ttlMS > 0 {
				ttl = &ttlMS
			}
			if err := e.cache.Set(string(key), append([]byte(nil), val...), ttl); err != nil {
				return -1
			}
			return 0
		}).
		Export("cache_set")

	if _, err := b.Instantiate(ctx); err != nil {
		return fmt.Errorf("instantiating host module: %w", err)
	}
	return nil
}

// Close releases the runtime and all compiled modules.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Plugins lists the compiled plugin names.
func (e *Engine) Plugins() []string {
	names := make([]string, 0, len(e.compiled))
	for n := range e.compiled {
		names = append(names, n)
	}
	return names
}

// NewTransform mints a worker-private instance of the named plugin.
func (e *Engine) NewTransform(plugin string) (Transform, error) {
	cm, ok := e.compiled[plugin]
	if !ok {
		return nil, fmt.Errorf("unknown plugin %q", plugin)
	}
	return &wasmTransform{engine: e, plugin: plugin, module: cm}, nil
}

// wasmTransform runs one sandboxed plugin. Each Process call instantiates
// the module as a WASI command: the batch arrives on stdin, the result JSON
// leaves on stdout.
type wasmTransform struct {
	engine *Engine
	plugin string
	module wazero.CompiledModule
}

// transformResult is the stdout contract with the guest.
type transformResult struct {
	Outputs []struct {
		Sink SinkSelector `json:"sink"`
		Data string       `json:"data"`
	} `json:"outputs"`
	Error string `json:"error"`
}

func (t *wasmTransform) Process(ctx context.Context, batch []byte) ([]Output, error) {
	var stdout, stderr bytes.Buffer

	mc := wazero.NewModuleConfig().
		WithName(""). // anonymous: workers instantiate concurrently
		WithArgs(t.plugin).
		WithStdin(bytes.NewReader(batch)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithEnv("TIDEFLOW_PLUGIN_CONFIG", t.engine.configs[t.plugin]).
		WithSysWalltime().
		WithSysNanotime()
	if t.engine.disableRemote {
		mc = mc.WithEnv("TIDEFLOW_NO_REMOTE", "1")
	}

	mod, err := t.engine.runtime.InstantiateModule(ctx, t.module, mc)
	if mod != nil {
		defer mod.Close(ctx)
	}
	if err != nil {
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 0 {
			return nil, fmt.Errorf("invoking plugin %s: %w", t.plugin, err)
		}
	}

	var res transformResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return nil, fmt.Errorf("plugin %s produced malformed result (%d bytes): %w",
			t.plugin, stdout.Len(), err)
	}
	if res.Error != "" {
		return nil, &GuestError{Plugin: t.plugin, Message: res.Error}
	}

	outs := make([]Output, 0, len(res.Outputs))
	for i, o := range res.Outputs {
		data, err := base64.StdEncoding.DecodeString(o.Data)
		if err != nil {
			return nil, fmt.Errorf("plugin %s output %d: decoding payload: %w", t.plugin, i, err)
		}
		outs = append(outs, Output{Sink: o.Sink, Data: data})
	}
	return outs, nil
}

func (t *wasmTransform) Close(ctx context.Context) error { return nil }
