// Command tideflow runs the observability pipeline daemon and its plugin
// test harness.
package main

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/willibrandon/tideflow"
	"github.com/willibrandon/tideflow/config"
	"github.com/willibrandon/tideflow/engine"
)

func main() {
	root := &cobra.Command{
		Use:           "tideflow",
		Short:         "Stream, transform, and durably deliver observability events",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), testCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tideflow: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if env := os.Getenv("TIDEFLOW_LOG"); env != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(env)); err == nil {
			level = parsed
		}
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()
}

func runCmd() *cobra.Command {
	var (
		configPath  string
		once        bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			registry := prometheus.NewRegistry()
			registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
				srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Warn().Err(err).Msg("metrics listener failed")
					}
				}()
				defer srv.Close()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := tideflow.Build(ctx, cfg, tideflow.Options{
				Registerer: registry,
				ConfigDir:  filepath.Dir(configPath),
				Once:       once,
				Logger:     logger,
			})
			if err != nil {
				return err
			}

			logger.Info().
				Int("batch_size_kib", cfg.Runtime.BatchSize).
				Int("batch_age_ms", cfg.Runtime.BatchAge).
				Msg("starting pipeline")
			return rt.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to YAML config")
	cmd.Flags().BoolVar(&once, "once", false, "drain once and exit instead of waiting for a signal")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "0.0.0.0:9184", "bind address for /metrics (empty disables)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func testCmd() *cobra.Command {
	var (
		configPath string
		pluginName string
		inputPath  string
		expected   string
	)

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Run one plugin over an input fixture and diff against the expected output",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			pluginCfg, ok := cfg.Plugins[pluginName]
			if !ok {
				return fmt.Errorf("plugin %q not in config", pluginName)
			}

			input, err := os.ReadFile(inputPath)
			if err != nil {
				return err
			}
			want, err := os.ReadFile(expected)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			eng, err := engine.New(ctx, engine.Options{
				PluginsPath:        filepath.Join(filepath.Dir(configPath), cfg.Runtime.PluginsPath),
				DisableRemoteCalls: true,
				Logger:             logger,
			}, map[string]map[string]any{pluginName: pluginCfg.Config})
			if err != nil {
				return err
			}
			defer eng.Close(ctx)

			transform, err := eng.NewTransform(pluginName)
			if err != nil {
				return err
			}

			outs, err := transform.Process(ctx, input)
			if err != nil {
				return fmt.Errorf("transform failed: %w", err)
			}

			var got bytes.Buffer
			for _, o := range outs {
				got.Write(o.Data)
			}

			if !bytes.Equal(bytes.TrimSpace(got.Bytes()), bytes.TrimSpace(want)) {
				fmt.Fprintf(os.Stderr, "--- expected ---\n%s\n--- got ---\n%s\n", want, got.Bytes())
				return fmt.Errorf("plugin %s output does not match %s", pluginName, expected)
			}

			fmt.Printf("plugin %s: ok (%d outputs, %d bytes)\n", pluginName, len(outs), got.Len())
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to YAML config")
	cmd.Flags().StringVar(&pluginName, "plugin", "", "plugin name from the config")
	cmd.Flags().StringVar(&inputPath, "input", "", "input fixture (NDJSON)")
	cmd.Flags().StringVar(&expected, "expected", "", "expected output fixture")
	for _, f := range []string{"config", "plugin", "input", "expected"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}
