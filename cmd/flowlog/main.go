// Package main is the entry point for the flowlog binary.
// It runs the demo flows through the completion emitter and formats
// durations the way the flow log does.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/flowlog/internal/flowsim"
	"github.com/polisai/flowlog/pkg/config"
	"github.com/polisai/flowlog/pkg/intercept"
	"github.com/polisai/flowlog/pkg/logging"
	"github.com/polisai/flowlog/pkg/metrics"
	"github.com/polisai/flowlog/pkg/telemetry"
)

const (
	appName    = "orders"
	appVersion = "1.0.0"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flowlog",
		Short: "Completion telemetry for message-driven flows",
		Long: `flowlog writes one structured log line per initiation and stage of a
message-driven flow, with a breakdown of where the time went.

Example:
  flowlog simulate --flows 10 --fail-every 4
  flowlog format 1500000 250`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newSimulateCmd(), newFormatCmd())
	return rootCmd
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the demo order flows and write their flow log",
		RunE:  runSimulate,
	}
	cmd.Flags().IntP("flows", "n", 0, "Number of flows to initiate (overrides config)")
	cmd.Flags().Int("fail-every", 0, "Fail every n-th stock reservation, 0 never (overrides config)")
	cmd.Flags().Bool("watch", false, "Keep running and simulate again on every configuration change")
	return cmd
}

func newFormatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "format NANOS...",
		Short: "Render nanosecond durations as flow log milliseconds",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, arg := range args {
				nanos, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", arg, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), telemetry.FormatMillis(nanos))
			}
			return nil
		},
	}
}

// resolveConfig loads the configuration and applies the command line
// overrides.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg, applyFlags(cmd, cfg)
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if f := cmd.Flags().Lookup("flows"); f != nil && f.Changed {
		flows, _ := cmd.Flags().GetInt("flows")
		cfg.Simulation.Flows = flows
	}
	if f := cmd.Flags().Lookup("fail-every"); f != nil && f.Changed {
		failEvery, _ := cmd.Flags().GetInt("fail-every")
		cfg.Simulation.FailEvery = failEvery
	}
	return cfg.Validate()
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	prom := metrics.NewMetrics()
	logger, registry := newPipeline(cfg, cmd.OutOrStdout(), prom)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.SetupProvider(ctx, telemetry.ProviderConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
	})
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to flush traces", "error", err)
		}
	}()

	if cfg.Metrics.Enabled {
		server := startMetricsServer(cfg.Metrics, prom, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("Metrics server shutdown error", "error", err)
			}
		}()
	}

	if err := simulate(ctx, cfg, registry, logger); err != nil {
		return err
	}

	watch, _ := cmd.Flags().GetBool("watch")
	path, _ := cmd.Flags().GetString("config")
	if !watch {
		return nil
	}
	if path == "" {
		return errors.New("--watch needs --config")
	}
	return watchAndSimulate(ctx, cmd, path, prom, logger)
}

// newPipeline builds the logger and an interceptor registry holding the
// completion emitter, both configured from cfg.
func newPipeline(cfg *config.Config, out io.Writer, prom *metrics.Metrics) (*slog.Logger, *intercept.Registry) {
	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: out,
	})
	emitter := telemetry.NewEmitter(logger,
		telemetry.WithChannels(cfg.Emitter.InitChannel, cfg.Emitter.StageChannel),
		telemetry.WithRecorder(telemetry.NewOTelRecorder()),
		telemetry.WithRecorder(prom),
	)
	registry := intercept.NewRegistry(logger)
	intercept.Install(registry, emitter)
	return logger, registry
}

// simulate runs one batch of demo flows on a fresh runtime.
func simulate(ctx context.Context, cfg *config.Config, dispatcher intercept.Interceptor, logger *slog.Logger) error {
	rt, err := flowsim.New(flowsim.Config{
		AppName:               appName,
		AppVersion:            appVersion,
		FactoryName:           appName,
		ImplementationVersion: appVersion,
		Compress:              cfg.Simulation.Compress,
	}, dispatcher)
	if err != nil {
		return err
	}
	defer rt.Close()

	demo, err := flowsim.NewDemo(rt, cfg.Simulation.FailEvery)
	if err != nil {
		return err
	}

	sum, err := demo.Run(ctx, cfg.Simulation.Flows)
	if err != nil {
		return fmt.Errorf("simulation: %w", err)
	}
	logger.Info("Simulation finished",
		"flows", sum.Initiated,
		"stages_processed", sum.Processed,
		"stages_failed", sum.Failed,
	)
	return nil
}

// watchAndSimulate simulates again on every configuration change, rebuilding
// the logger and the emitter from the new logging and emitter settings.
// Telemetry export and the metrics server keep their startup settings.
func watchAndSimulate(ctx context.Context, cmd *cobra.Command, path string, prom *metrics.Metrics, logger *slog.Logger) error {
	loader, err := config.NewLoader(path, logger)
	if err != nil {
		return err
	}
	if _, err := loader.Load(); err != nil {
		return err
	}
	defer loader.Close()

	changes := make(chan *config.Config, 1)
	err = loader.Watch(func(c *config.Config) {
		select {
		case changes <- c:
		default:
		}
	})
	if err != nil {
		return err
	}
	logger.Info("Watching configuration", "path", path)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down")
			return nil
		case cfg := <-changes:
			if err := applyFlags(cmd, cfg); err != nil {
				logger.Error("Ignoring configuration", "error", err)
				continue
			}
			var registry *intercept.Registry
			logger, registry = newPipeline(cfg, cmd.OutOrStdout(), prom)
			slog.SetDefault(logger)
			if err := simulate(ctx, cfg, registry, logger); err != nil {
				logger.Error("Simulation failed", "error", err)
			}
		}
	}
}

func startMetricsServer(cfg config.MetricsConfig, m *metrics.Metrics, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, otelhttp.NewHandler(m.Middleware(m.Handler()), "flowlog.metrics"))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Serving metrics", "address", cfg.Address, "path", cfg.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
	return server
}
