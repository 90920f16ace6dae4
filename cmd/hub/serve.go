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
	"strings"
	"syscall"
	"time"

	"github.com/fentz26/hub/internal/audit"
	"github.com/fentz26/hub/internal/clock"
	"github.com/fentz26/hub/internal/config"
	"github.com/fentz26/hub/internal/connectors/localexec"
	"github.com/fentz26/hub/internal/controlplane"
	"github.com/fentz26/hub/internal/engine"
	"github.com/fentz26/hub/internal/metrics"
	"github.com/fentz26/hub/internal/scheduler"
	"github.com/fentz26/hub/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// envPrefix names environment overrides, e.g. HUB_DATA_DIR for --data-dir.
const envPrefix = "HUB_"

var configPath string

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"daemon"},
	Short:   "Start the hub daemon",
	Long: `Starts the hub daemon which serves the HTTP API for tasks and pipelines.

Settings are read from defaults, then the --config file (YAML or JSONC), then
HUB_* environment variables, then command-line flags.`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return applyEnv(cmd.Flags())
	},
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML or JSONC config file")
	config.RegisterFlags(serveCmd.Flags())
}

// applyEnv sets every flag not given on the command line from its HUB_*
// environment variable.
func applyEnv(fs *pflag.FlagSet) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		name := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		if v, ok := os.LookupEnv(name); ok {
			if err := fs.Set(f.Name, v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	})
	return errors.Join(errs...)
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Resolve(configPath, cmd.Flags())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	timeout, err := cfg.EngineTimeout()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(os.Stderr, cfg.Log)
	slog.SetDefault(logger)
	logger.Info("starting hub daemon", "version", controlplane.Version, "data_dir", cfg.DataDir,
		"storage", cfg.Storage.Backend, "format", cfg.Storage.Format)

	// Initialize store
	st, err := store.New(store.Options{
		Backend: cfg.Storage.Backend,
		Format:  cfg.Storage.Format,
		DataDir: cfg.DataDir,
	}, logger)
	if err != nil {
		return err
	}

	// Initialize components
	m := metrics.New()
	clk := clock.Real()
	pdr := audit.NewPDRWriter(st.Audit, clk)

	workDir := cfg.Engine.WorkDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	bridge := engine.New(localexec.New(cfg.Engine.Path, workDir), engine.Options{
		Executable: cfg.Engine.Path,
		Timeout:    timeout,
		Logger:     logger.With("component", "engine"),
		Metrics:    m,
	})

	// Create service and server
	service := controlplane.NewService(st, pdr, bridge, controlplane.Options{
		Clock:   clk,
		Metrics: m,
		Logger:  logger.With("component", "service"),
	})
	server := controlplane.NewServer(service, st, cfg.Listen)
	server.SetMetrics(m)
	server.SetLogger(logger.With("component", "http"))

	var sched *scheduler.Scheduler
	if cfg.Pipelines.AutoStart {
		sched = scheduler.New(service.HandleTaskStarted, &cfg.Scheduler, m, logger)
		service.AddObserver(sched)
		server.SetScheduler(sched)
		sched.Start()
	} else {
		logger.Info("pipeline auto-start disabled")
	}

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", "error", err)
			if sched != nil {
				sched.Stop()
			}
			st.Close()
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if sched != nil {
		logger.Info("draining auto-start queue")
		sched.Stop()
	}

	logger.Info("closing store")
	if err := st.Close(); err != nil {
		logger.Error("store close error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
