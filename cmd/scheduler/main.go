// Package main is the entry point for the cronfan-scheduler binary. It
// wires the config loader, shared store, dispatcher, monitor, scheduler
// loop, agent channel server, and external API surface together and runs
// them until a shutdown signal arrives.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Load the initial config snapshot (fatal on failure, §7)
//  4. Build the shared store, bus, dispatcher, monitor, log sink, metrics
//  5. Start the config directory watch + housekeeping debounce reload
//  6. Start the scheduler loop, channel server, command poller, API server
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cronfan/cronfan/internal/api"
	"github.com/cronfan/cronfan/internal/bus"
	"github.com/cronfan/cronfan/internal/channelserver"
	"github.com/cronfan/cronfan/internal/config"
	"github.com/cronfan/cronfan/internal/dispatcher"
	"github.com/cronfan/cronfan/internal/housekeeping"
	"github.com/cronfan/cronfan/internal/logsink"
	"github.com/cronfan/cronfan/internal/metrics"
	"github.com/cronfan/cronfan/internal/monitor"
	"github.com/cronfan/cronfan/internal/scheduler"
	"github.com/cronfan/cronfan/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type schedulerConfig struct {
	configDir    string
	logDir       string
	bindAddr     string
	apiAddr      string
	logLevel     string
	defaultAgent string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &schedulerConfig{}

	root := &cobra.Command{
		Use:   "cronfan-scheduler",
		Short: "cronfan scheduler — distributed cron control plane",
		Long: `cronfan-scheduler reads a directory of job definitions, fans each
scheduled firing out to remote targets through a remote-execution bus, and
observes each execution in real time over a persistent agent channel.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.configDir, "config-dir", envOrDefault("CRONFAN_CONFIG_DIR", "./jobs.d"), "Directory of *.yaml job/maintenance/runtime config files")
	root.PersistentFlags().StringVar(&cfg.logDir, "log-dir", envOrDefault("CRONFAN_LOG_DIR", "./log"), "Directory for per-job append-only instance log files")
	root.PersistentFlags().StringVar(&cfg.bindAddr, "bind-addr", envOrDefault("CRONFAN_BIND_ADDR", ":8620"), "Agent channel server listen address")
	root.PersistentFlags().StringVar(&cfg.apiAddr, "api-addr", envOrDefault("CRONFAN_API_ADDR", ":8621"), "External API surface listen address")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CRONFAN_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.defaultAgent, "default-agent-path", envOrDefault("CRONFAN_DEFAULT_AGENT_PATH", "/usr/local/bin/cronfan-agent"), "Default agent binary path, overridable per job")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cronfan-scheduler %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *schedulerConfig) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting cronfan scheduler",
		zap.String("version", version),
		zap.String("config_dir", cfg.configDir),
		zap.String("bind_addr", cfg.bindAddr),
		zap.String("api_addr", cfg.apiAddr),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Config loader ---
	// A failure to read the directory at startup is fatal (§7).
	loader := config.New(cfg.configDir, logger)
	if err := loader.Load(); err != nil {
		return fmt.Errorf("failed to load initial config: %w", err)
	}
	if err := loader.Watch(ctx); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	// --- 2. Shared store, bus, log sink, metrics ---
	st := store.New()
	sink := logsink.New(cfg.logDir)
	defer sink.Close() //nolint:errcheck

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	// The bus is an external collaborator (§1); LocalBus is the dev/test
	// stand-in wired here until a production adapter is supplied.
	runtime := loader.Current().Runtime
	agentPath := runtime.DefaultAgentPath
	if agentPath == "" {
		agentPath = cfg.defaultAgent
	}
	localBus := bus.NewLocalBus(nil)

	channelURL := "ws://" + cfg.bindAddr + "/channel"
	disp := dispatcher.New(localBus, st, channelURL, agentPath, logger)
	disp.SetMetrics(met)

	mon := monitor.New(st, sink, logger)
	mon.SetMetrics(met)

	sched := scheduler.New(loader, st, disp, logger)

	// --- 3. Housekeeping: config debounce reload ---
	hk := housekeeping.New(logger)
	hk.Every("@every 2s", "config-reload-debounce", loader.ReloadIfDirty)
	hk.Start()
	defer hk.Stop()

	// --- 4. Agent channel server ---
	chServer := channelserver.New(st, logger)
	go chServer.RunCommandPoller(ctx)

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				met.SetAgentConnections(chServer.ConnectedCount())
			}
		}
	}()

	channelMux := http.NewServeMux()
	channelMux.Handle("/channel", chServer)
	channelSrv := &http.Server{
		Addr:    cfg.bindAddr,
		Handler: channelMux,
	}
	go func() {
		logger.Info("agent channel server listening", zap.String("addr", cfg.bindAddr))
		if err := channelSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("channel server error", zap.Error(err))
			cancel()
		}
	}()

	// --- 5. Scheduler tick loop ---
	go sched.Run(ctx)

	// --- 6. Job monitor ---
	go mon.Run(ctx)

	// --- 7. External API surface ---
	router := api.NewRouter(st, loader, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), logger)
	apiSrv := &http.Server{
		Addr:         cfg.apiAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("api server listening", zap.String("addr", cfg.apiAddr))
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server error", zap.Error(err))
			cancel()
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down cronfan scheduler")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server graceful shutdown error", zap.Error(err))
	}
	if err := channelSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("channel server graceful shutdown error", zap.Error(err))
	}

	logger.Info("cronfan scheduler stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
