// Package main is the entry point for the cronfan-agent binary: the
// program the bus actually forks on a target machine (§4.7). It detaches
// from the bus's controlling call immediately, then executes the
// configured command and speaks the channel protocol back to the
// scheduler until completion is acknowledged.
//
// Startup sequence:
//  1. Detach from the bus's process group (re-exec + exit 0 on the parent)
//  2. Read configuration exclusively from SP_* environment variables
//  3. Build logger
//  4. Run the command, streaming output/heartbeats, honouring kill/timeout
//  5. Report completion and exit with the reported retcode (the process's
//     exit code, or a synthesized one on timeout, kill or launch failure)
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/cronfan/cronfan/internal/agent"
	"github.com/cronfan/cronfan/internal/types"
)

func main() {
	// Detach must happen before anything else: the bus is watching this
	// invocation's foreground process, and Phase 1 of the dispatch
	// protocol is only finite if the agent exits immediately (§4.7).
	if !agent.Detach() {
		os.Exit(0)
	}

	cfg, err := agent.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(types.ExitOther)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(types.ExitOther)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting cronfan agent",
		zap.String("job", cfg.JobName),
		zap.String("instance", cfg.InstanceID),
		zap.String("machine", cfg.MachineID),
	)

	a := agent.New(cfg, logger)
	retcode := a.Run(ctx)

	logger.Info("agent run complete", zap.Int("retcode", retcode))
	os.Exit(retcode)
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
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
