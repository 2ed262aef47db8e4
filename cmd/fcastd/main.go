// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbeema/fcastd/pkg/agent"
	"github.com/mbeema/fcastd/pkg/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var (
		configPath  string
		configDir   string
		logLevel    string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "path to configuration file")
	flag.StringVar(&configDir, "config-dir", "", "path to config directory (base.yaml, hooks.yaml, receiver.yaml)")
	flag.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("fcastd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	load := func() (*config.Config, string, error) {
		if configDir != "" {
			cfg, err := config.LoadDir(configDir)
			return cfg, configDir, err
		}
		return loadConfig(configPath)
	}

	cfg, source, err := load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", cfg.LogLevel, err)
		os.Exit(1)
	}
	logger, err := newLogger(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting fcastd",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("config", source),
	)

	a, err := agent.New(cfg, agent.BuildInfo{Version: version, Commit: commit}, &level, logger)
	if err != nil {
		logger.Fatal("failed to create receiver", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		logger.Fatal("failed to start receiver", zap.Error(err))
	}

	apply := func(newCfg *config.Config, trigger string) {
		if logLevel != "" {
			newCfg.LogLevel = logLevel
		}
		if err := a.Reload(newCfg); err != nil {
			logger.Error("failed to apply reloaded config",
				zap.String("trigger", trigger),
				zap.Error(err),
			)
		}
	}

	var watcher *config.Watcher
	if source != "" {
		watcher = config.NewWatcher(source, apply, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config watcher unavailable, reload with SIGHUP", zap.Error(err))
			watcher = nil
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			if watcher != nil {
				watcher.Stop()
			}
			cancel()

			shutdownDone := make(chan struct{})
			go func() {
				if err := a.Stop(); err != nil {
					logger.Error("error during shutdown", zap.Error(err))
				}
				close(shutdownDone)
			}()

			select {
			case <-shutdownDone:
				logger.Info("fcastd stopped")
			case <-time.After(shutdownTimeout):
				logger.Error("shutdown timed out, forcing exit", zap.Duration("timeout", shutdownTimeout))
				os.Exit(1)
			}
			return

		case <-hupCh:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, _, err := load()
			if err != nil {
				logger.Error("failed to reload config", zap.Error(err))
				continue
			}
			apply(newCfg, "SIGHUP")
		}
	}
}

// loadConfig loads path, or the first default location that exists. With
// no file at all the built-in defaults are used and source is empty.
func loadConfig(path string) (cfg *config.Config, source string, err error) {
	if path != "" {
		cfg, err = config.Load(path)
		return cfg, path, err
	}

	defaults := []string{
		"configs/fcastd.yaml",
		"/etc/fcastd/fcastd.yaml",
		"/etc/fcastd.yaml",
	}
	for _, p := range defaults {
		if _, err := os.Stat(p); err == nil {
			cfg, err = config.Load(p)
			return cfg, p, err
		}
	}

	cfg = config.DefaultConfig()
	cfg.ApplyEnvOverrides()
	return cfg, "", cfg.Validate()
}

func newLogger(level zap.AtomicLevel) (*zap.Logger, error) {
	cfg := zap.Config{
		Level:            level,
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}
