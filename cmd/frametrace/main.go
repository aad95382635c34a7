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
	"sync"
	"syscall"
	"time"

	"github.com/mbeema/frametrace/pkg/agent"
	"github.com/mbeema/frametrace/pkg/config"
	"github.com/mbeema/frametrace/pkg/host"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  string
		configDir   string
		logLevel    string
		sink        string
		threads     int
		iterations  int
		interval    time.Duration
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "path to configuration file")
	flag.StringVar(&configDir, "config-dir", "", "path to config directory (multi-file mode with auto-reload)")
	flag.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.StringVar(&sink, "sink", "", "override sink_endpoint, e.g. stdout://json")
	flag.IntVar(&threads, "threads", 1, "concurrent workload threads")
	flag.IntVar(&iterations, "iterations", 0, "workload runs per thread; 0 runs until interrupted")
	flag.DurationVar(&interval, "interval", 500*time.Millisecond, "pause between workload runs")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("frametrace %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	load := func() (*config.Config, error) {
		var cfg *config.Config
		var err error
		if configDir != "" {
			cfg, err = config.LoadDir(configDir)
		} else {
			cfg, err = loadConfig(configPath)
		}
		if err != nil {
			return nil, err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if sink != "" {
			cfg.SinkEndpoint = sink
		}
		return cfg, nil
	}

	cfg, err := load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting frametrace",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	rt := host.NewMachine()
	tr, err := agent.New(cfg, rt, logger)
	if err != nil {
		logger.Fatal("failed to create tracer", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tr.Start(ctx); err != nil {
		logger.Fatal("failed to start tracer", zap.Error(err))
	}

	// Start config directory watcher if --config-dir is set
	var watcher *config.Watcher
	if configDir != "" {
		watcher = config.NewWatcher(configDir, func(newCfg *config.Config, changedFile string) {
			if sink != "" {
				newCfg.SinkEndpoint = sink
			}
			if err := tr.Reload(newCfg); err != nil {
				logger.Error("failed to apply reloaded config",
					zap.String("file", changedFile),
					zap.Error(err),
				)
			}
		}, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Fatal("failed to start config watcher", zap.Error(err))
		}
	}

	workDone := make(chan struct{})
	go func() {
		runWorkload(ctx, rt, threads, iterations, interval, logger)
		close(workDone)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// SIGHUP for config reload (single-file mode)
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			shutdown(tr, watcher, cancel, logger)
			return

		case <-workDone:
			if iterations > 0 {
				logger.Info("workload finished")
				shutdown(tr, watcher, cancel, logger)
				return
			}
			workDone = nil

		case <-hupCh:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, err := load()
			if err != nil {
				logger.Error("failed to reload config", zap.Error(err))
				continue
			}
			if err := tr.Reload(newCfg); err != nil {
				logger.Error("failed to apply new config", zap.Error(err))
			} else {
				logger.Info("configuration reloaded successfully")
			}
		}
	}
}

func shutdown(tr *agent.Tracer, watcher *config.Watcher, cancel context.CancelFunc, logger *zap.Logger) {
	if watcher != nil {
		watcher.Stop()
	}
	cancel()

	if err := tr.Shutdown(context.Background()); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}
	st := tr.Stats()
	logger.Info("frametrace stopped",
		zap.Int64("sent_count", st.Sent),
		zap.Int64("dropped_count", st.Dropped),
		zap.Int64("error_count", st.Errors),
	)
}

// runWorkload drives the demo program on the simulated runtime.
func runWorkload(ctx context.Context, rt *host.Machine, threads, iterations int, interval time.Duration, logger *zap.Logger) {
	prog := demoProgram()
	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; iterations == 0 || n < iterations; n++ {
				if err := rt.Run(prog); err != nil {
					logger.Debug("workload raised", zap.Error(err))
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(interval):
				}
			}
		}()
	}
	wg.Wait()
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default locations
	defaults := []string{
		"configs/frametrace.yaml",
		"/etc/frametrace/frametrace.yaml",
	}
	for _, p := range defaults {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}

	cfg := config.DefaultConfig()
	cfg.ApplyEnvOverrides()
	return cfg, cfg.Validate()
}

func newLogger(level string) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}
