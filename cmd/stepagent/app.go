// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/AleutianAI/stepagent/cmd/stepagent/config"
	"github.com/AleutianAI/stepagent/cmd/stepagent/internal/logging"
	"github.com/AleutianAI/stepagent/cmd/stepagent/internal/semaphore"
	"github.com/AleutianAI/stepagent/cmd/stepagent/internal/telemetry"
	"github.com/AleutianAI/stepagent/cmd/stepagent/internal/ux"
)

// globalOptions holds the persistent flags.
type globalOptions struct {
	configPath string
	logLevel   string
	lockDir    string
	backend    string
	plain      bool
}

// App is everything one invocation needs, built once from config and flags.
type App struct {
	Config  config.StepAgentConfig
	Logger  *slog.Logger
	Locks   *semaphore.Factory
	Printer *ux.Printer

	logs     *logging.Logger
	shutdown telemetry.ShutdownFunc
}

// newApp loads configuration, applies flag overrides and starts logging
// and tracing.
func newApp(ctx context.Context, opts globalOptions, stdout, stderr io.Writer) (*App, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	logs, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Dir:    cfg.Logging.Dir,
		Writer: stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceVersion: version,
		RunID:          logs.RunID(),
		TraceExporter:  cfg.Tracing.Exporter,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		OTLPInsecure:   cfg.Tracing.Insecure,
		Writer:         stderr,
	})
	if err != nil {
		logs.Close()
		return nil, err
	}

	backend, err := semaphore.ParseBackend(cfg.Locks.Backend)
	if err != nil {
		logs.Close()
		return nil, err
	}

	logger := logs.Slog()
	return &App{
		Config: cfg,
		Logger: logger,
		Locks: semaphore.NewFactory(semaphore.FactoryConfig{
			Dir:          cfg.Locks.Dir,
			Backend:      backend,
			Timeout:      cfg.Locks.Timeout,
			PollInterval: cfg.Locks.PollInterval,
			Logger:       logger,
		}),
		Printer:  ux.NewPrinter(stdout, stderr, opts.plain),
		logs:     logs,
		shutdown: shutdown,
	}, nil
}

func loadConfig(opts globalOptions) (config.StepAgentConfig, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return cfg, err
	}
	if opts.lockDir != "" {
		cfg.Locks.Dir = opts.lockDir
	}
	if opts.backend != "" {
		cfg.Locks.Backend = opts.backend
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	return cfg, config.Validate(cfg)
}

// Close writes the metrics textfile, flushes spans and closes the log file.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if path := a.Config.Metrics.Textfile; path != "" {
		if err := telemetry.WriteMetrics(path); err != nil {
			errs = append(errs, fmt.Errorf("failed to write metrics: %w", err))
		}
	}
	if err := a.shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush traces: %w", err))
	}
	if err := a.logs.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// inspector returns an Inspector over the same directory and timeout as
// the lock factory.
func (a *App) inspector() *semaphore.Inspector {
	return semaphore.NewInspector(a.Locks.Config())
}
