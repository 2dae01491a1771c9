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
	"io"
	"time"

	"github.com/spf13/cobra"
)

// skipAppAnnotation marks commands that run without loading config,
// logging or the lock factory.
const skipAppAnnotation = "stepagent/skip-app"

// closeTimeout bounds metrics and trace flushing on exit.
const closeTimeout = 5 * time.Second

// cli owns the command tree and the App built for the invoked command.
type cli struct {
	opts   globalOptions
	stdout io.Writer
	stderr io.Writer
	app    *App
}

func newCLI(stdout, stderr io.Writer) *cli {
	return &cli{stdout: stdout, stderr: stderr}
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "stepagent",
		Short: "Host-side deployment agent",
		Long: `stepagent runs deployment steps on a host. Steps that share host state
(package directories, service registrations, journals) serialise on named
locks that survive crashed holders.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
	}
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&c.opts.configPath, "config", "", "Config file (default ~/.stepagent/stepagent.yaml)")
	pf.StringVar(&c.opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	pf.StringVar(&c.opts.lockDir, "lock-dir", "", "Directory holding the lock files")
	pf.StringVar(&c.opts.backend, "backend", "", "Lock backend: auto, file or native")
	pf.BoolVar(&c.opts.plain, "plain", false, "Undecorated output for scripts")

	root.AddCommand(
		c.runCmd(),
		c.extractCmd(),
		c.locksCmd(),
		c.configCmd(),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Annotations[skipAppAnnotation] != "" {
		return nil
	}
	app, err := newApp(cmd.Context(), c.opts, c.stdout, c.stderr)
	if err != nil {
		return err
	}
	c.app = app
	return nil
}

func (c *cli) close() {
	if c.app == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := c.app.Close(ctx); err != nil {
		c.app.Logger.Warn("Shutdown incomplete", "error", err)
	}
}

// execute runs the command line and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	c := newCLI(stdout, stderr)
	root := c.rootCmd()
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	c.close()
	if err != nil {
		reportError(c, err)
	}
	return exitCode(err)
}
