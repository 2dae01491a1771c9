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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/stepagent/cmd/stepagent/internal/runner"
)

type runOptions struct {
	name        string
	waitMessage string
	timeout     time.Duration
	dir         string
	env         []string
}

func (c *cli) runCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:     "run-locked --name NAME [flags] -- COMMAND [ARGS...]",
		Aliases: []string{"run"},
		Short:   "Run a command while holding a named lock",
		Long: `Acquires the named lock, runs COMMAND with inherited stdio and releases
the lock when it exits. The command's exit code becomes stepagent's exit
code. If the lock cannot be taken within --timeout, exits with code 3.
The lock name is exported to the command as STEPAGENT_LOCK.`,
		Example: `  stepagent run-locked --name iis-config --timeout 5m -- appcmd set site web
  stepagent run-locked --name journal -- ./append-entry.sh release-42`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runLocked(cmd, opts, args)
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&opts.name, "name", "", "Lock name (required)")
	cmd.Flags().StringVar(&opts.waitMessage, "wait-message", "", "Logged once if the lock is busy")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Give up waiting after this long (0 waits until interrupted)")
	cmd.Flags().StringVar(&opts.dir, "dir", "", "Working directory for the command")
	cmd.Flags().StringArrayVar(&opts.env, "env", nil, "Extra KEY=VALUE for the command (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func (c *cli) runLocked(cmd *cobra.Command, opts runOptions, args []string) error {
	waitMessage := opts.waitMessage
	if waitMessage == "" {
		waitMessage = "Waiting for lock " + opts.name
	}

	r := runner.New(c.app.Locks.Manager(), runner.Options{
		Stdin:  cmd.InOrStdin(),
		Stdout: c.stdout,
		Stderr: c.stderr,
		Logger: c.app.Logger,
	})
	_, err := r.Run(cmd.Context(), runner.Spec{
		LockName:        opts.name,
		WaitDescription: waitMessage,
		Timeout:         opts.timeout,
		Command:         args[0],
		Args:            args[1:],
		Dir:             opts.dir,
		Env:             opts.env,
	})
	return err
}
