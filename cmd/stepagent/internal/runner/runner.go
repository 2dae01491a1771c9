// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runner runs a deployment step command while holding a named lock.
package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/AleutianAI/stepagent/cmd/stepagent/internal/semaphore"
)

// stderrTailBytes bounds the stderr kept for CommandError.
const stderrTailBytes = 4096

// waitDelay is how long a cancelled child gets before its pipes are closed.
const waitDelay = 5 * time.Second

// EnvLockName is set in the child's environment to the lock it runs under.
const EnvLockName = "STEPAGENT_LOCK"

// Spec describes one locked command.
type Spec struct {
	// LockName names the lock to hold while the command runs.
	LockName string

	// WaitDescription is logged once if the lock is contended.
	WaitDescription string

	// Timeout bounds the wait for the lock. Zero waits until ctx is done.
	Timeout time.Duration

	Command string
	Args    []string

	// Dir is the working directory. Empty inherits ours.
	Dir string

	// Env is appended to the inherited environment.
	Env []string
}

// Options configures a Runner. Nil streams inherit the process's own.
type Options struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

// Runner executes commands under named locks.
//
// # Thread Safety
//
// Safe for concurrent use; each Run takes its own lock handle.
type Runner struct {
	locks  semaphore.Manager
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
}

// New creates a Runner that takes locks from locks.
func New(locks semaphore.Manager, opts Options) *Runner {
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		locks:  locks,
		stdin:  opts.Stdin,
		stdout: opts.Stdout,
		stderr: opts.Stderr,
		logger: opts.Logger,
	}
}

// Run acquires spec.LockName, runs the command and releases the lock.
//
// # Description
//
// The lock is released on every exit path, including a failed start and
// cancellation. Cancelling ctx while waiting returns ctx.Err(); cancelling
// while the child runs kills it.
//
// # Outputs
//
//   - int: The child's exit code, or -1 if it never ran.
//   - error: nil on exit code 0; a *CommandError for child failures;
//     otherwise a lock error (ErrLockTimeout, ctx.Err(), ...).
func (r *Runner) Run(ctx context.Context, spec Spec) (int, error) {
	if spec.Command == "" {
		return -1, ErrNoCommand
	}

	handle, err := r.acquire(ctx, spec)
	if err != nil {
		return -1, err
	}
	defer handle.Release()

	cmdline := strings.Join(append([]string{spec.Command}, spec.Args...), " ")
	tail := newTailBuffer(stderrTailBytes)

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(append(os.Environ(), spec.Env...), EnvLockName+"="+spec.LockName)
	cmd.Stdin = r.stdin
	cmd.Stdout = r.stdout
	cmd.Stderr = io.MultiWriter(r.stderr, tail)
	cmd.WaitDelay = waitDelay

	start := time.Now()
	r.logger.Debug("Running locked command",
		"lock", spec.LockName,
		"command", cmdline)

	err = cmd.Run()
	duration := time.Since(start)
	if err == nil {
		r.logger.Debug("Locked command finished",
			"lock", spec.LockName,
			"duration", duration.String())
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		r.logger.Warn("Locked command failed",
			"lock", spec.LockName,
			"command", cmdline,
			"exit_code", code,
			"duration", duration.String())
		return code, NewCommandError(cmdline, code, tail.String(), err)
	}
	return -1, NewCommandError(cmdline, -1, tail.String(), err)
}

// acquire waits for the lock until ctx is done or spec.Timeout elapses.
// Expiry of spec.Timeout is reported as ErrLockTimeout; cancellation of ctx
// itself as ctx.Err().
func (r *Runner) acquire(ctx context.Context, spec Spec) (*semaphore.Handle, error) {
	if spec.Timeout <= 0 {
		return r.locks.Acquire(ctx, spec.LockName, spec.WaitDescription)
	}

	waitCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()
	handle, err := r.locks.Acquire(waitCtx, spec.LockName, spec.WaitDescription)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &semaphore.LockError{Name: spec.LockName, Err: semaphore.ErrLockTimeout}
	}
	return handle, err
}
