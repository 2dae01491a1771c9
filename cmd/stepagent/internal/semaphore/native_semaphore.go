// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package semaphore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// NativeOptions configures a NativeSemaphore.
type NativeOptions struct {
	// Dir holds the lock files. Default: DefaultLockDir().
	Dir string

	// PollInterval is the delay between attempts. Default: DefaultPollInterval.
	PollInterval time.Duration

	Logger *slog.Logger
}

// NativeSemaphore is a named lock backed by an OS advisory lock.
//
// # Description
//
// The kernel drops the lock when the holder's file handle closes, including
// on crash, so no liveness checks or timeouts apply. The lock file itself is
// long-lived and never deleted: unlinking a file another process is about to
// lock would let two holders lock different inodes under the same name.
//
// # Thread Safety
//
// Not safe for concurrent use.
type NativeSemaphore struct {
	name         string
	fl           *flock.Flock
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewNativeSemaphore creates an OS-lock semaphore for name.
func NewNativeSemaphore(name string, opts NativeOptions) (*NativeSemaphore, error) {
	if name == "" {
		return nil, ErrEmptyLockName
	}
	if opts.Dir == "" {
		opts.Dir = DefaultLockDir()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory %s: %w", opts.Dir, err)
	}

	path := LockPath(opts.Dir, name, NativeLockExt)
	return &NativeSemaphore{
		name:         name,
		fl:           flock.New(filepath.Clean(path)),
		pollInterval: opts.PollInterval,
		logger:       opts.Logger.With("lock", name),
	}, nil
}

// Name returns the lock name.
func (s *NativeSemaphore) Name() string { return s.name }

// Path returns the lock file path.
func (s *NativeSemaphore) Path() string { return s.fl.Path() }

// TryAcquire makes one attempt to take the lock. A semaphore that already
// holds its lock reports true.
func (s *NativeSemaphore) TryAcquire() (bool, error) {
	if s.fl.Locked() {
		return true, nil
	}
	ok, err := s.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("locking %s: %w", s.fl.Path(), err)
	}
	return ok, nil
}

// WaitOne polls until the lock is taken or timeout has elapsed.
func (s *NativeSemaphore) WaitOne(timeout time.Duration) (bool, error) {
	ok, err := s.TryAcquire()
	if ok || err != nil {
		return ok, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ok, err = s.fl.TryLockContext(ctx, s.pollInterval)
	if errors.Is(err, context.DeadlineExceeded) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("locking %s: %w", s.fl.Path(), err)
	}
	return ok, nil
}

// Wait polls until the lock is taken or ctx is done.
func (s *NativeSemaphore) Wait(ctx context.Context, waitDescription string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ok, err := s.TryAcquire()
	if ok || err != nil {
		return err
	}
	if waitDescription != "" {
		s.logger.Info(waitDescription,
			"path", s.fl.Path())
	}

	ok, err = s.fl.TryLockContext(ctx, s.pollInterval)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("locking %s: %w", s.fl.Path(), err)
	}
	if !ok {
		return ctx.Err()
	}
	return nil
}

// Release unlocks the file if this semaphore holds it.
func (s *NativeSemaphore) Release() error {
	if !s.fl.Locked() {
		lockReleaseTotal.WithLabelValues(string(BackendNative), "not_owner").Inc()
		return nil
	}
	if err := s.fl.Unlock(); err != nil {
		lockReleaseTotal.WithLabelValues(string(BackendNative), "error").Inc()
		return fmt.Errorf("unlocking %s: %w", s.fl.Path(), err)
	}
	lockReleaseTotal.WithLabelValues(string(BackendNative), "released").Inc()
	return nil
}

var _ Semaphore = (*NativeSemaphore)(nil)
