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
	"log/slog"
	"time"
)

// FileOptions configures a FileSemaphore. Zero values select defaults.
type FileOptions struct {
	// Dir holds the lock files. Default: DefaultLockDir().
	Dir string

	// Timeout is the age after which a live holder is dispossessed.
	// Default: DefaultLockTimeout.
	Timeout time.Duration

	// PollInterval is the delay between attempts. Default: DefaultPollInterval.
	PollInterval time.Duration

	// FileSystem, Oracle and Clock override the host implementations.
	FileSystem FileSystem
	Oracle     ProcessOracle
	Clock      Clock

	// Identity overrides the caller identity. Default: CurrentIdentity with
	// a fresh owner token.
	Identity *Identity

	// DisableWatch turns off fsnotify wake-ups.
	DisableWatch bool

	Logger *slog.Logger
}

// FileSemaphore is a named lock persisted as a JSON record in a file.
//
// # Description
//
// Each attempt reads the lock file, asks the Arbiter what to do and, when
// allowed, writes a record naming this semaphore's identity. Release only
// deletes a file that still names this identity, so a caller that overran
// its timeout and had the lock stolen never frees the new holder's lock.
//
// # Thread Safety
//
// Not safe for concurrent use.
type FileSemaphore struct {
	name         string
	path         string
	timeout      time.Duration
	pollInterval time.Duration
	identity     Identity
	store        *Store
	arbiter      *Arbiter
	clock        Clock
	watch        bool
	logger       *slog.Logger
}

// NewFileSemaphore creates a file-based semaphore for name.
//
// # Inputs
//
//   - name: Lock name. Must not be empty.
//   - opts: Options; zero values select defaults.
//
// # Outputs
//
//   - *FileSemaphore: Semaphore, not yet acquired.
//   - error: ErrEmptyLockName if name is empty.
func NewFileSemaphore(name string, opts FileOptions) (*FileSemaphore, error) {
	if name == "" {
		return nil, ErrEmptyLockName
	}
	if opts.Dir == "" {
		opts.Dir = DefaultLockDir()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultLockTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Oracle == nil {
		opts.Oracle = NewProcessOracle()
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	identity := CurrentIdentity(opts.Oracle)
	if opts.Identity != nil {
		identity = *opts.Identity
	}

	logger := opts.Logger.With("lock", name)
	return &FileSemaphore{
		name:         name,
		path:         LockPath(opts.Dir, name, FileLockExt),
		timeout:      opts.Timeout,
		pollInterval: opts.PollInterval,
		identity:     identity,
		store:        NewStore(opts.FileSystem, opts.Clock, logger),
		arbiter:      NewArbiter(opts.Oracle, opts.Clock, logger),
		clock:        opts.Clock,
		watch:        !opts.DisableWatch,
		logger:       logger,
	}, nil
}

// Name returns the lock name.
func (s *FileSemaphore) Name() string { return s.name }

// Path returns the lock file path.
func (s *FileSemaphore) Path() string { return s.path }

// Identity returns the identity this semaphore writes into the lock file.
func (s *FileSemaphore) Identity() Identity { return s.identity }

// TryAcquire makes one attempt to take the lock.
//
// # Description
//
// Reads the lock file and arbitrates. On Acquire the record is written; a
// file left by a crashed holder is deleted first, as is the file of a
// ForciblyAcquire. A lost write race is reported as false and not retried
// here.
//
// # Outputs
//
//   - bool: True if the lock is now held by this semaphore.
//   - error: Non-nil only for systemic I/O failures.
func (s *FileSemaphore) TryAcquire() (bool, error) {
	outcome := s.store.Read(s.path)
	switch s.arbiter.Decide(outcome, s.identity, s.timeout) {
	case ForciblyAcquire:
		s.store.Delete(s.path)
		return s.write()
	case Acquire:
		if owned, ok := outcome.(Owned); ok && !owned.Record.Identity.Equal(s.identity) {
			s.store.Delete(s.path)
		}
		return s.write()
	default:
		return false, nil
	}
}

func (s *FileSemaphore) write() (bool, error) {
	return s.store.Write(s.path, Record{
		Identity:   s.identity,
		AcquiredAt: s.clock.Now(),
	})
}

// WaitOne polls until the lock is taken or timeout has elapsed.
//
// # Outputs
//
//   - bool: True if acquired, false once at least timeout has passed.
//   - error: Non-nil only for systemic I/O failures.
func (s *FileSemaphore) WaitOne(timeout time.Duration) (bool, error) {
	start := time.Now()
	ok, err := s.TryAcquire()
	if ok || err != nil {
		return ok, err
	}

	wake, stop := s.watchRemovals()
	defer stop()

	for {
		remaining := timeout - time.Since(start)
		if remaining <= 0 {
			return false, nil
		}
		_ = sleep(context.Background(), min(s.pollInterval, remaining), wake)

		ok, err := s.TryAcquire()
		if ok || err != nil {
			return ok, err
		}
	}
}

// Wait polls until the lock is taken or ctx is done.
//
// # Description
//
// waitDescription is logged once, after the first failed attempt, so long
// waits are visible to operators. With context.Background() the wait never
// ends until the lock is taken.
//
// # Outputs
//
//   - error: ctx.Err() on cancellation, or a systemic I/O error.
func (s *FileSemaphore) Wait(ctx context.Context, waitDescription string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ok, err := s.TryAcquire()
	if ok || err != nil {
		return err
	}

	if waitDescription != "" {
		s.logger.Info(waitDescription,
			"path", s.path)
	}

	wake, stop := s.watchRemovals()
	defer stop()

	for {
		if err := sleep(ctx, s.pollInterval, wake); err != nil {
			return err
		}
		ok, err := s.TryAcquire()
		if ok || err != nil {
			return err
		}
	}
}

// Release deletes the lock file if it still names this semaphore.
func (s *FileSemaphore) Release() error {
	owned, ok := s.store.Read(s.path).(Owned)
	if !ok || !owned.Record.Identity.Equal(s.identity) {
		s.logger.Debug("Not releasing lock owned by someone else",
			"path", s.path)
		lockReleaseTotal.WithLabelValues(string(BackendFile), "not_owner").Inc()
		return nil
	}
	s.store.Delete(s.path)
	lockReleaseTotal.WithLabelValues(string(BackendFile), "released").Inc()
	return nil
}

// Holder returns the identity recorded in the lock file, or nil.
func (s *FileSemaphore) Holder() *Identity {
	if owned, ok := s.store.Read(s.path).(Owned); ok {
		holder := owned.Record.Identity
		return &holder
	}
	return nil
}

func (s *FileSemaphore) watchRemovals() (<-chan struct{}, func()) {
	if !s.watch {
		return nil, func() {}
	}
	return watchRemovals(s.path, s.logger)
}

var _ Semaphore = (*FileSemaphore)(nil)
