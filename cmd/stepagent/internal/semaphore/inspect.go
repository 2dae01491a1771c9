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
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"
)

// LockState classifies a lock file found in the lock directory.
type LockState string

const (
	// StateHeld is a file lock owned by a live process within the timeout,
	// or a native lock that is currently taken.
	StateHeld LockState = "held"

	// StateExpired is a file lock owned by a live process past the timeout.
	StateExpired LockState = "expired"

	// StateCrashed is a file lock whose owner is no longer running.
	StateCrashed LockState = "crashed"

	// StateCorrupt is an unreadable file lock younger than the timeout.
	StateCorrupt LockState = "corrupt"

	// StateCorruptExpired is an unreadable file lock older than the timeout.
	StateCorruptExpired LockState = "corrupt-expired"

	// StateBusy is a file lock being written at the moment of inspection.
	StateBusy LockState = "busy"

	// StateFree is a native lock file that nobody holds.
	StateFree LockState = "free"
)

// Sweepable reports whether Sweep removes a lock in this state. Expired
// locks of live owners are only removed when force is set.
func (s LockState) Sweepable(force bool) bool {
	switch s {
	case StateCrashed, StateCorruptExpired:
		return true
	case StateExpired:
		return force
	default:
		return false
	}
}

// LockStatus describes one lock file.
type LockStatus struct {
	// File is the lock file base name without extension.
	File    string
	Path    string
	Backend Backend
	State   LockState

	// Holder and AcquiredAt are set for readable file locks.
	Holder     *Identity
	AcquiredAt time.Time

	// Age is measured from AcquiredAt, or from creation for corrupt files.
	Age time.Duration
}

// inspectConcurrency bounds the number of lock files examined at once.
const inspectConcurrency = 8

// Inspector reports on and cleans up the lock directory.
//
// # Description
//
// Inspect never modifies anything. Sweep deletes file locks that any
// acquirer would take over anyway, re-arbitrating each file just before
// removal. Native lock files are never deleted.
//
// # Thread Safety
//
// Safe for concurrent use.
type Inspector struct {
	dir     string
	timeout time.Duration
	store   *Store
	arbiter *Arbiter
	oracle  ProcessOracle
	clock   Clock
	self    Identity
	logger  *slog.Logger
}

// NewInspector creates an Inspector for the directory and timeout in cfg.
func NewInspector(cfg FactoryConfig) *Inspector {
	f := NewFactory(cfg)
	cfg = f.Config()
	return &Inspector{
		dir:     cfg.Dir,
		timeout: cfg.Timeout,
		store:   NewStore(cfg.FileSystem, cfg.Clock, cfg.Logger),
		arbiter: NewArbiter(cfg.Oracle, cfg.Clock, cfg.Logger),
		oracle:  cfg.Oracle,
		clock:   cfg.Clock,
		self:    CurrentIdentity(cfg.Oracle),
		logger:  cfg.Logger,
	}
}

// Inspect classifies every lock file in the directory.
//
// # Outputs
//
//   - []LockStatus: Sorted by file name. Empty if the directory is missing.
//   - error: Non-nil if the directory cannot be listed or ctx is done.
func (i *Inspector) Inspect(ctx context.Context) ([]LockStatus, error) {
	entries, err := os.ReadDir(i.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing lock directory %s: %w", i.dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == probeFileName {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case FileLockExt, NativeLockExt:
			paths = append(paths, filepath.Join(i.dir, e.Name()))
		}
	}

	statuses := make([]LockStatus, len(paths))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(inspectConcurrency)
	for idx, path := range paths {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			if filepath.Ext(path) == NativeLockExt {
				statuses[idx] = i.inspectNative(path)
			} else {
				statuses[idx] = i.inspectFile(path)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(statuses, func(a, b int) bool {
		return statuses[a].Path < statuses[b].Path
	})
	return statuses, nil
}

func (i *Inspector) inspectFile(path string) LockStatus {
	st := LockStatus{
		File:    strings.TrimSuffix(filepath.Base(path), FileLockExt),
		Path:    path,
		Backend: BackendFile,
	}
	switch o := i.store.Read(path).(type) {
	case Absent:
		st.State = StateFree
	case HeldExclusively:
		st.State = StateBusy
	case Corrupt:
		st.Age = absAge(i.clock.Now(), o.CreatedAt)
		st.State = StateCorrupt
		if st.Age >= i.timeout {
			st.State = StateCorruptExpired
		}
	case Owned:
		holder := o.Record.Identity
		st.Holder = &holder
		st.AcquiredAt = o.Record.AcquiredAt
		st.Age = absAge(i.clock.Now(), o.Record.AcquiredAt)
		switch {
		case !i.oracle.IsRunning(holder.ProcessID, holder.ProcessName):
			st.State = StateCrashed
		case st.Age >= i.timeout:
			st.State = StateExpired
		default:
			st.State = StateHeld
		}
	}
	return st
}

func (i *Inspector) inspectNative(path string) LockStatus {
	st := LockStatus{
		File:    strings.TrimSuffix(filepath.Base(path), NativeLockExt),
		Path:    path,
		Backend: BackendNative,
		State:   StateHeld,
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		i.logger.Debug("Cannot probe native lock",
			"path", path,
			"error", err)
		return st
	}
	if ok {
		_ = fl.Unlock()
		st.State = StateFree
	}
	return st
}

// Sweep removes crashed and expired-corrupt file locks, and with force also
// locks of live owners held past the timeout.
//
// # Description
//
// Each candidate is read and arbitrated again immediately before deletion,
// so a lock that was legitimately re-acquired since Inspect is left alone.
//
// # Outputs
//
//   - int: Number of files removed.
//   - error: Non-nil if inspection fails.
func (i *Inspector) Sweep(ctx context.Context, force bool) (int, error) {
	statuses, err := i.Inspect(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, st := range statuses {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if st.Backend != BackendFile || !st.State.Sweepable(force) {
			continue
		}

		outcome := i.store.Read(st.Path)
		if _, ok := outcome.(Absent); ok {
			continue
		}
		switch i.arbiter.Decide(outcome, i.self, i.timeout) {
		case Acquire:
		case ForciblyAcquire:
			if !force {
				continue
			}
		default:
			continue
		}

		i.store.Delete(st.Path)
		removed++
		i.logger.Info("Removed stale lock file",
			"path", st.Path,
			"state", string(st.State))
	}
	return removed, nil
}

func absAge(now, t time.Time) time.Duration {
	d := now.Sub(t)
	if d < 0 {
		d = -d
	}
	return d
}
