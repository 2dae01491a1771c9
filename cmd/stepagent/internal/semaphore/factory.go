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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Backend selects how named locks are implemented.
type Backend string

const (
	// BackendAuto probes the lock directory and prefers native locks.
	BackendAuto Backend = "auto"

	// BackendFile uses JSON lock files with liveness and timeout recovery.
	BackendFile Backend = "file"

	// BackendNative uses OS advisory locks via flock(2) or LockFileEx.
	BackendNative Backend = "native"
)

// ParseBackend converts a configuration string to a Backend. The empty
// string selects BackendAuto.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case "":
		return BackendAuto, nil
	case BackendAuto, BackendFile, BackendNative:
		return b, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownBackend, s)
	}
}

// DefaultLockDir returns the lock directory used when none is configured.
func DefaultLockDir() string {
	return filepath.Join(os.TempDir(), "stepagent-locks")
}

// FactoryConfig configures a Factory.
type FactoryConfig struct {
	// Dir is the lock directory shared by all cooperating processes.
	Dir string

	// Backend is auto, file or native.
	Backend Backend

	// Timeout is the file backend's stale-lock timeout.
	Timeout time.Duration

	// PollInterval is the delay between acquisition attempts.
	PollInterval time.Duration

	// DisableWatch turns off fsnotify wake-ups for file locks.
	DisableWatch bool

	// FileSystem, Oracle and Clock are injectable for tests.
	FileSystem FileSystem
	Oracle     ProcessOracle
	Clock      Clock

	Logger *slog.Logger
}

// DefaultFactoryConfig returns the configuration used by the agent when
// nothing is overridden.
func DefaultFactoryConfig() FactoryConfig {
	return FactoryConfig{
		Dir:          DefaultLockDir(),
		Backend:      BackendAuto,
		Timeout:      DefaultLockTimeout,
		PollInterval: DefaultPollInterval,
	}
}

// Factory hands out the process-wide lock Manager.
//
// # Description
//
// The backend is decided on the first call to Manager and never changes
// afterwards, so every lock taken through one Factory uses the same
// mechanism. Build one Factory in main and inject its Manager.
//
// # Thread Safety
//
// Safe for concurrent use.
type Factory struct {
	cfg     FactoryConfig
	once    sync.Once
	manager Manager
}

// NewFactory creates a Factory. Zero config fields select defaults.
func NewFactory(cfg FactoryConfig) *Factory {
	defaults := DefaultFactoryConfig()
	if cfg.Dir == "" {
		cfg.Dir = defaults.Dir
	}
	if cfg.Backend == "" {
		cfg.Backend = defaults.Backend
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.Oracle == nil {
		cfg.Oracle = NewProcessOracle()
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Factory{cfg: cfg}
}

// Manager returns the lock Manager, choosing the backend on first use.
func (f *Factory) Manager() Manager {
	f.once.Do(func() {
		backend := f.cfg.Backend
		if backend != BackendFile && backend != BackendNative {
			backend = probeBackend(f.cfg.Dir, f.cfg.Logger)
		}
		f.cfg.Logger.Debug("Selected lock backend",
			"backend", string(backend),
			"dir", f.cfg.Dir)
		f.manager = f.newManager(backend)
	})
	return f.manager
}

// Backend reports the backend chosen by Manager.
func (f *Factory) Backend() Backend {
	return f.Manager().Backend()
}

// Config returns the effective configuration.
func (f *Factory) Config() FactoryConfig {
	return f.cfg
}

func (f *Factory) newManager(backend Backend) Manager {
	cfg := f.cfg
	if backend == BackendNative {
		return &semaphoreManager{
			backend: backend,
			logger:  cfg.Logger,
			newSemaphore: func(name string) (Semaphore, error) {
				return NewNativeSemaphore(name, NativeOptions{
					Dir:          cfg.Dir,
					PollInterval: cfg.PollInterval,
					Logger:       cfg.Logger,
				})
			},
		}
	}

	// Resolve the process name once; each semaphore only needs a new token.
	base := CurrentIdentity(cfg.Oracle)
	return &semaphoreManager{
		backend: BackendFile,
		logger:  cfg.Logger,
		newSemaphore: func(name string) (Semaphore, error) {
			identity := Identity{
				ProcessID:   base.ProcessID,
				ProcessName: base.ProcessName,
				ThreadID:    NextOwnerToken(),
			}
			return NewFileSemaphore(name, FileOptions{
				Dir:          cfg.Dir,
				Timeout:      cfg.Timeout,
				PollInterval: cfg.PollInterval,
				FileSystem:   cfg.FileSystem,
				Oracle:       cfg.Oracle,
				Clock:        cfg.Clock,
				Identity:     &identity,
				DisableWatch: cfg.DisableWatch,
				Logger:       cfg.Logger,
			})
		},
	}
}

// probeFileName cannot collide with a sanitized lock name, since those only
// contain '_' when followed by a hash suffix.
const probeFileName = "_probe" + NativeLockExt

// probeBackend reports BackendNative if an advisory lock can be taken in
// dir, BackendFile otherwise.
func probeBackend(dir string, logger *slog.Logger) Backend {
	if err := os.MkdirAll(dir, 0755); err != nil {
		logger.Debug("Cannot create lock directory for probe, using file locks",
			"dir", dir,
			"error", err)
		return BackendFile
	}
	probe := flock.New(filepath.Join(dir, probeFileName))
	ok, err := probe.TryLock()
	if err != nil {
		logger.Debug("Advisory locks unsupported, using file locks",
			"dir", dir,
			"error", err)
		return BackendFile
	}
	if ok {
		_ = probe.Unlock()
	}
	// A concurrent prober holding the lock still proves support.
	return BackendNative
}
