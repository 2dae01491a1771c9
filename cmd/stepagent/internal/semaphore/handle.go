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
	"log/slog"
	"sync"
)

// Handle is a held named lock.
//
// # Description
//
// Returned by every Manager acquisition. Release gives the lock up at most
// once; with the file backend it deletes the lock file only if the file
// still names this handle's owner, so releasing after the lock was stolen
// is harmless.
//
// # Example
//
//	h, err := mgr.Acquire(ctx, "extract-/opt/app", "Waiting for another extraction")
//	if err != nil {
//	    return err
//	}
//	defer h.Release()
type Handle struct {
	sem     Semaphore
	backend Backend
	logger  *slog.Logger
	once    sync.Once
	err     error
}

func newHandle(sem Semaphore, backend Backend, logger *slog.Logger) *Handle {
	return &Handle{sem: sem, backend: backend, logger: logger}
}

// Name returns the lock name.
func (h *Handle) Name() string { return h.sem.Name() }

// Backend returns the backend that holds the lock.
func (h *Handle) Backend() Backend { return h.backend }

// Release gives up the lock. Safe to call more than once; failures are
// logged.
func (h *Handle) Release() {
	if err := h.Close(); err != nil {
		h.logger.Warn("Failed to release lock",
			"lock", h.sem.Name(),
			"error", err)
	}
}

// Close gives up the lock and returns the first release error.
func (h *Handle) Close() error {
	h.once.Do(func() {
		h.err = h.sem.Release()
	})
	return h.err
}
