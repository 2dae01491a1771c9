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
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// watchRemovals signals when the lock file at path is removed or renamed.
//
// # Description
//
// Lets a waiter retry as soon as the holder releases instead of sleeping
// out the rest of the poll interval. The poll loop stays authoritative: if
// the watcher cannot be created the returned channel is nil and simply
// never fires. The channel is never closed, so a dead watcher cannot turn
// the poll loop into a spin.
//
// # Outputs
//
//   - <-chan struct{}: Receives at most one pending wake-up.
//   - func(): Stops the watcher. Must be called.
func watchRemovals(path string, logger *slog.Logger) (<-chan struct{}, func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Debug("File watcher unavailable, polling only",
			"error", err)
		return nil, func() {}
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		logger.Debug("Failed to watch lock directory, polling only",
			"path", filepath.Dir(path),
			"error", err)
		return nil, func() {}
	}

	target := filepath.Clean(path)
	wake := make(chan struct{}, 1)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Debug("Lock directory watcher error",
					"error", err)
			case <-done:
				return
			}
		}
	}()

	return wake, func() {
		close(done)
		watcher.Close()
	}
}
