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
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"
)

// emptyFileGrace is how long a zero-length lock file is assumed to be in
// the middle of being written rather than abandoned.
const emptyFileGrace = 5 * time.Second

// Store reads, writes and deletes lock files.
//
// # Description
//
// Store translates every filesystem failure into a ReadOutcome or a
// boolean, so callers never see raw I/O errors for expected states. The
// only errors that escape are systemic ones (disk full, read-only
// filesystem), since retrying against those would hang a waiter silently.
//
// # Thread Safety
//
// Store holds no mutable state and is safe for concurrent use.
type Store struct {
	fs     FileSystem
	clock  Clock
	logger *slog.Logger
}

// NewStore creates a Store. Nil arguments select the OS filesystem, the
// system clock and slog.Default().
func NewStore(fsys FileSystem, clock Clock, logger *slog.Logger) *Store {
	if fsys == nil {
		fsys = OSFileSystem()
	}
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{fs: fsys, clock: clock, logger: logger}
}

// Read classifies the lock file at path.
//
// # Description
//
//   - missing file: Absent
//   - sharing conflict, or any other open failure: HeldExclusively
//   - empty and only just created: HeldExclusively
//   - readable but unparseable: Corrupt with the file's creation time
//   - otherwise: Owned
//
// # Outputs
//
//   - ReadOutcome: never nil
func (s *Store) Read(path string) ReadOutcome {
	f, err := s.fs.OpenExclusive(path, OpenRead)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Absent{}
		}
		if !errors.Is(err, errSharingViolation) {
			s.logger.Debug("Unexpected error opening lock file, treating as held",
				"path", path,
				"error", err)
		}
		return HeldExclusively{}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		s.logger.Debug("Failed to read lock file, treating as held",
			"path", path,
			"error", err)
		return HeldExclusively{}
	}

	record, err := decodeRecord(bytes.NewReader(data))
	if err != nil {
		created, statErr := s.fs.CreationTime(path)
		if statErr != nil {
			// The file vanished or cannot be stat'ed; treat it as brand new so
			// it is never taken early.
			created = s.clock.Now()
		}
		if len(data) == 0 && absAge(s.clock.Now(), created) < emptyFileGrace {
			// A writer has created the file but not yet locked it.
			return HeldExclusively{}
		}
		s.logger.Debug("Lock file is not a valid lock record",
			"path", path,
			"error", err)
		return Corrupt{CreatedAt: created}
	}
	return Owned{Record: record}
}

// Write persists record at path if the caller can claim it.
//
// # Description
//
// When the file already holds the same identity the write is skipped, which
// keeps the original acquisition time. A corrupt file is deleted first. The
// record is then written with create-new semantics and read back to confirm
// that this caller won any race.
//
// # Inputs
//
//   - path: Lock file path.
//   - record: Record describing the caller.
//
// # Outputs
//
//   - bool: True when the file now holds the caller's identity.
//   - error: Non-nil only for systemic failures such as a full disk.
func (s *Store) Write(path string, record Record) (bool, error) {
	if s.fs.Exists(path) {
		switch current := s.Read(path).(type) {
		case Owned:
			if current.Record.Identity.Equal(record.Identity) {
				s.logger.Debug("Lock already owned, not rewriting",
					"path", path,
					"owner", record.Identity.String())
				return true, nil
			}
		case Corrupt:
			s.Delete(path)
		}
	}

	f, err := s.fs.OpenExclusive(path, OpenCreateNew)
	if errors.Is(err, fs.ErrNotExist) {
		// Lock directory was removed underneath us.
		if mkErr := s.fs.MkdirAll(filepath.Dir(path)); mkErr != nil {
			return false, s.classifyWriteError(path, mkErr)
		}
		f, err = s.fs.OpenExclusive(path, OpenCreateNew)
	}
	if err != nil {
		return false, s.classifyWriteError(path, err)
	}

	encErr := encodeRecord(f, record)
	closeErr := f.Close()
	if err := errors.Join(encErr, closeErr); err != nil {
		// The file is ours and incomplete.
		s.Delete(path)
		return false, s.classifyWriteError(path, err)
	}

	written, ok := s.Read(path).(Owned)
	if !ok || !written.Record.Identity.Equal(record.Identity) {
		s.logger.Debug("Lock file changed after write, race lost",
			"path", path)
		return false, nil
	}
	return true, nil
}

// Delete removes the lock file at path, logging and swallowing failures.
func (s *Store) Delete(path string) {
	if err := s.fs.Delete(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Debug("Failed to delete lock file",
			"path", path,
			"error", err)
	}
}

// classifyWriteError returns nil for losable races and a wrapped error for
// systemic failures.
func (s *Store) classifyWriteError(path string, err error) error {
	if isSystemicError(err) {
		return fmt.Errorf("writing lock file %s: %w", path, err)
	}
	s.logger.Debug("Could not write lock file",
		"path", path,
		"error", err)
	return nil
}
