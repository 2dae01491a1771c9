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
	"io"
	"os"
	"time"
)

// OpenMode selects how FileSystem.OpenExclusive opens a lock file.
type OpenMode int

const (
	// OpenRead opens an existing file for reading. It fails with
	// errSharingViolation while another process holds the file exclusively.
	OpenRead OpenMode = iota

	// OpenCreateNew creates a file that must not already exist and holds it
	// exclusively until Close. Losing the creation race fails with
	// os.ErrExist.
	OpenCreateNew
)

// String returns the mode name for logs.
func (m OpenMode) String() string {
	switch m {
	case OpenRead:
		return "read"
	case OpenCreateNew:
		return "create-new"
	default:
		return "unknown"
	}
}

// FileSystem is the set of filesystem operations the lock file store needs.
//
// # Description
//
// Substitutable so the store can be tested without touching disk. The OS
// implementation uses advisory locks on unix and share modes on Windows to
// model an exclusive open.
type FileSystem interface {
	// OpenExclusive opens path in the given mode. Missing files report an
	// error matching os.ErrNotExist.
	OpenExclusive(path string, mode OpenMode) (io.ReadWriteCloser, error)

	// Exists reports whether path currently exists.
	Exists(path string) bool

	// Delete removes path.
	Delete(path string) error

	// CreationTime returns when path was created, or its modification time
	// where the platform does not record creation.
	CreationTime(path string) (time.Time, error)

	// MkdirAll creates dir and any missing parents.
	MkdirAll(dir string) error
}

// OSFileSystem returns the FileSystem backed by the host operating system.
func OSFileSystem() FileSystem {
	return osFileSystem{}
}

type osFileSystem struct{}

func (osFileSystem) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (osFileSystem) Delete(path string) error {
	return os.Remove(path)
}

func (osFileSystem) MkdirAll(dir string) error {
	return os.MkdirAll(dir, 0755)
}

// exclusiveFile closes an open lock file, syncing it first when it was
// opened for writing.
type exclusiveFile struct {
	*os.File
	sync bool
}

func (f *exclusiveFile) Close() error {
	var syncErr error
	if f.sync {
		syncErr = f.File.Sync()
	}
	closeErr := f.File.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}
