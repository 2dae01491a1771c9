// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package semaphore

import (
	"errors"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// OpenExclusive opens a lock file with flock(2) standing in for a share mode.
//
// # Description
//
// Readers take a non-blocking shared lock, so a reader racing a writer sees
// errSharingViolation instead of a half-written record. Writers create the
// file with O_EXCL and then block for the exclusive lock, which readers
// only hold for the duration of one read.
//
// Filesystems without flock support are treated as lock-free: the open
// succeeds and the O_EXCL create remains the only guard.
func (osFileSystem) OpenExclusive(path string, mode OpenMode) (io.ReadWriteCloser, error) {
	switch mode {
	case OpenRead:
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); err != nil {
			if errors.Is(err, unix.EWOULDBLOCK) {
				f.Close()
				return nil, errSharingViolation
			}
		}
		return &exclusiveFile{File: f}, nil

	case OpenCreateNew:
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			return nil, err
		}
		// Error ignored: without flock the O_EXCL create still decides the race.
		_ = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		return &exclusiveFile{File: f, sync: true}, nil

	default:
		return nil, &os.PathError{Op: "open", Path: path, Err: unix.EINVAL}
	}
}

// CreationTime prefers the birth time and falls back to mtime.
func (osFileSystem) CreationTime(path string) (time.Time, error) {
	if t, ok := birthTime(path); ok {
		return t, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// isSystemicError reports failures that retrying cannot fix.
func isSystemicError(err error) bool {
	return errors.Is(err, unix.ENOSPC) ||
		errors.Is(err, unix.EROFS) ||
		errors.Is(err, unix.EDQUOT)
}
