// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build windows

package semaphore

import (
	"errors"
	"io"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/windows"
)

// OpenExclusive opens a lock file with a zero share mode.
//
// # Description
//
// Any concurrent open of the same file fails with ERROR_SHARING_VIOLATION,
// which is reported as errSharingViolation.
func (osFileSystem) OpenExclusive(path string, mode OpenMode) (io.ReadWriteCloser, error) {
	name, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}

	var access, disposition uint32
	switch mode {
	case OpenRead:
		access, disposition = windows.GENERIC_READ, windows.OPEN_EXISTING
	case OpenCreateNew:
		access, disposition = windows.GENERIC_WRITE, windows.CREATE_NEW
	default:
		return nil, &os.PathError{Op: "open", Path: path, Err: windows.ERROR_INVALID_PARAMETER}
	}

	h, err := windows.CreateFile(name, access, 0, nil, disposition, windows.FILE_ATTRIBUTE_NORMAL, 0)
	if err != nil {
		if errors.Is(err, windows.ERROR_SHARING_VIOLATION) || errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
			return nil, errSharingViolation
		}
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return &exclusiveFile{File: os.NewFile(uintptr(h), path), sync: mode == OpenCreateNew}, nil
}

// CreationTime reads the NTFS creation timestamp.
func (osFileSystem) CreationTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	if data, ok := info.Sys().(*syscall.Win32FileAttributeData); ok {
		return time.Unix(0, data.CreationTime.Nanoseconds()), nil
	}
	return info.ModTime(), nil
}

// isSystemicError reports failures that retrying cannot fix.
func isSystemicError(err error) bool {
	return errors.Is(err, windows.ERROR_DISK_FULL) ||
		errors.Is(err, windows.ERROR_HANDLE_DISK_FULL) ||
		errors.Is(err, windows.ERROR_WRITE_PROTECT)
}
