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
	"errors"
	"fmt"
)

// Sentinel errors for named locks.
var (
	// ErrEmptyLockName is returned when a lock is requested without a name.
	ErrEmptyLockName = errors.New("lock name must not be empty")

	// ErrLockHeld is returned by TryAcquire when another owner holds the lock.
	ErrLockHeld = errors.New("lock is held by another owner")

	// ErrLockTimeout is returned by AcquireTimeout when the wait expires.
	ErrLockTimeout = errors.New("timed out waiting for lock")

	// ErrUnknownBackend is returned for an unrecognised backend name.
	ErrUnknownBackend = errors.New("unknown lock backend")

	// errSharingViolation marks an open that failed because another process
	// holds an exclusive handle on the file.
	errSharingViolation = errors.New("file is exclusively held by another process")
)

// LockError describes a failed acquisition of a named lock.
//
// # Description
//
// Wraps ErrLockHeld or ErrLockTimeout together with the lock name and,
// when the lock file could be read, the identity of the current holder.
// Supports errors.Is against the wrapped sentinel.
type LockError struct {
	// Name is the lock name as requested by the caller.
	Name string

	// Holder is the identity found in the lock file, nil if unknown.
	Holder *Identity

	// Err is ErrLockHeld or ErrLockTimeout.
	Err error
}

// Error implements the error interface.
func (e *LockError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("lock %q: %v (held by pid %d, %s, thread %d)",
			e.Name, e.Err, e.Holder.ProcessID, e.Holder.ProcessName, e.Holder.ThreadID)
	}
	return fmt.Sprintf("lock %q: %v", e.Name, e.Err)
}

// Unwrap returns the underlying sentinel error.
func (e *LockError) Unwrap() error {
	return e.Err
}
