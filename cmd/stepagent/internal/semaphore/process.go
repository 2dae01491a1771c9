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
	"os"
	"path/filepath"
)

// errProcessNotFound is returned by processName when no live process has
// the requested pid.
var errProcessNotFound = errors.New("process not found")

// ProcessOracle answers whether a lock holder is still alive.
//
// # Description
//
// A holder is alive only when a process with the same pid AND the same
// name exists, which guards against the pid being reused by an unrelated
// process after a crash.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type ProcessOracle interface {
	// IsRunning reports whether pid is running under name. Any failure to
	// query the process table reports false, so a crashed holder can always
	// be recovered from.
	IsRunning(pid int, name string) bool

	// Name returns the name the oracle compares for pid.
	Name(pid int) (string, error)
}

// NewProcessOracle returns the ProcessOracle for the host platform.
func NewProcessOracle() ProcessOracle {
	return osProcessOracle{}
}

type osProcessOracle struct{}

func (osProcessOracle) IsRunning(pid int, name string) bool {
	if pid <= 0 {
		return false
	}
	actual, err := processName(pid)
	if err != nil {
		return false
	}
	return actual == name
}

func (osProcessOracle) Name(pid int) (string, error) {
	if pid <= 0 {
		return "", errProcessNotFound
	}
	return processName(pid)
}

// CurrentIdentity returns the identity of the calling process under a new
// owner token.
//
// # Description
//
// The process name comes from the oracle so that other processes checking
// this holder compare like with like. If the oracle cannot name the current
// process, the executable base name is used.
func CurrentIdentity(oracle ProcessOracle) Identity {
	pid := os.Getpid()
	name, err := oracle.Name(pid)
	if err != nil || name == "" {
		name = filepath.Base(os.Args[0])
	}
	return Identity{
		ProcessID:   pid,
		ProcessName: name,
		ThreadID:    NextOwnerToken(),
	}
}
