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

import "time"

// ReadOutcome is the classified result of reading a lock file.
//
// Exactly one of Absent, HeldExclusively, Corrupt or Owned is returned
// per read. The interface is sealed.
type ReadOutcome interface {
	outcome()
	String() string
}

// Absent means no lock file exists.
type Absent struct{}

// HeldExclusively means the file exists but another process holds an
// exclusive handle on it, so it could not be opened for reading.
type HeldExclusively struct{}

// Corrupt means the file was readable but did not parse as a Record.
type Corrupt struct {
	// CreatedAt is the file's creation time, used to age the file.
	CreatedAt time.Time
}

// Owned means the file parsed into a Record.
type Owned struct {
	Record Record
}

func (Absent) outcome()          {}
func (HeldExclusively) outcome() {}
func (Corrupt) outcome()         {}
func (Owned) outcome()           {}

func (Absent) String() string          { return "absent" }
func (HeldExclusively) String() string { return "held-exclusively" }
func (Corrupt) String() string         { return "corrupt" }
func (Owned) String() string           { return "owned" }
