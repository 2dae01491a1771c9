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
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// Identity identifies the holder of a named lock.
//
// # Description
//
// Two identities are equal when process id, process name and thread id all
// match. The acquisition timestamp is deliberately not part of identity.
//
// ThreadID is an owner token rather than an OS thread id: goroutines have
// no stable thread, so each semaphore instance draws a token from
// NextOwnerToken.
type Identity struct {
	ProcessID   int
	ProcessName string
	ThreadID    int64
}

// Equal reports whether both identities name the same holder.
func (i Identity) Equal(other Identity) bool {
	return i.ProcessID == other.ProcessID &&
		i.ProcessName == other.ProcessName &&
		i.ThreadID == other.ThreadID
}

// String formats the identity as pid/name/thread for logs.
func (i Identity) String() string {
	return fmt.Sprintf("%d/%s/%d", i.ProcessID, i.ProcessName, i.ThreadID)
}

var ownerTokens atomic.Int64

// NextOwnerToken returns a process-unique, non-zero owner token.
func NextOwnerToken() int64 {
	return ownerTokens.Add(1)
}

// Record is the persisted content of a lock file.
type Record struct {
	Identity
	AcquiredAt time.Time
}

// recordJSON is the on-disk shape. Pointers distinguish a missing field
// from a zero value.
type recordJSON struct {
	ProcessID   *int    `json:"ProcessId"`
	ProcessName *string `json:"ProcessName"`
	ThreadID    *int64  `json:"ThreadId"`
	Timestamp   *int64  `json:"Timestamp"`
}

// encodeRecord writes r as a single JSON object.
func encodeRecord(w io.Writer, r Record) error {
	ts := r.AcquiredAt.UnixNano()
	return json.NewEncoder(w).Encode(recordJSON{
		ProcessID:   &r.ProcessID,
		ProcessName: &r.ProcessName,
		ThreadID:    &r.ThreadID,
		Timestamp:   &ts,
	})
}

// decodeRecord parses a lock record. Every field is required.
func decodeRecord(rd io.Reader) (Record, error) {
	var raw recordJSON
	if err := json.NewDecoder(rd).Decode(&raw); err != nil {
		return Record{}, fmt.Errorf("decoding lock record: %w", err)
	}
	switch {
	case raw.ProcessID == nil:
		return Record{}, fmt.Errorf("lock record missing ProcessId")
	case raw.ProcessName == nil:
		return Record{}, fmt.Errorf("lock record missing ProcessName")
	case raw.ThreadID == nil:
		return Record{}, fmt.Errorf("lock record missing ThreadId")
	case raw.Timestamp == nil:
		return Record{}, fmt.Errorf("lock record missing Timestamp")
	}
	return Record{
		Identity: Identity{
			ProcessID:   *raw.ProcessID,
			ProcessName: *raw.ProcessName,
			ThreadID:    *raw.ThreadID,
		},
		AcquiredAt: time.Unix(0, *raw.Timestamp),
	}, nil
}
