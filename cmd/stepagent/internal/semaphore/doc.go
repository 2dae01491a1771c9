// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package semaphore provides host-local, cross-process named locks for
deployment steps.

Several stepagent invocations may run on the same host at once and touch
the same extraction directory or package cache entry. A named lock keeps
those critical sections apart, survives holders that crash or are killed,
and needs nothing beyond the local filesystem.

# Backends

Two implementations share the [Semaphore] contract:

  - [FileSemaphore] persists a JSON lock record per name and decides with
    the [Arbiter] whether to acquire, wait or steal. Works on any
    filesystem that supports exclusive create.
  - [NativeSemaphore] uses advisory OS locks (flock(2) or LockFileEx). The
    kernel releases the lock when the holder dies.

A [Factory] picks one backend for the life of the process. The two are
never mixed, since a file lock and a native lock on the same name would not
exclude each other.

# Lock Records

A file lock holds a single JSON object:

	{"ProcessId":4242,"ProcessName":"stepagent","ThreadId":3,"Timestamp":1760659200000000000}

Timestamp is Unix nanoseconds. Unknown fields are ignored, a missing
required field makes the record corrupt.

# Arbitration

	Absent                                     -> Acquire
	HeldExclusively                            -> DontAcquire
	Corrupt,  age >= timeout                   -> Acquire
	Corrupt,  age <  timeout                   -> DontAcquire
	Owned by us                                -> Acquire
	Owned by a process that is not running     -> Acquire
	Owned by a live process, age <  timeout    -> DontAcquire
	Owned by a live process, age >= timeout    -> ForciblyAcquire

# Thread Safety

A single [FileSemaphore] or [NativeSemaphore] must not be used from more
than one goroutine at a time. [Manager] is safe for concurrent use: every
acquisition gets its own semaphore and owner token.

# Example

	factory := semaphore.NewFactory(semaphore.DefaultFactoryConfig())
	manager := factory.Manager()

	handle, err := manager.Acquire(ctx, "extract-/opt/app", "Waiting for another extraction")
	if err != nil {
	    return err
	}
	defer handle.Release()
*/
package semaphore
