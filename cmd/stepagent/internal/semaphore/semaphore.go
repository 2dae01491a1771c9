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
	"context"
	"time"
)

// DefaultPollInterval is how often a waiter retries a contended lock.
const DefaultPollInterval = 200 * time.Millisecond

// DefaultLockTimeout is the age after which a live holder is dispossessed.
const DefaultLockTimeout = 2 * time.Minute

// Semaphore is a single named lock.
//
// # Description
//
// FileSemaphore and NativeSemaphore both implement Semaphore; callers pick
// one through a Factory and never mix them.
//
// # Thread Safety
//
// Not safe for concurrent use. Use one Semaphore per goroutine, or go
// through a Manager.
type Semaphore interface {
	// Name returns the lock name.
	Name() string

	// TryAcquire makes a single attempt to take the lock.
	TryAcquire() (bool, error)

	// WaitOne polls until the lock is taken or timeout has elapsed. It
	// reports false on timeout, never earlier than timeout.
	WaitOne(timeout time.Duration) (bool, error)

	// Wait polls until the lock is taken or ctx is done. waitDescription is
	// logged once if the first attempt fails.
	Wait(ctx context.Context, waitDescription string) error

	// Release gives the lock up if it is still ours.
	Release() error
}

// sleep waits for d, an early wake-up, or ctx cancellation.
func sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case <-wake:
		return nil
	}
}
