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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNative(t *testing.T, dir string) *NativeSemaphore {
	t.Helper()
	sem, err := NewNativeSemaphore("resource", NativeOptions{
		Dir:          dir,
		PollInterval: testPoll,
		Logger:       testLogger(t),
	})
	require.NoError(t, err)
	return sem
}

func TestNativeSemaphore_Exclusion(t *testing.T) {
	dir := t.TempDir()
	a, b := newNative(t, dir), newNative(t, dir)
	assert.Equal(t, a.Path(), b.Path())

	ok, err := a.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)

	// Re-entrant for the same semaphore.
	ok, err = a.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquire()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release())

	ok, err = b.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Release())
}

func TestNativeSemaphore_WaitOneTimesOut(t *testing.T) {
	dir := t.TempDir()
	a, b := newNative(t, dir), newNative(t, dir)

	ok, err := a.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
	defer a.Release()

	const wait = 200 * time.Millisecond
	start := time.Now()
	ok, err = b.WaitOne(wait)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), wait)
}

func TestNativeSemaphore_WaitOneFreeLockReturnsQuickly(t *testing.T) {
	a := newNative(t, t.TempDir())

	start := time.Now()
	ok, err := a.WaitOne(300 * time.Millisecond)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Less(t, elapsed, 100*time.Millisecond)
	require.NoError(t, a.Release())
}

func TestNativeSemaphore_WaitAfterRelease(t *testing.T) {
	dir := t.TempDir()
	a, b := newNative(t, dir), newNative(t, dir)

	ok, err := a.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = a.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Wait(ctx, "Waiting for native lock"))
	require.NoError(t, b.Release())
}

func TestNativeSemaphore_WaitHonoursContext(t *testing.T) {
	dir := t.TempDir()
	a, b := newNative(t, dir), newNative(t, dir)

	ok, err := a.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
	defer a.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Wait(ctx, ""), context.DeadlineExceeded)
}

func TestNativeSemaphore_ReleaseWithoutAcquire(t *testing.T) {
	assert.NoError(t, newNative(t, t.TempDir()).Release())
}
