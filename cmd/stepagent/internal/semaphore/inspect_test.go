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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspector_InspectAndSweep(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	clock := newFakeClock(now)
	oracle := newFakeOracle()
	oracle.Start(alice.ProcessID, alice.ProcessName)

	writeRecordFile(t, LockPath(dir, "held", FileLockExt),
		Record{Identity: alice, AcquiredAt: now.Add(-time.Second)})
	writeRecordFile(t, LockPath(dir, "expired", FileLockExt),
		Record{Identity: alice, AcquiredAt: now.Add(-time.Hour)})
	writeRecordFile(t, LockPath(dir, "crashed", FileLockExt),
		Record{Identity: bob, AcquiredAt: now.Add(-time.Second)})
	require.NoError(t, os.WriteFile(LockPath(dir, "corrupt", FileLockExt), []byte("{"), 0644))

	free := flock.New(LockPath(dir, "native-free", NativeLockExt))
	ok, err := free.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, free.Unlock())

	held := flock.New(LockPath(dir, "native-held", NativeLockExt))
	ok, err = held.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer held.Unlock()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("not a lock"), 0644))

	inspector := NewInspector(FactoryConfig{
		Dir:     dir,
		Timeout: testTimeout,
		Oracle:  oracle,
		Clock:   clock,
		Logger:  testLogger(t),
	})

	statuses, err := inspector.Inspect(context.Background())
	require.NoError(t, err)

	got := map[string]LockState{}
	for _, st := range statuses {
		got[st.File] = st.State
	}
	assert.Equal(t, map[string]LockState{
		"held":        StateHeld,
		"expired":     StateExpired,
		"crashed":     StateCrashed,
		"corrupt":     StateCorrupt,
		"native-free": StateFree,
		"native-held": StateHeld,
	}, got)

	removed, err := inspector.Sweep(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, LockPath(dir, "crashed", FileLockExt))
	assert.FileExists(t, LockPath(dir, "expired", FileLockExt))

	removed, err = inspector.Sweep(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, LockPath(dir, "expired", FileLockExt))
	assert.FileExists(t, LockPath(dir, "held", FileLockExt))
	assert.FileExists(t, LockPath(dir, "corrupt", FileLockExt))
	assert.FileExists(t, LockPath(dir, "native-free", NativeLockExt))

	clock.Advance(time.Hour)
	statuses, err = inspector.Inspect(context.Background())
	require.NoError(t, err)
	for _, st := range statuses {
		if st.File == "corrupt" {
			assert.Equal(t, StateCorruptExpired, st.State)
		}
	}
	removed, err = inspector.Sweep(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, LockPath(dir, "corrupt", FileLockExt))
}

func TestInspector_MissingDirectory(t *testing.T) {
	inspector := NewInspector(FactoryConfig{
		Dir:    filepath.Join(t.TempDir(), "missing"),
		Logger: testLogger(t),
	})
	statuses, err := inspector.Inspect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, statuses)
}

func TestLockState_Sweepable(t *testing.T) {
	assert.True(t, StateCrashed.Sweepable(false))
	assert.True(t, StateCorruptExpired.Sweepable(false))
	assert.False(t, StateExpired.Sweepable(false))
	assert.True(t, StateExpired.Sweepable(true))
	assert.False(t, StateHeld.Sweepable(true))
	assert.False(t, StateCorrupt.Sweepable(true))
	assert.False(t, StateFree.Sweepable(true))
}
