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
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessOracle_CurrentProcess(t *testing.T) {
	oracle := NewProcessOracle()

	name, err := oracle.Name(os.Getpid())
	require.NoError(t, err)
	require.NotEmpty(t, name)

	assert.True(t, oracle.IsRunning(os.Getpid(), name))
	assert.False(t, oracle.IsRunning(os.Getpid(), name+"-other"))
}

func TestProcessOracle_NoSuchProcess(t *testing.T) {
	oracle := NewProcessOracle()

	assert.False(t, oracle.IsRunning(0, "stepagent"))
	assert.False(t, oracle.IsRunning(-1, "stepagent"))
	assert.False(t, oracle.IsRunning(1<<30, "stepagent"))

	_, err := oracle.Name(0)
	assert.ErrorIs(t, err, errProcessNotFound)
}

func TestCurrentIdentity(t *testing.T) {
	oracle := NewProcessOracle()

	a := CurrentIdentity(oracle)
	b := CurrentIdentity(oracle)

	assert.Equal(t, os.Getpid(), a.ProcessID)
	assert.Equal(t, a.ProcessName, b.ProcessName)
	assert.NotEqual(t, a.ThreadID, b.ThreadID)
	assert.False(t, a.Equal(b))
	assert.True(t, oracle.IsRunning(a.ProcessID, a.ProcessName))
}

func TestCurrentIdentity_FallsBackToExecutableName(t *testing.T) {
	id := CurrentIdentity(newFakeOracle())
	assert.NotEmpty(t, id.ProcessName)
}
