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
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_EncodeDecode(t *testing.T) {
	want := Record{
		Identity:   Identity{ProcessID: 4242, ProcessName: "stepagent", ThreadID: 7},
		AcquiredAt: fixedTime,
	}

	var buf bytes.Buffer
	require.NoError(t, encodeRecord(&buf, want))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &raw))
	assert.ElementsMatch(t, []string{"ProcessId", "ProcessName", "ThreadId", "Timestamp"}, keys(raw))

	got, err := decodeRecord(&buf)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRecord(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"complete", `{"ProcessId":1,"ProcessName":"a","ThreadId":2,"Timestamp":3}`, false},
		{"unknown fields ignored", `{"ProcessId":1,"ProcessName":"a","ThreadId":2,"Timestamp":3,"Host":"x"}`, false},
		{"zero values allowed", `{"ProcessId":0,"ProcessName":"","ThreadId":0,"Timestamp":0}`, false},
		{"missing ProcessId", `{"ProcessName":"a","ThreadId":2,"Timestamp":3}`, true},
		{"missing ProcessName", `{"ProcessId":1,"ThreadId":2,"Timestamp":3}`, true},
		{"missing ThreadId", `{"ProcessId":1,"ProcessName":"a","Timestamp":3}`, true},
		{"missing Timestamp", `{"ProcessId":1,"ProcessName":"a","ThreadId":2}`, true},
		{"wrong type", `{"ProcessId":"1","ProcessName":"a","ThreadId":2,"Timestamp":3}`, true},
		{"empty", ``, true},
		{"truncated", `{"ProcessId":1,"Proc`, true},
		{"not json", `lock`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeRecord(strings.NewReader(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIdentity_Equal(t *testing.T) {
	base := Identity{ProcessID: 1, ProcessName: "stepagent", ThreadID: 1}

	assert.True(t, base.Equal(base))
	assert.False(t, base.Equal(Identity{ProcessID: 2, ProcessName: "stepagent", ThreadID: 1}))
	assert.False(t, base.Equal(Identity{ProcessID: 1, ProcessName: "other", ThreadID: 1}))
	assert.False(t, base.Equal(Identity{ProcessID: 1, ProcessName: "stepagent", ThreadID: 2}))
	assert.Equal(t, "1/stepagent/1", base.String())
}

func TestNextOwnerToken_Unique(t *testing.T) {
	seen := map[int64]bool{}
	for i := 0; i < 100; i++ {
		tok := NextOwnerToken()
		assert.NotZero(t, tok)
		assert.False(t, seen[tok], "token %d reused", tok)
		seen[tok] = true
	}
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
