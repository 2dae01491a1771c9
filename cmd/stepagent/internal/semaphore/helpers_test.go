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
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock is a settable Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeOracle reports the processes in running as alive.
type fakeOracle struct {
	mu      sync.Mutex
	running map[int]string
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{running: map[int]string{}}
}

func (o *fakeOracle) Start(pid int, name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running[pid] = name
}

func (o *fakeOracle) Kill(pid int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, pid)
}

func (o *fakeOracle) IsRunning(pid int, name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	actual, ok := o.running[pid]
	return ok && actual == name
}

func (o *fakeOracle) Name(pid int) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if name, ok := o.running[pid]; ok {
		return name, nil
	}
	return "", errProcessNotFound
}

// memFS is an in-memory FileSystem with injectable failures.
type memFS struct {
	mu        sync.Mutex
	files     map[string][]byte
	created   map[string]time.Time
	held      map[string]bool
	createErr error
	openErr   error
	clock     Clock
}

func newMemFS(clock Clock) *memFS {
	return &memFS{
		files:   map[string][]byte{},
		created: map[string]time.Time{},
		held:    map[string]bool{},
		clock:   clock,
	}
}

func (m *memFS) put(path string, data []byte, created time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = data
	m.created[path] = created
}

func (m *memFS) get(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	return data, ok
}

func (m *memFS) OpenExclusive(path string, mode OpenMode) (io.ReadWriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch mode {
	case OpenRead:
		if m.openErr != nil {
			return nil, m.openErr
		}
		data, ok := m.files[path]
		if !ok {
			return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
		}
		if m.held[path] {
			return nil, errSharingViolation
		}
		return &memFile{Buffer: bytes.NewBuffer(append([]byte(nil), data...))}, nil
	default:
		if m.createErr != nil {
			return nil, &fs.PathError{Op: "open", Path: path, Err: m.createErr}
		}
		if _, ok := m.files[path]; ok {
			return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrExist}
		}
		m.files[path] = nil
		m.created[path] = m.clock.Now()
		return &memFile{Buffer: &bytes.Buffer{}, commit: func(data []byte) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.files[path]; ok {
				m.files[path] = data
			}
		}}, nil
	}
}

func (m *memFS) Exists(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[path]
	return ok
}

func (m *memFS) Delete(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[path]; !ok {
		return &fs.PathError{Op: "remove", Path: path, Err: fs.ErrNotExist}
	}
	delete(m.files, path)
	delete(m.created, path)
	return nil
}

func (m *memFS) CreationTime(path string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.created[path]
	if !ok {
		return time.Time{}, &fs.PathError{Op: "stat", Path: path, Err: fs.ErrNotExist}
	}
	return t, nil
}

func (m *memFS) MkdirAll(string) error { return nil }

type memFile struct {
	*bytes.Buffer
	commit func([]byte)
}

func (f *memFile) Close() error {
	if f.commit != nil {
		f.commit(f.Bytes())
	}
	return nil
}

// testLogger discards output unless the test is run verbosely.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	if testing.Verbose() {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeRecordFile writes a lock record directly, bypassing the store.
func writeRecordFile(t *testing.T, path string, r Record) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, encodeRecord(f, r))
	require.NoError(t, f.Close())
}

// readRecordFile reads a lock record directly, failing the test if the file
// is missing or corrupt.
func readRecordFile(t *testing.T, path string) Record {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := decodeRecord(f)
	require.NoError(t, err)
	return r
}

// fixedTime is a timestamp with no sub-nanosecond or monotonic component,
// so it survives a round trip through a lock record.
var fixedTime = time.Unix(1_760_659_200, 123_456_789)
