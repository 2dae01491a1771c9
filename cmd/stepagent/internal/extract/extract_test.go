// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package extract

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/AleutianAI/stepagent/cmd/stepagent/internal/semaphore"
)

type entry struct {
	name string
	body string
	link string
	kind byte
}

func tarBytes(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		h := &tar.Header{Name: e.name, Mode: 0o644, Typeflag: e.kind, Linkname: e.link}
		switch e.kind {
		case tar.TypeDir:
			h.Mode = 0o755
		case tar.TypeReg:
			h.Size = int64(len(e.body))
		}
		require.NoError(t, tw.WriteHeader(h))
		if e.kind == tar.TypeReg {
			_, err := io.WriteString(tw, e.body)
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func compress(t *testing.T, format Format, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch format {
	case FormatTar:
		return raw
	case FormatTarGzip:
		w = gzip.NewWriter(&buf)
	case FormatTarZstd:
		w, err = zstd.NewWriter(&buf)
	case FormatTarXz:
		w, err = xz.NewWriter(&buf)
	default:
		t.Fatalf("no writer for %s", format)
	}
	require.NoError(t, err)
	_, err = w.Write(raw)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func writeArchive(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func newTestExtractor(t *testing.T, opts Options) (*Extractor, semaphore.Manager) {
	t.Helper()
	mgr := semaphore.NewFactory(semaphore.FactoryConfig{
		Dir:          t.TempDir(),
		Backend:      semaphore.BackendFile,
		PollInterval: 10 * time.Millisecond,
	}).Manager()
	return New(mgr, opts), mgr
}

var sampleEntries = []entry{
	{name: "app/", kind: tar.TypeDir},
	{name: "app/bin/run.sh", body: "#!/bin/sh\necho run\n", kind: tar.TypeReg},
	{name: "app/config.yaml", body: "port: 8080\n", kind: tar.TypeReg},
	{name: "app/current", link: "bin/run.sh", kind: tar.TypeSymlink},
	{name: "app/config.bak", link: "app/config.yaml", kind: tar.TypeLink},
}

func assertSample(t *testing.T, dest string) {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dest, "app", "bin", "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho run\n", string(b))

	target, err := os.Readlink(filepath.Join(dest, "app", "current"))
	require.NoError(t, err)
	assert.Equal(t, "bin/run.sh", target)

	b, err = os.ReadFile(filepath.Join(dest, "app", "config.bak"))
	require.NoError(t, err)
	assert.Equal(t, "port: 8080\n", string(b))
}

func TestExtract_TarFormats(t *testing.T) {
	raw := tarBytes(t, sampleEntries)
	for _, format := range []Format{FormatTar, FormatTarGzip, FormatTarZstd, FormatTarXz} {
		t.Run(string(format), func(t *testing.T) {
			x, _ := newTestExtractor(t, Options{})
			src := t.TempDir()
			dest := filepath.Join(t.TempDir(), "out")
			archive := writeArchive(t, src, "pkg."+string(format), compress(t, format, raw))

			res, err := x.Extract(context.Background(), archive, dest)
			require.NoError(t, err)
			assert.Equal(t, format, res.Format)
			assert.False(t, res.Skipped)
			assert.Equal(t, 4, res.Files)
			assert.True(t, strings.HasPrefix(res.Digest, "sha256:"))
			assertSample(t, dest)

			marker, err := os.ReadFile(filepath.Join(dest, MarkerName))
			require.NoError(t, err)
			assert.Equal(t, res.Digest+"\n", string(marker))
		})
	}
}

func TestExtract_Zip(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zipMethodZstd, func(w io.Writer) (io.WriteCloser, error) {
		return zstd.NewWriter(w)
	})
	files := []struct {
		name   string
		method uint16
		body   string
	}{
		{"lib/a.txt", zip.Deflate, strings.Repeat("deflated ", 100)},
		{"lib/b.txt", zipMethodZstd, strings.Repeat("zstd ", 100)},
		{"c.txt", zip.Store, "stored"},
	}
	for _, f := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: f.name, Method: f.method})
		require.NoError(t, err)
		_, err = io.WriteString(w, f.body)
		require.NoError(t, err)
	}
	_, err := zw.Create("empty/")
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	x, _ := newTestExtractor(t, Options{})
	dest := t.TempDir()
	archive := writeArchive(t, t.TempDir(), "pkg.zip", buf.Bytes())

	res, err := x.Extract(context.Background(), archive, dest)
	require.NoError(t, err)
	assert.Equal(t, FormatZip, res.Format)
	assert.Equal(t, 3, res.Files)
	for _, f := range files {
		b, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(f.name)))
		require.NoError(t, err)
		assert.Equal(t, f.body, string(b))
	}
	fi, err := os.Stat(filepath.Join(dest, "empty"))
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}

func TestExtract_SkipsWhenDigestMatches(t *testing.T) {
	x, _ := newTestExtractor(t, Options{})
	dest := t.TempDir()
	archive := writeArchive(t, t.TempDir(), "pkg.tar.gz",
		compress(t, FormatTarGzip, tarBytes(t, sampleEntries)))

	first, err := x.Extract(context.Background(), archive, dest)
	require.NoError(t, err)
	require.False(t, first.Skipped)

	// Local edits survive a skipped deployment.
	edited := filepath.Join(dest, "app", "config.yaml")
	require.NoError(t, os.WriteFile(edited, []byte("port: 9090\n"), 0o644))

	second, err := x.Extract(context.Background(), archive, dest)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, first.Digest, second.Digest)
	b, _ := os.ReadFile(edited)
	assert.Equal(t, "port: 9090\n", string(b))

	forced, _ := newTestExtractor(t, Options{Force: true})
	third, err := forced.Extract(context.Background(), archive, dest)
	require.NoError(t, err)
	assert.False(t, third.Skipped)
	b, _ = os.ReadFile(edited)
	assert.Equal(t, "port: 8080\n", string(b))
}

func TestExtract_NewArchiveReplacesFiles(t *testing.T) {
	x, _ := newTestExtractor(t, Options{})
	dest := t.TempDir()
	src := t.TempDir()

	v1 := writeArchive(t, src, "v1.tar", tarBytes(t, []entry{
		{name: "version", body: "1", kind: tar.TypeReg},
		{name: "only-in-v1", body: "x", kind: tar.TypeReg},
	}))
	v2 := writeArchive(t, src, "v2.tar", tarBytes(t, []entry{
		{name: "version", body: "2", kind: tar.TypeReg},
	}))

	r1, err := x.Extract(context.Background(), v1, dest)
	require.NoError(t, err)
	r2, err := x.Extract(context.Background(), v2, dest)
	require.NoError(t, err)
	assert.False(t, r2.Skipped)
	assert.NotEqual(t, r1.Digest, r2.Digest)

	b, _ := os.ReadFile(filepath.Join(dest, "version"))
	assert.Equal(t, "2", string(b))
	assert.FileExists(t, filepath.Join(dest, "only-in-v1"))
}

func TestExtract_RejectsUnsafeEntries(t *testing.T) {
	tests := []struct {
		name    string
		entries []entry
	}{
		{"parent traversal", []entry{{name: "../evil", body: "x", kind: tar.TypeReg}}},
		{"absolute", []entry{{name: "/tmp/evil", body: "x", kind: tar.TypeReg}}},
		{"symlink out", []entry{{name: "link", link: "../../etc", kind: tar.TypeSymlink}}},
		{"absolute symlink", []entry{{name: "link", link: "/etc/passwd", kind: tar.TypeSymlink}}},
		{"hardlink out", []entry{{name: "link", link: "../secret", kind: tar.TypeLink}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, _ := newTestExtractor(t, Options{})
			parent := t.TempDir()
			dest := filepath.Join(parent, "out")
			archive := writeArchive(t, t.TempDir(), "bad.tar", tarBytes(t, tt.entries))

			_, err := x.Extract(context.Background(), archive, dest)
			var upe *UnsafePathError
			require.ErrorAs(t, err, &upe)
			assert.NoFileExists(t, filepath.Join(parent, "evil"))
			assert.NoFileExists(t, filepath.Join(dest, MarkerName))
		})
	}
}

func TestExtract_UnknownFormat(t *testing.T) {
	x, _ := newTestExtractor(t, Options{})
	archive := writeArchive(t, t.TempDir(), "pkg.tar.gz", []byte("not an archive"))

	_, err := x.Extract(context.Background(), archive, t.TempDir())
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestExtract_TooLarge(t *testing.T) {
	x, _ := newTestExtractor(t, Options{MaxBytes: 10})
	dest := t.TempDir()
	archive := writeArchive(t, t.TempDir(), "big.tar", tarBytes(t, []entry{
		{name: "a", body: "12345", kind: tar.TypeReg},
		{name: "b", body: "1234567890", kind: tar.TypeReg},
	}))

	_, err := x.Extract(context.Background(), archive, dest)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.NoFileExists(t, filepath.Join(dest, MarkerName))
}

func TestExtract_WaitsForDestinationLock(t *testing.T) {
	x, mgr := newTestExtractor(t, Options{})
	dest := t.TempDir()
	archive := writeArchive(t, t.TempDir(), "pkg.tar", tarBytes(t, sampleEntries))

	h, err := mgr.TryAcquire(LockName(dest))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = x.Extract(ctx, archive, dest)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoFileExists(t, filepath.Join(dest, MarkerName))

	h.Release()
	_, err = x.Extract(context.Background(), archive, dest)
	require.NoError(t, err)
	assertSample(t, dest)
}

func TestExtract_ConcurrentSameDestination(t *testing.T) {
	x, _ := newTestExtractor(t, Options{})
	dest := t.TempDir()
	archive := writeArchive(t, t.TempDir(), "pkg.tar.zst",
		compress(t, FormatTarZstd, tarBytes(t, sampleEntries)))

	results := make(chan Result, 4)
	errs := make(chan error, 4)
	for range 4 {
		go func() {
			res, err := x.Extract(context.Background(), archive, dest)
			results <- res
			errs <- err
		}()
	}
	extracted := 0
	for range 4 {
		require.NoError(t, <-errs)
		if !(<-results).Skipped {
			extracted++
		}
	}
	assert.Equal(t, 1, extracted)
	assertSample(t, dest)
}
