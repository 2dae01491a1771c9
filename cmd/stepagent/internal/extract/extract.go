// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extract unpacks deployment packages into a destination
// directory, serialising concurrent extractions to the same destination
// through a named cross-process lock.
package extract

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/stepagent/cmd/stepagent/internal/semaphore"
)

// MarkerName is written into the destination after a complete extraction.
// It holds the archive digest so repeated deployments can be skipped.
const MarkerName = ".stepagent-extracted"

// LockPrefix prefixes the destination path to form the extraction lock name.
const LockPrefix = "extract-"

// zipMethodZstd is the zip compression method id for zstd (APPNOTE 4.4.5).
const zipMethodZstd uint16 = 93

// DefaultMaxBytes bounds the total uncompressed size of one archive.
const DefaultMaxBytes int64 = 16 << 30

var tracer = otel.Tracer("stepagent.extract")

// Options configures an Extractor.
type Options struct {
	// MaxBytes caps the uncompressed bytes written. Zero means DefaultMaxBytes,
	// negative means unlimited.
	MaxBytes int64

	// Force extracts even when the marker digest matches.
	Force bool

	Logger *slog.Logger
}

// Result describes one Extract call.
type Result struct {
	Destination string
	Format      Format

	// Digest is "sha256:<hex>" of the archive file.
	Digest string

	// Skipped is true when the destination already held this archive.
	Skipped bool

	Files int
	Bytes int64

	Duration time.Duration
}

// Extractor unpacks archives under a per-destination lock.
//
// # Thread Safety
//
// Safe for concurrent use. Two extractions to the same destination, in this
// process or another, run one after the other.
type Extractor struct {
	locks    semaphore.Manager
	maxBytes int64
	force    bool
	logger   *slog.Logger
}

// New creates an Extractor taking locks from locks.
func New(locks semaphore.Manager, opts Options) *Extractor {
	if opts.MaxBytes == 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Extractor{
		locks:    locks,
		maxBytes: opts.MaxBytes,
		force:    opts.Force,
		logger:   opts.Logger,
	}
}

// LockName returns the lock name guarding extraction to destination.
func LockName(destination string) string {
	return LockPrefix + filepath.Clean(destination)
}

// Extract unpacks archivePath into destination.
//
// # Description
//
// Holds LockName(destination) for the whole operation. The marker is
// removed before any entry is written and rewritten only after every entry
// succeeded, so an interrupted extraction is redone by the next caller.
// Files already in destination that the archive also contains are
// replaced; other files are left alone.
//
// # Outputs
//
//   - Result: Skipped is set when the marker already matched.
//   - error: ErrUnknownFormat, *UnsafePathError, ErrTooLarge, a lock error,
//     ctx.Err(), or an I/O error.
func (e *Extractor) Extract(ctx context.Context, archivePath, destination string) (Result, error) {
	start := time.Now()

	dest, err := filepath.Abs(destination)
	if err != nil {
		return Result{}, fmt.Errorf("resolve destination: %w", err)
	}
	res := Result{Destination: dest}

	ctx, span := tracer.Start(ctx, "extract.Extract")
	defer span.End()
	span.SetAttributes(
		attribute.String("extract.archive", archivePath),
		attribute.String("extract.destination", dest))

	fail := func(err error) (Result, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		res.Duration = time.Since(start)
		return res, err
	}

	handle, err := e.locks.Acquire(ctx, LockName(dest),
		fmt.Sprintf("Waiting for another step to finish extracting to %s", dest))
	if err != nil {
		return fail(err)
	}
	defer handle.Release()

	f, err := os.Open(archivePath)
	if err != nil {
		return fail(fmt.Errorf("open archive: %w", err))
	}
	defer f.Close()

	res.Format, res.Digest, err = identify(f)
	if err != nil {
		return fail(err)
	}
	span.SetAttributes(attribute.String("extract.format", string(res.Format)))

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fail(fmt.Errorf("create destination: %w", err))
	}
	markerPath := filepath.Join(dest, MarkerName)

	if !e.force {
		if prev, err := os.ReadFile(markerPath); err == nil && strings.TrimSpace(string(prev)) == res.Digest {
			res.Skipped = true
			res.Duration = time.Since(start)
			span.SetAttributes(attribute.Bool("extract.skipped", true))
			e.logger.Info("Package already extracted",
				"destination", dest,
				"digest", res.Digest)
			return res, nil
		}
	}
	if err := os.Remove(markerPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fail(fmt.Errorf("remove marker: %w", err))
	}

	root, err := os.OpenRoot(dest)
	if err != nil {
		return fail(fmt.Errorf("open destination: %w", err))
	}
	defer root.Close()

	w := &writer{ctx: ctx, root: root, limit: e.maxBytes, logger: e.logger}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fail(fmt.Errorf("rewind archive: %w", err))
	}
	if res.Format == FormatZip {
		err = w.unzip(f)
	} else {
		err = w.untar(f, res.Format)
	}
	res.Files, res.Bytes = w.files, w.written
	if err != nil {
		return fail(err)
	}

	if err := os.WriteFile(markerPath, []byte(res.Digest+"\n"), 0o644); err != nil {
		return fail(fmt.Errorf("write marker: %w", err))
	}

	res.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("extract.files", res.Files),
		attribute.Int64("extract.bytes", res.Bytes))
	e.logger.Info("Package extracted",
		"archive", archivePath,
		"destination", dest,
		"format", string(res.Format),
		"files", res.Files,
		"bytes", res.Bytes,
		"duration", res.Duration.String())
	return res, nil
}

// identify sniffs the format and hashes the whole file.
func identify(f *os.File) (Format, string, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return FormatUnknown, "", fmt.Errorf("read archive: %w", err)
	}
	format := DetectFormat(head[:n])
	if format == FormatUnknown {
		return FormatUnknown, "", fmt.Errorf("%s: %w", f.Name(), ErrUnknownFormat)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return format, "", fmt.Errorf("rewind archive: %w", err)
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return format, "", fmt.Errorf("hash archive: %w", err)
	}
	return format, "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// decompress wraps r for the tar formats.
func decompress(r io.Reader, format Format) (io.ReadCloser, error) {
	switch format {
	case FormatTar:
		return io.NopCloser(r), nil
	case FormatTarGzip:
		return gzip.NewReader(r)
	case FormatTarZstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return &cmpWrapper{d}, nil
	case FormatTarXz:
		x, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(x), nil
	case FormatTarBz2:
		return io.NopCloser(bzip2.NewReader(r)), nil
	default:
		return nil, ErrUnknownFormat
	}
}

type cmpWrapper struct {
	*zstd.Decoder
}

func (w *cmpWrapper) Close() error {
	w.Decoder.Close()
	return nil
}

// errReadCloser surfaces a decompressor construction failure on first read.
type errReadCloser struct{ err error }

func (e errReadCloser) Read([]byte) (int, error) { return 0, e.err }
func (e errReadCloser) Close() error             { return nil }

func zipZstd(r io.Reader) io.ReadCloser {
	d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return errReadCloser{err}
	}
	return &cmpWrapper{d}
}

func zipDeflate(r io.Reader) io.ReadCloser {
	return flate.NewReader(r)
}

// writer materialises entries inside root.
type writer struct {
	ctx    context.Context
	root   *os.Root
	limit  int64
	logger *slog.Logger

	files   int
	written int64
}

func (w *writer) untar(r io.Reader, format Format) error {
	dr, err := decompress(r, format)
	if err != nil {
		return fmt.Errorf("open %s stream: %w", format, err)
	}
	defer dr.Close()

	tr := tar.NewReader(dr)
	for {
		if err := w.ctx.Err(); err != nil {
			return err
		}
		h, err := tr.Next()
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return fmt.Errorf("read tar entry: %w", err)
		}

		name, err := entryName(h.Name)
		if err != nil {
			return err
		}
		if name == "" {
			continue
		}

		switch h.Typeflag {
		case tar.TypeDir:
			err = w.dir(name, h.FileInfo().Mode().Perm())
		case tar.TypeReg:
			err = w.file(name, h.FileInfo().Mode().Perm(), tr)
		case tar.TypeSymlink:
			err = w.symlink(h.Name, name, h.Linkname)
		case tar.TypeLink:
			err = w.hardlink(h.Name, name, h.Linkname)
		default:
			w.logger.Debug("Skipping unsupported tar entry",
				"entry", h.Name,
				"type", string(h.Typeflag))
		}
		if err != nil {
			return err
		}
	}
}

func (w *writer) unzip(f *os.File) error {
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}
	zr, err := zip.NewReader(f, fi.Size())
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	zr.RegisterDecompressor(zip.Deflate, zipDeflate)
	zr.RegisterDecompressor(zipMethodZstd, zipZstd)

	for _, zf := range zr.File {
		if err := w.ctx.Err(); err != nil {
			return err
		}
		name, err := entryName(zf.Name)
		if err != nil {
			return err
		}
		if name == "" {
			continue
		}

		mode := zf.Mode()
		switch {
		case mode.IsDir():
			err = w.dir(name, mode.Perm())
		case mode&fs.ModeSymlink != 0:
			err = w.zipSymlink(zf, name)
		case mode.IsRegular():
			err = w.zipFile(zf, name, mode.Perm())
		default:
			w.logger.Debug("Skipping unsupported zip entry",
				"entry", zf.Name,
				"mode", mode.String())
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *writer) zipFile(zf *zip.File, name string, perm fs.FileMode) error {
	rc, err := zf.Open()
	if err != nil {
		return fmt.Errorf("open zip entry %q: %w", zf.Name, err)
	}
	defer rc.Close()
	return w.file(name, perm, rc)
}

func (w *writer) zipSymlink(zf *zip.File, name string) error {
	rc, err := zf.Open()
	if err != nil {
		return fmt.Errorf("open zip entry %q: %w", zf.Name, err)
	}
	defer rc.Close()
	target, err := io.ReadAll(io.LimitReader(rc, 4096))
	if err != nil {
		return fmt.Errorf("read zip symlink %q: %w", zf.Name, err)
	}
	return w.symlink(zf.Name, name, string(target))
}

// entryName converts an archive path to a local relative path. It returns
// "" for entries that should be skipped.
func entryName(raw string) (string, error) {
	name := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(raw, "./")))
	if name == "." {
		return "", nil
	}
	if !filepath.IsLocal(name) {
		return "", &UnsafePathError{Entry: raw}
	}
	if name == MarkerName {
		return "", nil
	}
	return name, nil
}

func (w *writer) dir(name string, perm fs.FileMode) error {
	if err := w.root.MkdirAll(name, perm|0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", name, err)
	}
	return nil
}

func (w *writer) parent(name string) error {
	if dir := filepath.Dir(name); dir != "." {
		return w.dir(dir, 0o755)
	}
	return nil
}

// replace removes whatever is at name so a new entry can take its place.
func (w *writer) replace(name string) error {
	if err := w.parent(name); err != nil {
		return err
	}
	if err := w.root.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("replace %q: %w", name, err)
	}
	return nil
}

func (w *writer) file(name string, perm fs.FileMode, r io.Reader) error {
	if err := w.replace(name); err != nil {
		return err
	}
	out, err := w.root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm|0o600)
	if err != nil {
		return fmt.Errorf("create %q: %w", name, err)
	}

	src := r
	if w.limit > 0 {
		src = io.LimitReader(r, w.limit-w.written+1)
	}
	n, err := io.Copy(out, src)
	w.written += n
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %q: %w", name, err)
	}
	if w.limit > 0 && w.written > w.limit {
		return ErrTooLarge
	}
	w.files++
	return nil
}

func (w *writer) symlink(raw, name, target string) error {
	if filepath.IsAbs(target) || !filepath.IsLocal(filepath.Join(filepath.Dir(name), target)) {
		return &UnsafePathError{Entry: raw, Target: target}
	}
	if err := w.replace(name); err != nil {
		return err
	}
	if err := w.root.Symlink(target, name); err != nil {
		return fmt.Errorf("symlink %q: %w", name, err)
	}
	w.files++
	return nil
}

func (w *writer) hardlink(raw, name, target string) error {
	old, err := entryName(target)
	if err != nil || old == "" {
		return &UnsafePathError{Entry: raw, Target: target}
	}
	if err := w.replace(name); err != nil {
		return err
	}
	if err := w.root.Link(old, name); err != nil {
		return fmt.Errorf("link %q: %w", name, err)
	}
	w.files++
	return nil
}
