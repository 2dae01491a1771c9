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
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

const (
	// FileLockExt is the extension of file-based lock records.
	FileLockExt = ".lck"

	// NativeLockExt is the extension of files used for OS advisory locks.
	NativeLockExt = ".flock"

	// maxBaseLength bounds the readable part of a lock file name.
	maxBaseLength = 96
)

// windowsReserved are device names Windows refuses as file base names.
var windowsReserved = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true, "com5": true,
	"com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true, "lpt5": true,
	"lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

// LockPath maps a lock name to its file in dir.
//
// # Description
//
// Names made only of lowercase letters, digits, '-' and '.' are used as-is.
// Anything else is replaced with '_', and the name gets a '_' plus 16 hex
// digits of the SHA-256 of the original name. Untouched names can never
// contain '_', so two distinct names never map to the same file, including
// on case-insensitive filesystems.
//
// # Example
//
//	LockPath("/tmp/locks", "package-cache", FileLockExt)
//	// /tmp/locks/package-cache.lck
//	LockPath("/tmp/locks", "extract-/opt/App", FileLockExt)
//	// /tmp/locks/extract-_opt__pp_<hash>.lck
func LockPath(dir, name, ext string) string {
	return filepath.Join(dir, sanitizeName(name)+ext)
}

func sanitizeName(name string) string {
	var b strings.Builder
	changed := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
			changed = true
		}
	}

	base := b.String()
	if strings.Trim(base, ".") == "" || windowsReserved[strings.SplitN(base, ".", 2)[0]] {
		changed = true
	}
	if len(base) > maxBaseLength {
		base = base[:maxBaseLength]
		changed = true
	}
	if !changed {
		return base
	}

	sum := sha256.Sum256([]byte(name))
	return base + "_" + hex.EncodeToString(sum[:])[:16]
}
