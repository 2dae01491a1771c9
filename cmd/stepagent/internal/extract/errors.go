// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extract

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownFormat is returned for files that are not a supported archive.
	ErrUnknownFormat = errors.New("unrecognised archive format")

	// ErrTooLarge is returned when an archive expands past Options.MaxBytes.
	ErrTooLarge = errors.New("archive exceeds extraction size limit")
)

// UnsafePathError reports an archive entry that would be written, or would
// link, outside the destination directory.
type UnsafePathError struct {
	// Entry is the entry name as stored in the archive.
	Entry string

	// Target is the link target for symlinks and hard links.
	Target string
}

func (e *UnsafePathError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("archive entry %q links outside the destination (%q)", e.Entry, e.Target)
	}
	return fmt.Sprintf("archive entry %q is outside the destination", e.Entry)
}
