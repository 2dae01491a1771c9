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

import "bytes"

// Format is an archive container and compression combination.
type Format string

const (
	FormatUnknown Format = ""
	FormatTar     Format = "tar"
	FormatTarGzip Format = "tar.gz"
	FormatTarZstd Format = "tar.zst"
	FormatTarXz   Format = "tar.xz"
	FormatTarBz2  Format = "tar.bz2"
	FormatZip     Format = "zip"
)

// sniffLen is how many leading bytes DetectFormat needs to see.
const sniffLen = 512

// tarMagicOffset is where "ustar" appears in a POSIX or GNU tar header.
const tarMagicOffset = 257

var magics = []struct {
	format Format
	header []byte
}{
	{FormatTarGzip, []byte{0x1F, 0x8B, 0x08}},
	{FormatTarZstd, []byte{0x28, 0xB5, 0x2F, 0xFD}},
	{FormatTarXz, []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}},
	{FormatTarBz2, []byte{'B', 'Z', 'h'}},
	{FormatZip, []byte{'P', 'K', 0x03, 0x04}},
	{FormatZip, []byte{'P', 'K', 0x05, 0x06}}, // empty archive
}

// DetectFormat identifies an archive from its leading bytes. File
// extensions are not consulted: packages are often renamed.
func DetectFormat(b []byte) Format {
	for _, m := range magics {
		if bytes.HasPrefix(b, m.header) {
			return m.format
		}
	}
	if len(b) >= tarMagicOffset+5 && bytes.Equal(b[tarMagicOffset:tarMagicOffset+5], []byte("ustar")) {
		return FormatTar
	}
	return FormatUnknown
}
