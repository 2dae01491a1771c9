// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build linux

package semaphore

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
)

// processName reads the command name from /proc/<pid>/stat.
//
// Zombie and dead processes are reported as not found: they can no longer
// release a lock.
func processName(pid int) (string, error) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		if os.IsNotExist(err) {
			return "", errProcessNotFound
		}
		return "", err
	}
	return parseProcStat(data)
}

// parseProcStat extracts comm and state from a /proc/<pid>/stat line of the
// form "pid (comm) S ...". comm may itself contain parentheses, so the last
// closing parenthesis ends it.
func parseProcStat(data []byte) (string, error) {
	open := bytes.IndexByte(data, '(')
	end := bytes.LastIndexByte(data, ')')
	if open < 0 || end < open || end+2 >= len(data) {
		return "", fmt.Errorf("malformed /proc stat line")
	}
	switch data[end+2] {
	case 'Z', 'X', 'x':
		return "", errProcessNotFound
	}
	return string(data[open+1 : end]), nil
}
