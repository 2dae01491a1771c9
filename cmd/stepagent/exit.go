// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/stepagent/cmd/stepagent/internal/runner"
	"github.com/AleutianAI/stepagent/cmd/stepagent/internal/semaphore"
	"github.com/AleutianAI/stepagent/cmd/stepagent/internal/ux"
)

// Process exit codes. A locked command's own non-zero exit code is passed
// through unchanged.
const (
	exitOK              = 0
	exitFailure         = 1
	exitLockUnavailable = 3
	exitInterrupted     = 130
)

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var cmdErr *runner.CommandError
	switch {
	case errors.As(err, &cmdErr) && cmdErr.ExitCode > 0:
		return cmdErr.ExitCode
	case errors.Is(err, semaphore.ErrLockHeld), errors.Is(err, semaphore.ErrLockTimeout):
		return exitLockUnavailable
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	default:
		return exitFailure
	}
}

// reportError prints err for the operator. A failed locked command has
// already written its own stderr, so only the exit code is repeated.
func reportError(c *cli, err error) {
	printer := ux.NewPrinter(c.stdout, c.stderr, c.opts.plain)
	if c.app != nil {
		printer = c.app.Printer
	}

	var cmdErr *runner.CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode > 0 {
		printer.Error(fmt.Sprintf("%s exited with code %d", cmdErr.Command, cmdErr.ExitCode))
		return
	}
	printer.Error(err.Error())
}
