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
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/stepagent/cmd/stepagent/internal/extract"
)

type extractOptions struct {
	pkg         string
	destination string
	force       bool
	maxBytes    int64
}

func (c *cli) extractCmd() *cobra.Command {
	var opts extractOptions
	cmd := &cobra.Command{
		Use:   "extract --package FILE --destination DIR",
		Short: "Extract a deployment package into an application directory",
		Long: `Unpacks a tar (optionally gzip, zstd, xz or bzip2 compressed) or zip
package into DIR. Concurrent extractions to the same directory wait for
each other. If DIR already holds this exact package the step is skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			x := extract.New(c.app.Locks.Manager(), extract.Options{
				MaxBytes: opts.maxBytes,
				Force:    opts.force,
				Logger:   c.app.Logger,
			})
			res, err := x.Extract(cmd.Context(), opts.pkg, opts.destination)
			if err != nil {
				return err
			}
			if res.Skipped {
				c.app.Printer.Success(fmt.Sprintf("%s already up to date (%s)", res.Destination, res.Digest))
				return nil
			}
			c.app.Printer.Success(fmt.Sprintf("Extracted %d files (%d bytes, %s) to %s in %s",
				res.Files, res.Bytes, res.Format, res.Destination, res.Duration.Round(time.Millisecond)))
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.pkg, "package", "", "Package archive to extract (required)")
	cmd.Flags().StringVar(&opts.destination, "destination", "", "Application directory (required)")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Extract even if the directory already holds this package")
	cmd.Flags().Int64Var(&opts.maxBytes, "max-bytes", 0, "Abort past this many uncompressed bytes (0 uses the default, -1 unlimited)")
	_ = cmd.MarkFlagRequired("package")
	_ = cmd.MarkFlagRequired("destination")
	return cmd
}
