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
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/stepagent/cmd/stepagent/internal/semaphore"
)

func (c *cli) locksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and clean up named locks",
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "Show every lock file in the lock directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			statuses, err := c.app.inspector().Inspect(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return c.printLocksJSON(statuses)
			}
			c.printLocks(statuses)
			return nil
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")

	var force bool
	clean := &cobra.Command{
		Use:   "clean",
		Short: "Delete lock files left behind by crashed holders",
		Long: `Deletes file locks whose holder is no longer running and unreadable
lock files older than the lock timeout. With --force, also deletes locks
held by live processes past the timeout. Native locks are never deleted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			removed, err := c.app.inspector().Sweep(cmd.Context(), force)
			if err != nil {
				return err
			}
			c.app.Printer.Success(fmt.Sprintf("Removed %d stale lock file(s) from %s",
				removed, c.app.Locks.Config().Dir))
			return nil
		},
	}
	clean.Flags().BoolVar(&force, "force", false, "Also remove expired locks of running processes")

	cmd.AddCommand(list, clean)
	return cmd
}

func (c *cli) printLocks(statuses []semaphore.LockStatus) {
	dir := c.app.Locks.Config().Dir
	if len(statuses) == 0 {
		c.app.Printer.Info(fmt.Sprintf("No locks in %s", dir))
		return
	}
	c.app.Printer.Title("Locks in " + dir)

	rows := make([][]string, 0, len(statuses))
	for _, st := range statuses {
		holder, age := "-", "-"
		if st.Holder != nil {
			holder = fmt.Sprintf("%s (pid %d, thread %d)",
				st.Holder.ProcessName, st.Holder.ProcessID, st.Holder.ThreadID)
		}
		if st.Age > 0 {
			age = st.Age.Round(time.Second).String()
		}
		rows = append(rows, []string{st.File, string(st.Backend), string(st.State), holder, age})
	}
	c.app.Printer.Table([]string{"NAME", "BACKEND", "STATE", "HOLDER", "AGE"}, rows)
}

type lockJSON struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Backend     string `json:"backend"`
	State       string `json:"state"`
	ProcessID   int    `json:"process_id,omitempty"`
	ProcessName string `json:"process_name,omitempty"`
	ThreadID    string `json:"thread_id,omitempty"`
	AcquiredAt  string `json:"acquired_at,omitempty"`
	AgeSeconds  int64  `json:"age_seconds,omitempty"`
}

func (c *cli) printLocksJSON(statuses []semaphore.LockStatus) error {
	out := make([]lockJSON, 0, len(statuses))
	for _, st := range statuses {
		j := lockJSON{
			Name:       st.File,
			Path:       st.Path,
			Backend:    string(st.Backend),
			State:      string(st.State),
			AgeSeconds: int64(st.Age / time.Second),
		}
		if st.Holder != nil {
			j.ProcessID = st.Holder.ProcessID
			j.ProcessName = st.Holder.ProcessName
			j.ThreadID = strconv.FormatInt(st.Holder.ThreadID, 10)
		}
		if !st.AcquiredAt.IsZero() {
			j.AcquiredAt = st.AcquiredAt.UTC().Format(time.RFC3339Nano)
		}
		out = append(out, j)
	}
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
