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
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of arbitrating an existing lock file.
type Decision int

const (
	// DontAcquire means another owner legitimately holds the lock.
	DontAcquire Decision = iota

	// Acquire means the lock is free, ours, or abandoned.
	Acquire

	// ForciblyAcquire means a live owner has held the lock past the
	// timeout and the file must be deleted before writing.
	ForciblyAcquire
)

// String returns the decision name used in logs and metric labels.
func (d Decision) String() string {
	switch d {
	case DontAcquire:
		return "dont_acquire"
	case Acquire:
		return "acquire"
	case ForciblyAcquire:
		return "forcibly_acquire"
	default:
		return "unknown"
	}
}

// Arbiter decides whether a caller may take a lock. It performs no I/O of
// its own beyond the liveness query.
//
// # Thread Safety
//
// Safe for concurrent use.
type Arbiter struct {
	oracle  ProcessOracle
	clock   Clock
	logger  *slog.Logger
	waitLog rate.Sometimes
}

// NewArbiter creates an Arbiter. A nil clock selects the system clock and a
// nil logger selects slog.Default().
func NewArbiter(oracle ProcessOracle, clock Clock, logger *slog.Logger) *Arbiter {
	if oracle == nil {
		oracle = NewProcessOracle()
	}
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{
		oracle:  oracle,
		clock:   clock,
		logger:  logger,
		waitLog: rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
}

// Decide applies the arbitration table to one read of a lock file.
//
// # Description
//
// Ownership by the caller and holder death are checked before the timeout,
// so a re-entrant caller never deadlocks on itself and a crashed holder is
// recovered immediately regardless of age. A live holder past the timeout
// is dispossessed with ForciblyAcquire.
//
// # Inputs
//
//   - outcome: Result of Store.Read.
//   - self: Identity of the caller.
//   - timeout: Age after which a lock is stale.
//
// # Outputs
//
//   - Decision: Acquire, DontAcquire or ForciblyAcquire.
func (a *Arbiter) Decide(outcome ReadOutcome, self Identity, timeout time.Duration) Decision {
	decision := a.decide(outcome, self, timeout)
	lockDecisionsTotal.WithLabelValues(decision.String()).Inc()
	return decision
}

func (a *Arbiter) decide(outcome ReadOutcome, self Identity, timeout time.Duration) Decision {
	switch o := outcome.(type) {
	case Absent:
		return Acquire

	case HeldExclusively:
		return DontAcquire

	case Corrupt:
		if a.age(o.CreatedAt) >= timeout {
			a.logger.Warn("Lock file existed but was not readable, and has existed for longer than lock timeout. Taking lock.",
				"created_at", o.CreatedAt.Format(time.RFC3339))
			lockRecoveriesTotal.WithLabelValues("corrupt").Inc()
			return Acquire
		}
		return DontAcquire

	case Owned:
		holder := o.Record.Identity
		if holder.Equal(self) {
			return Acquire
		}
		if !a.oracle.IsRunning(holder.ProcessID, holder.ProcessName) {
			a.logger.Warn("Lock holder appears to have crashed. Taking lock.",
				"holder_pid", holder.ProcessID,
				"holder_name", holder.ProcessName,
				"holder_thread", holder.ThreadID)
			lockRecoveriesTotal.WithLabelValues("crashed").Inc()
			return Acquire
		}
		age := a.age(o.Record.AcquiredAt)
		if age < timeout {
			a.waitLog.Do(func() {
				a.logger.Debug("Lock is held",
					"holder", holder.String(),
					"times_out_in", (timeout - age).Round(time.Second).String())
			})
			return DontAcquire
		}
		a.logger.Warn("Forcibly taking lock as it has timed out. If this happens regularly, check for hung deployment steps.",
			"holder_pid", holder.ProcessID,
			"holder_name", holder.ProcessName,
			"holder_thread", holder.ThreadID,
			"held_for", age.Round(time.Second).String())
		lockRecoveriesTotal.WithLabelValues("timeout").Inc()
		return ForciblyAcquire

	default:
		// Unknown outcome types cannot be trusted to be free.
		return DontAcquire
	}
}

// age is the absolute distance from t to now. A timestamp in the future
// (clock moved backwards) still ages out.
func (a *Arbiter) age(t time.Time) time.Duration {
	return absAge(a.clock.Now(), t)
}
