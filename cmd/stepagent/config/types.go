// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import "time"

// CurrentConfigVersion is written to new config files.
const CurrentConfigVersion = "1"

// StepAgentConfig is the on-disk configuration of the deployment agent.
type StepAgentConfig struct {
	// Version of the config schema.
	Version string `yaml:"version"`

	// Locks configures the cross-process named locks.
	Locks LocksConfig `yaml:"locks"`

	// Logging configures the process logger.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics configures where lock metrics are written on exit.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing selects where lock spans are exported.
	Tracing TracingConfig `yaml:"tracing"`
}

type LocksConfig struct {
	// Dir is shared by every agent on the host. Empty selects
	// $TMPDIR/stepagent-locks.
	Dir string `yaml:"dir"`

	// Backend is "auto", "file" or "native".
	Backend string `yaml:"backend" validate:"oneof=auto file native"`

	// Timeout after which a live holder loses a file lock.
	Timeout time.Duration `yaml:"timeout" validate:"gte=1s"`

	// PollInterval between acquisition attempts.
	PollInterval time.Duration `yaml:"poll_interval" validate:"gte=1ms,ltfield=Timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=auto text json"` // auto: text on a terminal

	// Dir, if set, also receives JSON logs, one file per day.
	Dir string `yaml:"dir"`
}

type MetricsConfig struct {
	// Textfile, if set, receives Prometheus text-format metrics on exit.
	Textfile string `yaml:"textfile"`
}

type TracingConfig struct {
	// Exporter is "none", "stdout" (pretty JSON on stderr) or "otlp".
	Exporter string `yaml:"exporter" validate:"oneof=none stdout otlp"`

	// Endpoint is the OTLP gRPC collector, e.g. localhost:4317.
	Endpoint string `yaml:"endpoint,omitempty" validate:"required_if=Exporter otlp"`

	Insecure bool `yaml:"insecure,omitempty"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() StepAgentConfig {
	return StepAgentConfig{
		Version: CurrentConfigVersion,
		Locks: LocksConfig{
			Backend:      "auto",
			Timeout:      2 * time.Minute,
			PollInterval: 200 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Tracing: TracingConfig{
			Exporter: "none",
		},
	}
}
