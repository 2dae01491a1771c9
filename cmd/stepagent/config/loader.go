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

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the config file.
const (
	EnvLockDir     = "STEPAGENT_LOCK_DIR"
	EnvLockBackend = "STEPAGENT_LOCK_BACKEND"
	EnvLockTimeout = "STEPAGENT_LOCK_TIMEOUT"
	EnvLogLevel    = "STEPAGENT_LOG_LEVEL"
)

var validate = validator.New()

// DefaultPath returns ~/.stepagent/stepagent.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".stepagent", "stepagent.yaml"), nil
}

// Load reads the config at path, applies environment overrides and
// validates the result.
//
// # Description
//
// An empty path selects DefaultPath. A missing file is not an error: the
// defaults are used. Fields absent from the file keep their default values.
//
// # Inputs
//
//   - path: Config file path, or "" for the default location.
//
// # Outputs
//
//   - StepAgentConfig: Effective configuration.
//   - error: Non-nil if the file is unreadable, malformed or invalid.
func Load(path string) (StepAgentConfig, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an injectable environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (StepAgentConfig, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return StepAgentConfig{}, err
		}
		path = p
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return StepAgentConfig{}, fmt.Errorf("failed to read the config file %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return StepAgentConfig{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return StepAgentConfig{}, err
	}
	if err := Validate(cfg); err != nil {
		return StepAgentConfig{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *StepAgentConfig, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvLockDir); ok && v != "" {
		cfg.Locks.Dir = v
	}
	if v, ok := lookup(EnvLockBackend); ok && v != "" {
		cfg.Locks.Backend = strings.ToLower(v)
	}
	if v, ok := lookup(EnvLockTimeout); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvLockTimeout, v, err)
		}
		cfg.Locks.Timeout = d
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	return nil
}

// Validate checks field constraints.
func Validate(cfg StepAgentConfig) error {
	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// WriteDefault writes the default config to path, creating parent
// directories. An existing file is left alone unless overwrite is set.
func WriteDefault(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s: %w", path, fs.ErrExist)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory %w", err)
	}
	data, err := Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Marshal renders cfg as YAML.
func Marshal(cfg StepAgentConfig) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}
