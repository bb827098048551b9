// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads analysis configuration from defaults, a YAML or JSON
// file and CPA_* environment variables, in that order of precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianCPA/pkg/logging"
	"github.com/AleutianAI/AleutianCPA/services/cpa/telemetry"
)

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid config")

var validate = validator.New()

// Config contains all analysis configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after creation.
type Config struct {
	// Analysis configures the fixpoint algorithm and the abstract domain.
	Analysis AnalysisConfig `json:"analysis" yaml:"analysis"`

	// CEGAR configures the refinement loop.
	CEGAR CEGARConfig `json:"cegar" yaml:"cegar"`

	// Logging configures pkg/logging.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Telemetry configures trace and metric export.
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry"`

	// Storage configures the result store.
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Server configures the HTTP API and batch runs.
	Server ServerConfig `json:"server" yaml:"server"`
}

// AnalysisConfig contains fixpoint and domain settings.
type AnalysisConfig struct {
	Waitlist               string        `json:"waitlist" yaml:"waitlist" validate:"oneof=bfs dfs topological"`
	Merge                  string        `json:"merge" yaml:"merge" validate:"oneof=sep join"`
	Stop                   string        `json:"stop" yaml:"stop" validate:"oneof=sep join never"`
	StopAfterError         bool          `json:"stop_after_error" yaml:"stop_after_error"`
	KeepCoveredNodes       bool          `json:"keep_covered_nodes" yaml:"keep_covered_nodes"`
	CheckMergeMonotonicity bool          `json:"check_merge_monotonicity" yaml:"check_merge_monotonicity"`
	TransferTimeout        time.Duration `json:"transfer_timeout" yaml:"transfer_timeout" validate:"gte=0"`
	MaxSteps               int           `json:"max_steps" yaml:"max_steps" validate:"gte=0"`
	TimeLimit              time.Duration `json:"time_limit" yaml:"time_limit" validate:"gte=0"`
	MaxMemoryBytes         int64         `json:"max_memory_bytes" yaml:"max_memory_bytes" validate:"gte=0"`

	// Track lists variables the value analysis tracks from the start.
	Track []string `json:"track" yaml:"track"`

	// TrackAll tracks every variable, which makes refinement unnecessary.
	TrackAll bool `json:"track_all" yaml:"track_all"`
}

// CEGARConfig contains refinement loop settings.
type CEGARConfig struct {
	Enabled        bool `json:"enabled" yaml:"enabled"`
	MaxRefinements int  `json:"max_refinements" yaml:"max_refinements" validate:"gte=0"`
	GCInterval     int  `json:"gc_interval" yaml:"gc_interval" validate:"gte=0"`
	CheckARG       bool `json:"check_arg" yaml:"check_arg"`
}

// LoggingConfig mirrors logging.Config in file form.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level" validate:"oneof=debug info warn warning error"`
	JSON  bool   `json:"json" yaml:"json"`
	Dir   string `json:"dir" yaml:"dir"`
}

// StorageConfig contains result store settings.
type StorageConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Path     string `json:"path" yaml:"path" validate:"required_if=Enabled true InMemory false"`
	InMemory bool   `json:"in_memory" yaml:"in_memory"`
}

// ServerConfig contains HTTP API settings.
type ServerConfig struct {
	Port             int   `json:"port" yaml:"port" validate:"gte=1,lte=65535"`
	MaxBodyBytes     int64 `json:"max_body_bytes" yaml:"max_body_bytes" validate:"gte=1"`
	BatchConcurrency int   `json:"batch_concurrency" yaml:"batch_concurrency" validate:"gte=1"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Analysis: AnalysisConfig{
			Waitlist:               "bfs",
			Merge:                  "sep",
			Stop:                   "sep",
			StopAfterError:         true,
			KeepCoveredNodes:       true,
			CheckMergeMonotonicity: true,
			TimeLimit:              5 * time.Minute,
		},
		CEGAR: CEGARConfig{
			Enabled:        true,
			MaxRefinements: 100,
			GCInterval:     100,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: telemetry.DefaultConfig(),
		Storage: StorageConfig{
			Enabled: true,
			Path:    "~/.aleutian/cpa/results",
		},
		Server: ServerConfig{
			Port:             8088,
			MaxBodyBytes:     1 << 20,
			BatchConcurrency: 4,
		},
	}
}

// Load builds the configuration with priority: env > file > defaults.
//
// Inputs:
//   - path: YAML or JSON config file. Empty means defaults and env only.
//     A missing file is not an error.
//
// Outputs:
//   - Config: The merged configuration.
//   - error: Non-nil if the file is unreadable or malformed, an env value
//     does not parse, or validation fails.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := loadEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("load config env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// LoggerConfig converts the logging section for pkg/logging.
func (c Config) LoggerConfig(service string) logging.Config {
	level, _ := logging.ParseLevel(c.Logging.Level)
	return logging.Config{
		Level:   level,
		LogDir:  c.Logging.Dir,
		Service: service,
		JSON:    c.Logging.JSON,
	}
}

// -----------------------------------------------------------------------------
// Environment overrides
// -----------------------------------------------------------------------------

// envVar binds one CPA_* variable to a config field.
type envVar struct {
	name string
	set  func(cfg *Config, v string) error
}

var envVars = []envVar{
	{"CPA_WAITLIST", func(c *Config, v string) error { c.Analysis.Waitlist = v; return nil }},
	{"CPA_MERGE", func(c *Config, v string) error { c.Analysis.Merge = v; return nil }},
	{"CPA_STOP", func(c *Config, v string) error { c.Analysis.Stop = v; return nil }},
	{"CPA_STOP_AFTER_ERROR", boolVar(func(c *Config) *bool { return &c.Analysis.StopAfterError })},
	{"CPA_KEEP_COVERED_NODES", boolVar(func(c *Config) *bool { return &c.Analysis.KeepCoveredNodes })},
	{"CPA_CHECK_MERGE_MONOTONICITY", boolVar(func(c *Config) *bool { return &c.Analysis.CheckMergeMonotonicity })},
	{"CPA_TRANSFER_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.Analysis.TransferTimeout })},
	{"CPA_MAX_STEPS", intVar(func(c *Config) *int { return &c.Analysis.MaxSteps })},
	{"CPA_TIME_LIMIT", durationVar(func(c *Config) *time.Duration { return &c.Analysis.TimeLimit })},
	{"CPA_TRACK", func(c *Config, v string) error { c.Analysis.Track = splitList(v); return nil }},
	{"CPA_TRACK_ALL", boolVar(func(c *Config) *bool { return &c.Analysis.TrackAll })},
	{"CPA_CEGAR_ENABLED", boolVar(func(c *Config) *bool { return &c.CEGAR.Enabled })},
	{"CPA_MAX_REFINEMENTS", intVar(func(c *Config) *int { return &c.CEGAR.MaxRefinements })},
	{"CPA_GC_INTERVAL", intVar(func(c *Config) *int { return &c.CEGAR.GCInterval })},
	{"CPA_LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = strings.ToLower(v); return nil }},
	{"CPA_LOG_JSON", boolVar(func(c *Config) *bool { return &c.Logging.JSON })},
	{"CPA_LOG_DIR", func(c *Config, v string) error { c.Logging.Dir = v; return nil }},
	{"CPA_STORAGE_ENABLED", boolVar(func(c *Config) *bool { return &c.Storage.Enabled })},
	{"CPA_STORAGE_PATH", func(c *Config, v string) error { c.Storage.Path = v; return nil }},
	{"CPA_STORAGE_IN_MEMORY", boolVar(func(c *Config) *bool { return &c.Storage.InMemory })},
	{"CPA_PORT", intVar(func(c *Config) *int { return &c.Server.Port })},
	{"CPA_BATCH_CONCURRENCY", intVar(func(c *Config) *int { return &c.Server.BatchConcurrency })},
}

func loadEnv(cfg *Config) error {
	var errs []error
	for _, ev := range envVars {
		v, ok := os.LookupEnv(ev.name)
		if !ok || v == "" {
			continue
		}
		if err := ev.set(cfg, v); err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", ev.name, v, err))
		}
	}
	return errors.Join(errs...)
}

func boolVar(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func intVar(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		i, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = i
		return nil
	}
}

func durationVar(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
