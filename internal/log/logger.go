// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format represents the log output format.
type Format string

const (
	// FormatJSON outputs logs in JSON format for machine parsing.
	FormatJSON Format = "json"
	// FormatText outputs logs in human-readable text format.
	FormatText Format = "text"
)

// Custom log levels extending slog's standard levels.
const (
	// LevelTrace is more verbose than Debug, used for detailed tracing
	// (e.g., remote command lines, webhook payloads).
	LevelTrace = slog.Level(-8)
)

// Standard field keys for structured logging.
// These constants ensure consistent field naming across the codebase.
const (
	// RunIDKey is the field key for pipeline run identifiers.
	RunIDKey = "run_id"
	// PipelineIDKey is the field key for pipeline identifiers.
	PipelineIDKey = "pipeline_id"
	// StepKey is the field key for step names.
	StepKey = "step"
	// DeploymentIDKey is the field key for auto-deployment identifiers.
	DeploymentIDKey = "deployment_id"
	// InstanceIDKey is the field key for cloud instance identifiers.
	InstanceIDKey = "instance_id"
	// DurationKey is the field key for duration in milliseconds.
	DurationKey = "duration_ms"
	// BranchKey is the field key for git branch names.
	BranchKey = "branch"
	// EventKey is the field key for trigger event types.
	EventKey = "event"
)

// Config holds the logging configuration.
type Config struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	// Default: info
	Level string

	// Format sets the output format (json, text).
	// Default: json
	Format Format

	// Output is the writer for log output.
	// Default: os.Stderr
	Output io.Writer

	// AddSource adds source file and line information to logs.
	// Default: false
	AddSource bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:     "info",
		Format:    FormatJSON,
		Output:    os.Stderr,
		AddSource: false,
	}
}

// FromEnv creates a Config from environment variables.
// Supported environment variables:
//   - LIGHTCI_DEBUG: true/1 to enable debug level and source logging (takes precedence)
//   - LIGHTCI_LOG_LEVEL: trace, debug, info, warn, error (takes precedence over LOG_LEVEL)
//   - LOG_LEVEL: trace, debug, info, warn, error (default: info)
//   - LOG_FORMAT: json, text (default: json)
//   - LOG_SOURCE: 1 to enable source file/line (default: 0)
func FromEnv() *Config {
	cfg := DefaultConfig()

	// LIGHTCI_DEBUG enables debug logging and source information
	debug := os.Getenv("LIGHTCI_DEBUG")
	if debug == "true" || debug == "1" {
		cfg.Level = "debug"
		cfg.AddSource = true
	}

	// LIGHTCI_LOG_LEVEL takes precedence over LOG_LEVEL (but not LIGHTCI_DEBUG)
	if debug == "" {
		if level := os.Getenv("LIGHTCI_LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		} else if level := os.Getenv("LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		}
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}

	if os.Getenv("LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}

	return cfg
}

// New creates a new structured logger from the given configuration.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	level := parseLevel(cfg.Level)

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(cfg.Output, opts)
	case FormatJSON:
		fallthrough
	default:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	return slog.New(handler)
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent returns a new logger with a component name field.
// Component names help identify which part of the system generated the log.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

// WithRunContext returns a new logger with pipeline run context fields.
// This adds run_id and pipeline_id to all subsequent log entries.
func WithRunContext(logger *slog.Logger, runID, pipelineID string) *slog.Logger {
	return logger.With(
		slog.String(RunIDKey, runID),
		slog.String(PipelineIDKey, pipelineID),
	)
}

// WithStepContext returns a new logger with step context fields.
// This adds run_id and the step name to all subsequent log entries.
func WithStepContext(logger *slog.Logger, runID, step string) *slog.Logger {
	return logger.With(
		slog.String(RunIDKey, runID),
		slog.String(StepKey, step),
	)
}

// WithDeploymentContext returns a new logger with deployment context fields.
func WithDeploymentContext(logger *slog.Logger, deploymentID, instanceID string) *slog.Logger {
	return logger.With(
		slog.String(DeploymentIDKey, deploymentID),
		slog.String(InstanceIDKey, instanceID),
	)
}

// Attr creates a new attribute with the given key and value.
func Attr(key string, value any) slog.Attr {
	return slog.Any(key, value)
}

// String creates a string attribute.
func String(key, value string) slog.Attr {
	return slog.String(key, value)
}

// Int creates an int attribute.
func Int(key string, value int) slog.Attr {
	return slog.Int(key, value)
}

// Int64 creates an int64 attribute.
func Int64(key string, value int64) slog.Attr {
	return slog.Int64(key, value)
}

// Bool creates a bool attribute.
func Bool(key string, value bool) slog.Attr {
	return slog.Bool(key, value)
}

// Error creates an error attribute.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

// Duration creates a duration attribute in milliseconds.
func Duration(key string, value int64) slog.Attr {
	return slog.Int64(key+"_ms", value)
}

// SanitizeKeyName masks a key-pair name, showing only the last 4 characters.
// This prevents correlating log lines with provider-side key inventories.
// Returns "[REDACTED]" if the name is shorter than 4 characters.
func SanitizeKeyName(name string) string {
	if len(name) <= 4 {
		return "[REDACTED]"
	}
	return "..." + name[len(name)-4:]
}

// SanitizeSecret completely redacts a secret value.
// SSH private key material must always pass through this before logging.
func SanitizeSecret(secret string) string {
	return "[REDACTED]"
}

// Trace logs a message at trace level with optional attributes.
// This is used for highly verbose debugging output like assembled ssh
// command lines and raw webhook payloads.
func Trace(logger *slog.Logger, msg string, attrs ...slog.Attr) {
	if !logger.Enabled(nil, LevelTrace) {
		return
	}
	logger.LogAttrs(nil, LevelTrace, msg, attrs...)
}
