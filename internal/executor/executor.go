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

// Package executor runs step commands locally under a shell and
// remotely over SSH. Output is the combined stdout and stderr stream;
// on failure the partial output is still returned.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/lightci/lightci/internal/log"
	"github.com/lightci/lightci/pkg/errors"
)

// DefaultTimeout is the hard cap for a single local command.
const DefaultTimeout = 30 * time.Minute

// DefaultConnectTimeout bounds SSH connection establishment.
const DefaultConnectTimeout = 10 * time.Second

// Result carries the outcome of a command.
type Result struct {
	// Output is the combined stdout and stderr. On failure it holds
	// whatever the command produced before exiting.
	Output string

	// ExitCode is the command's exit code; -1 when the command did
	// not run to completion.
	ExitCode int

	// Duration is how long the command ran.
	Duration time.Duration
}

// Executor runs commands with timeouts and merged environments.
type Executor struct {
	logger         *slog.Logger
	timeout        time.Duration
	connectTimeout time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout overrides the local command timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithConnectTimeout overrides the SSH connect timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(e *Executor) { e.connectTimeout = d }
}

// New creates an executor.
func New(logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		logger:         log.WithComponent(logger, "executor"),
		timeout:        DefaultTimeout,
		connectTimeout: DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs a command under `sh -c` in the working directory. The
// process environment is merged with env, with env winning. A
// non-zero exit or timeout produces an error; the Result always
// carries the output produced so far.
func (e *Executor) Execute(ctx context.Context, command, workingDir string, env map[string]string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workingDir
	cmd.Env = mergedEnv(env)
	// Background children inherit the output pipe; without a wait
	// delay they would hold Run open past the timeout.
	cmd.WaitDelay = 5 * time.Second

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	e.logger.Debug("executing command",
		slog.String("dir", workingDir),
		slog.Int("env_vars", len(env)))

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Output:   output.String(),
		ExitCode: 0,
		Duration: time.Since(start),
	}

	if err != nil {
		result.ExitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		}
		if ctx.Err() == context.DeadlineExceeded {
			return result, &errors.TimeoutError{
				Operation: "command execution",
				Duration:  e.timeout,
				Cause:     err,
			}
		}
		return result, fmt.Errorf("command failed with exit code %d: %s", result.ExitCode, lastLine(result.Output))
	}

	return result, nil
}

// mergedEnv layers env over the process environment.
func mergedEnv(env map[string]string) []string {
	merged := os.Environ()
	if len(env) == 0 {
		return merged
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		merged = append(merged, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return merged
}

// lastLine returns the final non-empty line of output, for error
// messages.
func lastLine(output string) string {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return "(no output)"
	}
	if idx := strings.LastIndex(trimmed, "\n"); idx >= 0 {
		return strings.TrimSpace(trimmed[idx+1:])
	}
	return trimmed
}
