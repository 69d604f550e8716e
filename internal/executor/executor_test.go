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

package executor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lightci/lightci/pkg/errors"
)

func testExecutor(t *testing.T, opts ...Option) *Executor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(logger, opts...)
}

func TestExecuteCombinedOutput(t *testing.T) {
	e := testExecutor(t)

	result, err := e.Execute(context.Background(), "echo to-stdout; echo to-stderr 1>&2", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
	if result.Output != "to-stdout\nto-stderr\n" {
		t.Errorf("Output = %q, want both streams interleaved", result.Output)
	}
}

func TestExecuteWorkingDir(t *testing.T) {
	e := testExecutor(t)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("present"), 0o644); err != nil {
		t.Fatalf("writing marker: %v", err)
	}

	result, err := e.Execute(context.Background(), "cat marker.txt", dir, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Output != "present" {
		t.Errorf("Output = %q, want %q", result.Output, "present")
	}
}

func TestExecuteMergedEnv(t *testing.T) {
	t.Setenv("LIGHTCI_TEST_INHERITED", "from-process")
	t.Setenv("LIGHTCI_TEST_OVERRIDDEN", "process-value")

	e := testExecutor(t)
	env := map[string]string{
		"LIGHTCI_TEST_OVERRIDDEN": "step-value",
		"LIGHTCI_TEST_ADDED":      "added",
	}

	result, err := e.Execute(context.Background(),
		"echo $LIGHTCI_TEST_INHERITED $LIGHTCI_TEST_OVERRIDDEN $LIGHTCI_TEST_ADDED",
		t.TempDir(), env)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := strings.TrimSpace(result.Output); got != "from-process step-value added" {
		t.Errorf("Output = %q, want step env layered over process env", got)
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	e := testExecutor(t)

	result, err := e.Execute(context.Background(), "echo before-failure; exit 3", t.TempDir(), nil)
	if err == nil {
		t.Fatal("Execute() error = nil, want failure")
	}
	if result.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", result.ExitCode)
	}
	if !strings.Contains(result.Output, "before-failure") {
		t.Errorf("Output = %q, want partial output preserved", result.Output)
	}
	if !strings.Contains(err.Error(), "exit code 3") {
		t.Errorf("error = %q, want exit code in message", err)
	}
}

func TestExecuteErrorWithoutOutput(t *testing.T) {
	e := testExecutor(t)

	_, err := e.Execute(context.Background(), "exit 1", t.TempDir(), nil)
	if err == nil {
		t.Fatal("Execute() error = nil, want failure")
	}
	if !strings.Contains(err.Error(), "(no output)") {
		t.Errorf("error = %q, want placeholder for silent command", err)
	}
}

func TestExecuteTimeout(t *testing.T) {
	e := testExecutor(t, WithTimeout(100*time.Millisecond))

	start := time.Now()
	result, err := e.Execute(context.Background(), "echo partial; sleep 2", t.TempDir(), nil)
	if err == nil {
		t.Fatal("Execute() error = nil, want timeout")
	}

	var timeoutErr *errors.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("error = %T, want *errors.TimeoutError", err)
	}
	if !strings.Contains(result.Output, "partial") {
		t.Errorf("Output = %q, want output produced before the deadline", result.Output)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Execute() took %v, want prompt return after timeout", elapsed)
	}
}

func TestExecuteRespectsCallerDeadline(t *testing.T) {
	e := testExecutor(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := e.Execute(ctx, "sleep 2", t.TempDir(), nil)
	if err == nil {
		t.Fatal("Execute() error = nil, want caller deadline to apply")
	}
}

func TestLastLine(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"empty", "", "(no output)"},
		{"whitespace only", "  \n\t\n", "(no output)"},
		{"single line", "just one line\n", "just one line"},
		{"multiple lines", "first\nsecond\nlast\n", "last"},
		{"trailing blank lines", "real error\n\n\n", "real error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := lastLine(tt.output); got != tt.want {
				t.Errorf("lastLine(%q) = %q, want %q", tt.output, got, tt.want)
			}
		})
	}
}
