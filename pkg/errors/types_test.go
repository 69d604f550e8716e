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

package errors_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	lightcierrors "github.com/lightci/lightci/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *lightcierrors.ValidationError
		wantMsg string
	}{
		{
			name: "with field",
			err: &lightcierrors.ValidationError{
				Field:      "steps",
				Message:    "step list must not be empty",
				Suggestion: "add at least one step to the pipeline",
			},
			wantMsg: "validation failed on steps: step list must not be empty",
		},
		{
			name: "without field",
			err: &lightcierrors.ValidationError{
				Message:    "invalid cron expression",
				Suggestion: "use five fields, e.g. */5 * * * *",
			},
			wantMsg: "validation failed: invalid cron expression",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	err := &lightcierrors.NotFoundError{Resource: "pipeline", ID: "p-123"}
	if got, want := err.Error(), "pipeline not found: p-123"; got != want {
		t.Errorf("NotFoundError.Error() = %q, want %q", got, want)
	}
}

func TestProviderError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *lightcierrors.ProviderError
		wantMsg string
	}{
		{
			name: "with operation",
			err: &lightcierrors.ProviderError{
				Provider:  "aws",
				Operation: "RunInstances",
				Message:   "insufficient capacity",
			},
			wantMsg: "provider aws error in RunInstances: insufficient capacity",
		},
		{
			name: "without operation",
			err: &lightcierrors.ProviderError{
				Provider: "aws",
				Message:  "credentials expired",
			},
			wantMsg: "provider aws error: credentials expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ProviderError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestProviderError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &lightcierrors.ProviderError{Provider: "aws", Message: "describe failed", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestStepError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *lightcierrors.StepError
		wantMsg string
	}{
		{
			name:    "with exit code",
			err:     &lightcierrors.StepError{Step: "Build", ExitCode: 3, Message: "exit 3"},
			wantMsg: `step "Build" failed with exit code 3: exit 3`,
		},
		{
			name:    "command never ran",
			err:     &lightcierrors.StepError{Step: "Deploy", ExitCode: -1, Message: "ssh unreachable"},
			wantMsg: `step "Deploy" failed: ssh unreachable`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("StepError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestStepError_UnwrapChain(t *testing.T) {
	root := errors.New("no such file or directory")
	step := &lightcierrors.StepError{Step: "Test", ExitCode: 127, Message: "sh: not found", Cause: root}
	wrapped := fmt.Errorf("executing step: %w", step)

	var got *lightcierrors.StepError
	if !errors.As(wrapped, &got) {
		t.Fatal("errors.As should find StepError through the wrap chain")
	}
	if got.ExitCode != 127 {
		t.Errorf("ExitCode = %d, want 127", got.ExitCode)
	}
	if !errors.Is(wrapped, root) {
		t.Error("errors.Is should reach the root cause")
	}
}

func TestConfigError_Error(t *testing.T) {
	err := &lightcierrors.ConfigError{Key: "aws.region", Reason: "region is required for provisioning"}
	want := "config error at aws.region: region is required for provisioning"
	if got := err.Error(); got != want {
		t.Errorf("ConfigError.Error() = %q, want %q", got, want)
	}
}

func TestTimeoutError_Error(t *testing.T) {
	err := &lightcierrors.TimeoutError{Operation: "pipeline run", Duration: 2 * time.Hour}
	want := "pipeline run operation timed out after 2h0m0s"
	if got := err.Error(); got != want {
		t.Errorf("TimeoutError.Error() = %q, want %q", got, want)
	}
}

func TestUserVisibleError(t *testing.T) {
	var uv lightcierrors.UserVisibleError = &lightcierrors.ValidationError{
		Field:      "triggers.schedule",
		Message:    "invalid cron expression",
		Suggestion: "use five fields, e.g. 0 * * * *",
	}
	if uv.UserMessage() != "invalid cron expression" {
		t.Errorf("UserMessage() = %q", uv.UserMessage())
	}
	if uv.UserSuggestion() == "" {
		t.Error("UserSuggestion() should not be empty")
	}
}
