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
	"strings"
	"testing"

	lightcierrors "github.com/lightci/lightci/pkg/errors"
)

func TestWrap(t *testing.T) {
	t.Run("wraps error with context", func(t *testing.T) {
		original := errors.New("disk full")
		wrapped := lightcierrors.Wrap(original, "collecting artifacts")

		if wrapped == nil {
			t.Fatal("Wrap should not return nil for non-nil error")
		}

		msg := wrapped.Error()
		if !strings.Contains(msg, "collecting artifacts") {
			t.Errorf("wrapped error should contain context, got: %s", msg)
		}
		if !strings.Contains(msg, "disk full") {
			t.Errorf("wrapped error should contain original message, got: %s", msg)
		}
	})

	t.Run("returns nil for nil error", func(t *testing.T) {
		wrapped := lightcierrors.Wrap(nil, "context")
		if wrapped != nil {
			t.Errorf("Wrap(nil, _) should return nil, got: %v", wrapped)
		}
	})

	t.Run("preserves error chain", func(t *testing.T) {
		original := errors.New("root cause")
		wrapped := lightcierrors.Wrap(original, "context")

		if !errors.Is(wrapped, original) {
			t.Error("wrapped error should match original with errors.Is")
		}

		unwrapped := errors.Unwrap(wrapped)
		if unwrapped != original {
			t.Errorf("Unwrap should return original error, got: %v", unwrapped)
		}
	})
}

func TestWrapf(t *testing.T) {
	t.Run("wraps error with formatted context", func(t *testing.T) {
		original := errors.New("permission denied")
		wrapped := lightcierrors.Wrapf(original, "removing workspace %s", "/tmp/lightci/workspaces/ws-1")

		if wrapped == nil {
			t.Fatal("Wrapf should not return nil for non-nil error")
		}

		msg := wrapped.Error()
		if !strings.Contains(msg, "removing workspace /tmp/lightci/workspaces/ws-1") {
			t.Errorf("wrapped error should contain formatted context, got: %s", msg)
		}
		if !strings.Contains(msg, "permission denied") {
			t.Errorf("wrapped error should contain original message, got: %s", msg)
		}
	})

	t.Run("returns nil for nil error", func(t *testing.T) {
		if wrapped := lightcierrors.Wrapf(nil, "context %d", 1); wrapped != nil {
			t.Errorf("Wrapf(nil, ...) should return nil, got: %v", wrapped)
		}
	})
}

func TestAs(t *testing.T) {
	inner := &lightcierrors.NotFoundError{Resource: "run", ID: "r-42"}
	wrapped := lightcierrors.Wrap(inner, "loading run for cancel")

	var notFound *lightcierrors.NotFoundError
	if !lightcierrors.As(wrapped, &notFound) {
		t.Fatal("As should find NotFoundError in the chain")
	}
	if notFound.ID != "r-42" {
		t.Errorf("ID = %q, want r-42", notFound.ID)
	}
}
