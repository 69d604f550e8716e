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

// Package workspace manages isolated per-run working directories.
// Each run gets its own directory under a configured root; removing
// one run's workspace never touches another's.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lightci/lightci/pkg/errors"
)

// Manager creates and removes run workspaces under a root directory.
type Manager struct {
	root string
}

// NewManager creates a workspace manager rooted at the given
// directory. The root is created on first use.
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// Root returns the workspace root directory.
func (m *Manager) Root() string {
	return m.root
}

// Create makes an empty workspace for the run and returns its path.
// Creating an existing workspace is not an error; the directory is
// reused as-is.
func (m *Manager) Create(runID string) (string, error) {
	if err := validateRunID(runID); err != nil {
		return "", err
	}

	path := filepath.Join(m.root, runID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace for run %s: %w", runID, err)
	}
	return path, nil
}

// Path returns the workspace path for a run without creating it.
func (m *Manager) Path(runID string) (string, error) {
	if err := validateRunID(runID); err != nil {
		return "", err
	}
	return filepath.Join(m.root, runID), nil
}

// Remove deletes the run's workspace tree. Removing a workspace that
// does not exist is not an error.
func (m *Manager) Remove(runID string) error {
	if err := validateRunID(runID); err != nil {
		return err
	}

	path := filepath.Join(m.root, runID)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove workspace for run %s: %w", runID, err)
	}
	return nil
}

// validateRunID rejects ids that would escape the workspace root.
func validateRunID(runID string) error {
	if runID == "" {
		return &errors.ValidationError{
			Field:      "run_id",
			Message:    "run id is required",
			Suggestion: "provide a non-empty run id",
		}
	}
	if runID == "." || runID == ".." ||
		strings.ContainsAny(runID, `/\`) || strings.Contains(runID, "..") {
		return &errors.ValidationError{
			Field:      "run_id",
			Message:    fmt.Sprintf("run id %q is not a valid directory name", runID),
			Suggestion: "run ids must not contain path separators or dot segments",
		}
	}
	return nil
}
