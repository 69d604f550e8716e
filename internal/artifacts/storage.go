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

package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/lightci/lightci/pkg/errors"
)

// Store persists collected artifact files. Implementations exist for
// the local filesystem and S3.
type Store interface {
	// Save writes one artifact under the run, creating parents as
	// needed, and returns the number of bytes stored.
	Save(ctx context.Context, runID, relativePath string, r io.Reader) (int64, error)

	// Open returns a reader for a stored artifact.
	Open(ctx context.Context, runID, relativePath string) (io.ReadCloser, error)

	// DeleteRun removes everything stored for a run.
	DeleteRun(ctx context.Context, runID string) error

	// Location describes where a run's artifacts live, for display and
	// for the run's artifact summary.
	Location(runID string) string
}

// LocalStore keeps artifacts under <root>/<runID>/<relativePath>.
type LocalStore struct {
	root string
}

// NewLocalStore creates the root directory if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifacts root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

// Save writes one artifact file.
func (s *LocalStore) Save(ctx context.Context, runID, relativePath string, r io.Reader) (int64, error) {
	dest, err := s.resolve(runID, relativePath)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	f, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("failed to create artifact file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		return n, fmt.Errorf("failed to write artifact: %w", err)
	}
	return n, nil
}

// Open returns a reader for a stored artifact.
func (s *LocalStore) Open(ctx context.Context, runID, relativePath string) (io.ReadCloser, error) {
	path, err := s.resolve(runID, relativePath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, &errors.NotFoundError{Resource: "artifact", ID: relativePath}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	return f, nil
}

// DeleteRun removes a run's artifact directory.
func (s *LocalStore) DeleteRun(ctx context.Context, runID string) error {
	path, err := s.resolve(runID, "")
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to delete run artifacts: %w", err)
	}
	return nil
}

// Location returns the run's artifact directory.
func (s *LocalStore) Location(runID string) string {
	return filepath.Join(s.root, runID)
}

// resolve joins and confines a path to the store root. Relative paths
// come from workspace walks and from artifact records, so traversal
// out of the root is rejected.
func (s *LocalStore) resolve(runID, relativePath string) (string, error) {
	joined := filepath.Join(s.root, runID, filepath.FromSlash(relativePath))
	cleanRoot := filepath.Clean(s.root) + string(filepath.Separator)
	if !strings.HasPrefix(joined, cleanRoot) {
		return "", &errors.ValidationError{
			Field:   "path",
			Message: fmt.Sprintf("path %q escapes the artifacts root", relativePath),
		}
	}
	return joined, nil
}

var _ Store = (*LocalStore)(nil)
