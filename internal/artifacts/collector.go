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
	"encoding/base64"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/lightci/lightci/internal/daemon/backend"
	"github.com/lightci/lightci/internal/log"
	"github.com/lightci/lightci/pkg/errors"
	"github.com/lightci/lightci/pkg/pipeline"
)

// DefaultRetentionDays is the artifact expiry window when neither the
// pipeline nor the daemon configures one.
const DefaultRetentionDays = 30

// ArtifactID derives the stable identifier for an artifact: the run
// id joined with the base64 form of the relative path. The same file
// collected twice gets the same id.
func ArtifactID(runID, relativePath string) string {
	return fmt.Sprintf("%s-%s", runID, base64.RawURLEncoding.EncodeToString([]byte(relativePath)))
}

// Collector snapshots matching workspace files into artifact storage.
type Collector struct {
	store         Store
	records       backend.ArtifactStore
	retentionDays int
	logger        *slog.Logger
}

// NewCollector creates a collector. retentionDays <= 0 falls back to
// DefaultRetentionDays.
func NewCollector(store Store, records backend.ArtifactStore, retentionDays int, logger *slog.Logger) *Collector {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Collector{
		store:         store,
		records:       records,
		retentionDays: retentionDays,
		logger:        log.WithComponent(logger, "artifacts"),
	}
}

// Collect copies every workspace file matching the pattern set into
// storage and fills in the run's artifact summary. It is idempotent:
// a run already marked collected returns immediately.
//
// Per-file failures are logged and skipped. A failure of the pattern
// set itself is recorded on the run's error without failing the run.
func (c *Collector) Collect(ctx context.Context, run *pipeline.Run, policy pipeline.ArtifactPolicy, workspacePath string) error {
	if run.Artifacts.Collected {
		return nil
	}
	if !policy.CollectionEnabled() {
		return nil
	}

	logger := log.WithRunContext(c.logger, run.ID, run.PipelineID)

	matcher, err := NewMatcher(UnionPatterns(policy.Patterns))
	if err != nil {
		logger.Warn("artifact pattern set rejected", slog.String("error", err.Error()))
		appendRunError(run, fmt.Sprintf("artifact collection failed: %v", err))
		return nil
	}

	var count int
	var totalBytes int64
	now := time.Now()

	walkErr := filepath.WalkDir(workspacePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != workspacePath && IgnoredDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(workspacePath, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !matcher.Match(rel) {
			return nil
		}

		size, err := c.copyFile(ctx, run.ID, path, rel)
		if err != nil {
			logger.Warn("skipping artifact",
				slog.String("path", rel),
				slog.String("error", err.Error()))
			return nil
		}

		record := &pipeline.ArtifactRecord{
			ID:           ArtifactID(run.ID, rel),
			RunID:        run.ID,
			Name:         d.Name(),
			RelativePath: rel,
			Size:         size,
			ContentType:  contentTypeFor(rel),
			CreatedAt:    now,
		}
		if err := c.records.CreateArtifact(ctx, record); err != nil {
			logger.Warn("failed to record artifact",
				slog.String("path", rel),
				slog.String("error", err.Error()))
			return nil
		}

		count++
		totalBytes += size
		return nil
	})
	if walkErr != nil {
		logger.Warn("artifact collection aborted", slog.String("error", walkErr.Error()))
		appendRunError(run, fmt.Sprintf("artifact collection failed: %v", walkErr))
		return nil
	}

	expiry := now.Add(time.Duration(c.retentionDaysFor(policy)) * 24 * time.Hour)
	run.Artifacts = pipeline.ArtifactSummary{
		Collected:  true,
		Count:      count,
		TotalBytes: totalBytes,
		Path:       c.store.Location(run.ID),
		ExpiresAt:  &expiry,
	}

	logger.Info("artifacts collected",
		slog.Int("count", count),
		slog.Int64("total_bytes", totalBytes))
	return nil
}

// Upload stores a single externally supplied artifact after checking
// it against the pipeline's allowed patterns.
func (c *Collector) Upload(ctx context.Context, run *pipeline.Run, policy pipeline.ArtifactPolicy, relativePath string, r io.Reader) (*pipeline.ArtifactRecord, error) {
	if err := ValidateUpload(policy, relativePath); err != nil {
		return nil, err
	}

	size, err := c.store.Save(ctx, run.ID, relativePath, r)
	if err != nil {
		return nil, err
	}

	record := &pipeline.ArtifactRecord{
		ID:           ArtifactID(run.ID, relativePath),
		RunID:        run.ID,
		Name:         filepath.Base(relativePath),
		RelativePath: relativePath,
		Size:         size,
		ContentType:  contentTypeFor(relativePath),
		CreatedAt:    time.Now(),
	}
	if err := c.records.CreateArtifact(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Location returns where a run's collected artifacts live. For the
// local store this is the run's artifact directory; the deployer tars
// it up from here.
func (c *Collector) Location(runID string) string {
	return c.store.Location(runID)
}

func (c *Collector) retentionDaysFor(policy pipeline.ArtifactPolicy) int {
	if policy.RetentionDays > 0 {
		return policy.RetentionDays
	}
	return c.retentionDays
}

func (c *Collector) copyFile(ctx context.Context, runID, srcPath, rel string) (int64, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return c.store.Save(ctx, runID, rel, f)
}

// ValidateUpload checks an uploaded artifact path against the
// pipeline's allowed patterns, the same set the collector uses.
func ValidateUpload(policy pipeline.ArtifactPolicy, relativePath string) error {
	matcher, err := NewMatcher(UnionPatterns(policy.Patterns))
	if err != nil {
		return err
	}
	if !matcher.Match(relativePath) {
		return &errors.ValidationError{
			Field:      "name",
			Message:    fmt.Sprintf("file %q does not match any allowed artifact pattern", relativePath),
			Suggestion: "add a matching glob to the pipeline's artifact patterns",
		}
	}
	return nil
}

func contentTypeFor(relativePath string) string {
	if t := mime.TypeByExtension(filepath.Ext(relativePath)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func appendRunError(run *pipeline.Run, msg string) {
	if run.Error == "" {
		run.Error = msg
		return
	}
	run.Error = run.Error + "; " + msg
}
