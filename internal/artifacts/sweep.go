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
	"log/slog"
	"time"

	"github.com/lightci/lightci/internal/daemon/backend"
	"github.com/lightci/lightci/internal/daemon/metrics"
	"github.com/lightci/lightci/internal/log"
)

// Sweeper deletes artifacts whose retention window has passed.
type Sweeper struct {
	runs     backend.RunStore
	records  backend.ArtifactStore
	store    Store
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a retention sweeper.
func NewSweeper(runs backend.RunStore, records backend.ArtifactStore, store Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		runs:     runs,
		records:  records,
		store:    store,
		interval: interval,
		logger:   log.WithComponent(logger, "artifact-sweep"),
	}
}

// Sweep performs one pass, removing the stored files and records of
// every run whose artifacts expired. Returns the number of runs swept.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := time.Now()
	expired, err := s.runs.ListRuns(ctx, backend.RunFilter{ExpiredBefore: &now})
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, run := range expired {
		if err := s.store.DeleteRun(ctx, run.ID); err != nil {
			s.logger.Warn("failed to delete expired artifacts",
				slog.String("run_id", run.ID),
				slog.String("error", err.Error()))
			continue
		}
		if err := s.records.ExpireRunArtifacts(ctx, run.ID); err != nil {
			s.logger.Warn("failed to expire artifact records",
				slog.String("run_id", run.ID),
				slog.String("error", err.Error()))
			continue
		}
		swept++
	}

	if swept > 0 {
		metrics.RecordArtifactSweep(swept)
		s.logger.Info("retention sweep complete", slog.Int("runs_swept", swept))
	}
	return swept, nil
}

// Run sweeps on the configured interval until the context is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("retention sweep failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("retention sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
