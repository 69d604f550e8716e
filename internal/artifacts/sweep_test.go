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
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightci/lightci/internal/daemon/backend/memory"
	"github.com/lightci/lightci/pkg/pipeline"
)

func seedExpiredRun(t *testing.T, be *memory.Backend, store *LocalStore, id string, expiresAt time.Time) {
	t.Helper()
	ctx := context.Background()

	now := time.Now()
	run := collectorRun(id)
	run.Status = pipeline.RunCompleted
	run.CompletedAt = &now
	run.Artifacts = pipeline.ArtifactSummary{
		Collected:  true,
		Count:      1,
		TotalBytes: 7,
		Path:       store.Location(id),
		ExpiresAt:  &expiresAt,
	}
	require.NoError(t, be.CreateRun(ctx, run), "failed to seed run %s", id)

	_, err := store.Save(ctx, id, "dist/app.js", strings.NewReader("bundled"))
	require.NoError(t, err, "failed to seed artifact file")
	record := &pipeline.ArtifactRecord{
		ID:           ArtifactID(id, "dist/app.js"),
		RunID:        id,
		Name:         "app.js",
		RelativePath: "dist/app.js",
		Size:         7,
		CreatedAt:    now,
	}
	require.NoError(t, be.CreateArtifact(ctx, record), "failed to seed artifact record")
}

func TestSweepRemovesExpiredArtifacts(t *testing.T) {
	be := memory.New()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	sweeper := NewSweeper(be, be, store, time.Hour, discardLogger())
	ctx := context.Background()

	seedExpiredRun(t, be, store, "expired-run", time.Now().Add(-time.Hour))
	seedExpiredRun(t, be, store, "fresh-run", time.Now().Add(24*time.Hour))

	swept, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	_, statErr := os.Stat(store.Location("expired-run"))
	assert.True(t, os.IsNotExist(statErr), "expired run's artifact directory still exists")
	_, statErr = os.Stat(store.Location("fresh-run"))
	assert.NoError(t, statErr, "fresh run's artifacts were removed")

	records, _ := be.ListArtifacts(ctx, "expired-run")
	assert.Empty(t, records, "expired run still has records")
	records, _ = be.ListArtifacts(ctx, "fresh-run")
	assert.Len(t, records, 1)

	run, err := be.GetRun(ctx, "expired-run")
	require.NoError(t, err)
	assert.True(t, run.Artifacts.Collected, "collected flag cleared, want history preserved")
	assert.Nil(t, run.Artifacts.ExpiresAt, "expiry still set after sweep")
	assert.Zero(t, run.Artifacts.Count)
}

func TestSweepDoesNotRevisit(t *testing.T) {
	be := memory.New()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	sweeper := NewSweeper(be, be, store, time.Hour, discardLogger())
	ctx := context.Background()

	seedExpiredRun(t, be, store, "expired-run", time.Now().Add(-time.Hour))

	swept, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	swept, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept, "second sweep must find nothing")
}
