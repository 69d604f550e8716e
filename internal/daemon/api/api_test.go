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

package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lightci/lightci/internal/daemon/backend/memory"
	"github.com/lightci/lightci/internal/daemon/runner"
	"github.com/lightci/lightci/internal/executor"
	"github.com/lightci/lightci/internal/workspace"
	"github.com/lightci/lightci/pkg/pipeline"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// okExecutor completes every command immediately.
type okExecutor struct{}

func (okExecutor) Execute(ctx context.Context, command, workingDir string, env map[string]string) (*executor.Result, error) {
	return &executor.Result{ExitCode: 0}, nil
}

// noopCollector skips artifact collection.
type noopCollector struct{}

func (noopCollector) Collect(ctx context.Context, run *pipeline.Run, policy pipeline.ArtifactPolicy, workspacePath string) error {
	run.Artifacts.Collected = true
	return nil
}

func (noopCollector) Location(runID string) string { return "" }

type testEnv struct {
	backend *memory.Backend
	runner  *runner.Runner
	mux     *http.ServeMux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	be := memory.New()
	t.Cleanup(func() { be.Close() })

	r := runner.New(runner.Config{MaxParallel: 4, StepTimeout: 5 * time.Second},
		be, workspace.NewManager(t.TempDir()), okExecutor{}, noopCollector{}, testLogger())

	mux := http.NewServeMux()
	NewRunsHandler(r, be).RegisterRoutes(mux)
	NewPipelinesHandler(be, nil).RegisterRoutes(mux)

	return &testEnv{backend: be, runner: r, mux: mux}
}

func (env *testEnv) serve(t *testing.T, method, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) serveWithAccept(t *testing.T, path, accept string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Accept", accept)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
}

func createPipeline(t *testing.T, env *testEnv, id string) *pipeline.Pipeline {
	t.Helper()
	pip := &pipeline.Pipeline{
		ID:         id,
		Name:       id,
		Repository: "https://example.com/" + id + ".git",
		Steps:      []pipeline.Step{{Name: "Build", Command: "make"}},
	}
	pip.ApplyDefaults()
	if err := env.backend.CreatePipeline(context.Background(), pip); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	return pip
}

// waitForRun polls until the run reaches a terminal state.
func waitForRun(t *testing.T, env *testEnv, runID string) *pipeline.Run {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		run, err := env.backend.GetRun(context.Background(), runID)
		if err == nil && run.Status.IsTerminal() && env.runner.ActiveRunCount() == 0 {
			return run
		}
		select {
		case <-deadline:
			t.Fatalf("run %s never finished", runID)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
