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
	"net/http"
	"sync"
	"testing"

	"github.com/lightci/lightci/pkg/pipeline"
)

const webPipelineYAML = `name: Web App
repository: https://example.com/web.git
steps:
  - name: Build
    command: make build
`

type recordingScheduler struct {
	mu         sync.Mutex
	reconciled []string
	removed    []string
}

func (s *recordingScheduler) Reconcile(pip *pipeline.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconciled = append(s.reconciled, pip.ID)
	return nil
}

func (s *recordingScheduler) Remove(pipelineID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, pipelineID)
}

func newPipelinesEnv(t *testing.T) (*testEnv, *recordingScheduler) {
	t.Helper()
	env := newTestEnv(t)
	sched := &recordingScheduler{}
	env.mux = http.NewServeMux()
	NewPipelinesHandler(env.backend, sched).RegisterRoutes(env.mux)
	return env, sched
}

func TestCreatePipelineFromYAML(t *testing.T) {
	env, sched := newPipelinesEnv(t)

	rec := env.serve(t, http.MethodPost, "/v1/pipelines", "application/x-yaml", webPipelineYAML)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var pip pipeline.Pipeline
	decodeBody(t, rec, &pip)
	if pip.ID != "web-app" {
		t.Errorf("id = %q, want web-app", pip.ID)
	}
	if pip.CreatedBy != "api" {
		t.Errorf("created_by = %q, want api", pip.CreatedBy)
	}

	stored, err := env.backend.GetPipeline(context.Background(), "web-app")
	if err != nil {
		t.Fatalf("pipeline not stored: %v", err)
	}
	if stored.DefaultBranch != "main" {
		t.Errorf("default branch = %q, want main", stored.DefaultBranch)
	}
	if len(sched.reconciled) != 1 || sched.reconciled[0] != "web-app" {
		t.Errorf("scheduler reconciled = %v, want [web-app]", sched.reconciled)
	}
}

func TestCreatePipelineConflict(t *testing.T) {
	env, _ := newPipelinesEnv(t)

	if rec := env.serve(t, http.MethodPost, "/v1/pipelines", "application/x-yaml", webPipelineYAML); rec.Code != http.StatusCreated {
		t.Fatalf("first create: status = %d", rec.Code)
	}
	if rec := env.serve(t, http.MethodPost, "/v1/pipelines", "application/x-yaml", webPipelineYAML); rec.Code != http.StatusConflict {
		t.Errorf("duplicate create: status = %d, want 409", rec.Code)
	}
}

func TestCreatePipelineInvalid(t *testing.T) {
	env, _ := newPipelinesEnv(t)

	rec := env.serve(t, http.MethodPost, "/v1/pipelines", "application/x-yaml",
		"name: No Steps\nrepository: https://example.com/x.git\n")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestGetAndListPipelines(t *testing.T) {
	env, _ := newPipelinesEnv(t)
	env.serve(t, http.MethodPost, "/v1/pipelines", "application/x-yaml", webPipelineYAML)

	rec := env.serve(t, http.MethodGet, "/v1/pipelines/web-app", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}

	rec = env.serve(t, http.MethodGet, "/v1/pipelines/ghost", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get unknown: status = %d, want 404", rec.Code)
	}

	rec = env.serve(t, http.MethodGet, "/v1/pipelines", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	decodeBody(t, rec, &resp)
	if resp.Count != 1 {
		t.Errorf("list count = %d, want 1", resp.Count)
	}
}

func TestUpdatePipeline(t *testing.T) {
	env, sched := newPipelinesEnv(t)
	env.serve(t, http.MethodPost, "/v1/pipelines", "application/x-yaml", webPipelineYAML)

	updated := `id: web-app
name: Web App
repository: https://example.com/web-v2.git
steps:
  - name: Build
    command: make build
  - name: Test
    command: make test
`
	rec := env.serve(t, http.MethodPut, "/v1/pipelines/web-app", "application/x-yaml", updated)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status = %d: %s", rec.Code, rec.Body.String())
	}

	stored, err := env.backend.GetPipeline(context.Background(), "web-app")
	if err != nil {
		t.Fatalf("GetPipeline: %v", err)
	}
	if stored.Repository != "https://example.com/web-v2.git" || len(stored.Steps) != 2 {
		t.Errorf("update not applied: %+v", stored)
	}
	if stored.CreatedBy != "api" {
		t.Errorf("created_by changed on update: %q", stored.CreatedBy)
	}
	if len(sched.reconciled) != 2 {
		t.Errorf("scheduler reconciled %d times, want 2", len(sched.reconciled))
	}

	mismatched := `name: Other Name
repository: https://example.com/other.git
steps:
  - name: Build
    command: make
`
	rec = env.serve(t, http.MethodPut, "/v1/pipelines/web-app", "application/x-yaml", mismatched)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("id mismatch: status = %d, want 400", rec.Code)
	}
}

func TestDeletePipeline(t *testing.T) {
	env, sched := newPipelinesEnv(t)
	env.serve(t, http.MethodPost, "/v1/pipelines", "application/x-yaml", webPipelineYAML)

	rec := env.serve(t, http.MethodDelete, "/v1/pipelines/web-app", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	if _, err := env.backend.GetPipeline(context.Background(), "web-app"); err == nil {
		t.Error("pipeline still present after delete")
	}
	if len(sched.removed) != 1 || sched.removed[0] != "web-app" {
		t.Errorf("scheduler removed = %v, want [web-app]", sched.removed)
	}

	rec = env.serve(t, http.MethodDelete, "/v1/pipelines/web-app", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("delete again: status = %d, want 404", rec.Code)
	}
}

func TestValidatePipeline(t *testing.T) {
	env, _ := newPipelinesEnv(t)

	rec := env.serve(t, http.MethodPost, "/v1/pipelines/validate", "application/x-yaml", webPipelineYAML)
	if rec.Code != http.StatusOK {
		t.Fatalf("validate: status = %d", rec.Code)
	}
	var resp struct {
		Valid bool   `json:"valid"`
		ID    string `json:"id"`
		Error string `json:"error"`
	}
	decodeBody(t, rec, &resp)
	if !resp.Valid || resp.ID != "web-app" {
		t.Errorf("validate = %+v, want valid web-app", resp)
	}

	rec = env.serve(t, http.MethodPost, "/v1/pipelines/validate", "application/x-yaml", "name: Broken\n")
	decodeBody(t, rec, &resp)
	if resp.Valid || resp.Error == "" {
		t.Errorf("invalid definition reported valid: %+v", resp)
	}

	if _, err := env.backend.GetPipeline(context.Background(), "web-app"); err == nil {
		t.Error("validate persisted the pipeline")
	}
}
