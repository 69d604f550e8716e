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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lightci/lightci/internal/daemon/backend"
	"github.com/lightci/lightci/internal/daemon/httputil"
	"github.com/lightci/lightci/pkg/pipeline"
)

// ScheduleReconciler keeps the scheduler in step with pipeline
// writes.
type ScheduleReconciler interface {
	Reconcile(pip *pipeline.Pipeline) error
	Remove(pipelineID string)
}

// PipelinesHandler serves pipeline CRUD and validation.
type PipelinesHandler struct {
	store     backend.PipelineStore
	scheduler ScheduleReconciler
}

// NewPipelinesHandler creates a pipelines handler.
func NewPipelinesHandler(store backend.PipelineStore, scheduler ScheduleReconciler) *PipelinesHandler {
	return &PipelinesHandler{store: store, scheduler: scheduler}
}

// RegisterRoutes registers pipeline API routes.
func (h *PipelinesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/pipelines", h.handleCreate)
	mux.HandleFunc("GET /v1/pipelines", h.handleList)
	mux.HandleFunc("GET /v1/pipelines/{id}", h.handleGet)
	mux.HandleFunc("PUT /v1/pipelines/{id}", h.handleUpdate)
	mux.HandleFunc("DELETE /v1/pipelines/{id}", h.handleDelete)
	mux.HandleFunc("POST /v1/pipelines/validate", h.handleValidate)
}

// decodePipeline reads a pipeline definition from the request body.
// YAML content types go through the definition parser; JSON is
// decoded directly, then defaulted and validated the same way.
func decodePipeline(r *http.Request) (*pipeline.Pipeline, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		var pip pipeline.Pipeline
		if err := json.Unmarshal(body, &pip); err != nil {
			return nil, fmt.Errorf("invalid pipeline JSON: %w", err)
		}
		pip.ApplyDefaults()
		if err := pip.Validate(); err != nil {
			return nil, err
		}
		return &pip, nil
	}
	return pipeline.Parse(body)
}

func (h *PipelinesHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	pip, err := decodePipeline(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if pip.CreatedBy == "" {
		pip.CreatedBy = "api"
	}

	if _, err := h.store.GetPipeline(r.Context(), pip.ID); err == nil {
		httputil.WriteError(w, http.StatusConflict,
			fmt.Sprintf("pipeline %q already exists", pip.ID))
		return
	}

	if err := h.store.CreatePipeline(r.Context(), pip); err != nil {
		writeStoreError(w, err)
		return
	}
	h.reconcile(pip)
	httputil.WriteJSON(w, http.StatusCreated, pip)
}

func (h *PipelinesHandler) handleList(w http.ResponseWriter, r *http.Request) {
	pipelines, err := h.store.ListPipelines(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"pipelines": pipelines,
		"count":     len(pipelines),
	})
}

func (h *PipelinesHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	pip, err := h.store.GetPipeline(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, pip)
}

func (h *PipelinesHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := h.store.GetPipeline(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	pip, err := decodePipeline(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if pip.ID != id {
		httputil.WriteError(w, http.StatusBadRequest,
			fmt.Sprintf("pipeline id %q does not match URL id %q", pip.ID, id))
		return
	}
	pip.CreatedBy = existing.CreatedBy
	pip.CreatedAt = existing.CreatedAt

	if err := h.store.UpdatePipeline(r.Context(), pip); err != nil {
		writeStoreError(w, err)
		return
	}
	h.reconcile(pip)
	httputil.WriteJSON(w, http.StatusOK, pip)
}

func (h *PipelinesHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.store.DeletePipeline(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	if h.scheduler != nil {
		h.scheduler.Remove(id)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "deleted",
		"id":     id,
	})
}

// handleValidate parses a definition without persisting it.
func (h *PipelinesHandler) handleValidate(w http.ResponseWriter, r *http.Request) {
	pip, err := decodePipeline(r)
	if err != nil {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"valid": true,
		"id":    pip.ID,
	})
}

func (h *PipelinesHandler) reconcile(pip *pipeline.Pipeline) {
	if h.scheduler == nil {
		return
	}
	// Reconcile errors were already caught by Validate; nothing useful
	// to surface here.
	_ = h.scheduler.Reconcile(pip)
}
