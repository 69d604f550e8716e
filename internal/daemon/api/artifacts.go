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
	"fmt"
	"io"
	"net/http"

	"github.com/lightci/lightci/internal/artifacts"
	"github.com/lightci/lightci/internal/daemon/backend"
	"github.com/lightci/lightci/internal/daemon/httputil"
	"github.com/lightci/lightci/pkg/pipeline"
)

// maxUploadSize caps a single artifact upload.
const maxUploadSize = 500 << 20

// ArtifactsHandler serves artifact listing, download, upload and
// sweeping.
type ArtifactsHandler struct {
	records   backend.ArtifactStore
	runs      backend.RunStore
	pipelines backend.PipelineStore
	collector *artifacts.Collector
	store     artifacts.Store
	sweeper   *artifacts.Sweeper
}

// NewArtifactsHandler creates an artifacts handler.
func NewArtifactsHandler(
	records backend.ArtifactStore,
	runs backend.RunStore,
	pipelines backend.PipelineStore,
	collector *artifacts.Collector,
	store artifacts.Store,
	sweeper *artifacts.Sweeper,
) *ArtifactsHandler {
	return &ArtifactsHandler{
		records:   records,
		runs:      runs,
		pipelines: pipelines,
		collector: collector,
		store:     store,
		sweeper:   sweeper,
	}
}

// RegisterRoutes registers artifact API routes.
func (h *ArtifactsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/runs/{id}/artifacts", h.handleList)
	mux.HandleFunc("POST /v1/runs/{id}/artifacts", h.handleUpload)
	mux.HandleFunc("GET /v1/artifacts/{id}/download", h.handleDownload)
	mux.HandleFunc("POST /v1/artifacts/sweep", h.handleSweep)
}

// handleList lists a run's artifacts. Records only become visible
// once collection for the run has happened.
func (h *ArtifactsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	records := []*pipeline.ArtifactRecord{}
	if run.Artifacts.Collected {
		records, err = h.records.ListArtifacts(r.Context(), run.ID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"artifacts": records,
		"count":     len(records),
		"collected": run.Artifacts.Collected,
	})
}

// handleUpload accepts one externally built artifact for a run. The
// file path comes from the name query parameter and must match the
// pipeline's allowed patterns.
func (h *ArtifactsHandler) handleUpload(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	pip, err := h.pipelines.GetPipeline(r.Context(), run.PipelineID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		httputil.WriteError(w, http.StatusBadRequest, "name query parameter is required")
		return
	}

	record, err := h.collector.Upload(r.Context(), run, pip.Artifacts, name,
		io.LimitReader(r.Body, maxUploadSize))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, record)
}

func (h *ArtifactsHandler) handleDownload(w http.ResponseWriter, r *http.Request) {
	record, err := h.records.GetArtifact(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	f, err := h.store.Open(r.Context(), record.RunID, record.RelativePath)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	defer f.Close()

	contentType := record.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", record.Name))
	if record.Size > 0 {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", record.Size))
	}
	io.Copy(w, f)
}

// handleSweep runs one retention sweep immediately.
func (h *ArtifactsHandler) handleSweep(w http.ResponseWriter, r *http.Request) {
	swept, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"swept": swept,
	})
}
