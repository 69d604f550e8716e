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
	"net/http"
	"strconv"
	"strings"

	"github.com/lightci/lightci/internal/daemon/backend"
	"github.com/lightci/lightci/internal/daemon/httputil"
	"github.com/lightci/lightci/internal/daemon/runner"
	"github.com/lightci/lightci/pkg/errors"
	"github.com/lightci/lightci/pkg/pipeline"
)

// RunsHandler serves run triggering, inspection and cancellation.
type RunsHandler struct {
	runner *runner.Runner
	runs   backend.RunStore
}

// NewRunsHandler creates a runs handler.
func NewRunsHandler(r *runner.Runner, runs backend.RunStore) *RunsHandler {
	return &RunsHandler{runner: r, runs: runs}
}

// RegisterRoutes registers run API routes.
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/runs", h.handleStart)
	mux.HandleFunc("GET /v1/runs", h.handleList)
	mux.HandleFunc("GET /v1/runs/{id}", h.handleGet)
	mux.HandleFunc("GET /v1/runs/{id}/logs", h.handleLogs)
	mux.HandleFunc("DELETE /v1/runs/{id}", h.handleCancel)
}

// StartRunRequest is the request body for starting a run.
type StartRunRequest struct {
	Pipeline    string `json:"pipeline"`
	Branch      string `json:"branch,omitempty"`
	Commit      string `json:"commit,omitempty"`
	TriggeredBy string `json:"triggered_by,omitempty"`
}

func (h *RunsHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest,
			fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Pipeline == "" {
		httputil.WriteError(w, http.StatusBadRequest, "pipeline is required")
		return
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "api"
	}

	run, err := h.runner.StartRun(r.Context(), req.Pipeline, req.Branch, req.Commit, req.TriggeredBy)
	switch {
	case err == nil:
		httputil.WriteJSON(w, http.StatusAccepted, run)
	case errors.Is(err, runner.ErrDraining):
		w.Header().Set("Retry-After", "10")
		httputil.WriteError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, runner.ErrPipelineBusy):
		httputil.WriteError(w, http.StatusConflict, err.Error())
	default:
		writeStoreError(w, err)
	}
}

func (h *RunsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := backend.RunFilter{
		PipelineID: r.URL.Query().Get("pipeline"),
		Status:     pipeline.RunStatus(r.URL.Query().Get("status")),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		httputil.WriteError(w, http.StatusBadRequest,
			fmt.Sprintf("unknown run status %q", filter.Status))
		return
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			httputil.WriteError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	runs, err := h.runs.ListRuns(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

func (h *RunsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

// handleLogs returns the run's log buffer, or streams it as SSE when
// the client asks for text/event-stream.
func (h *RunsHandler) handleLogs(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		h.streamLogs(w, r, run)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"logs":  run.Logs,
		"count": len(run.Logs),
	})
}

// streamLogs replays the stored log buffer, then follows live events
// until the run reaches a terminal state or the client goes away.
func (h *RunsHandler) streamLogs(w http.ResponseWriter, r *http.Request, run *pipeline.Run) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Subscribe before replay so events between the snapshot and the
	// follow loop are not lost.
	events, unsubscribe := h.runner.Subscribe(run.ID)
	defer unsubscribe()

	for _, line := range run.Logs {
		fmt.Fprintf(w, "data: %s\n\n", sseEscape(line))
	}
	flusher.Flush()

	if run.Status.IsTerminal() {
		fmt.Fprintf(w, "event: done\ndata: {\"status\":%q}\n\n", run.Status)
		flusher.Flush()
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			data, _ := json.Marshal(event)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()

			if event.Status.IsTerminal() || strings.HasPrefix(event.Message, "run ") {
				current, err := h.runs.GetRun(r.Context(), run.ID)
				if err == nil && current.Status.IsTerminal() {
					fmt.Fprintf(w, "event: done\ndata: {\"status\":%q}\n\n", current.Status)
					flusher.Flush()
					return
				}
			}
		}
	}
}

// sseEscape keeps multi-line log entries inside a single SSE data
// frame.
func sseEscape(line string) string {
	return strings.ReplaceAll(line, "\n", "\\n")
}

func (h *RunsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.runner.Cancel(r.Context(), id); err != nil {
		if errors.IsNotFound(err) {
			httputil.WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		httputil.WriteError(w, http.StatusConflict, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "cancelled",
		"id":     id,
	})
}
