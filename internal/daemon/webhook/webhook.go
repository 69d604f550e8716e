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

// Package webhook turns inbound push and pull-request deliveries into
// pipeline runs. GitHub has a built-in parser; other providers go
// through configured jq mappings. Events that match nothing are
// acknowledged with 200 so providers do not retry them.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/time/rate"

	"github.com/lightci/lightci/internal/config"
	"github.com/lightci/lightci/internal/daemon/backend"
	"github.com/lightci/lightci/internal/daemon/metrics"
	"github.com/lightci/lightci/internal/daemon/runner"
	"github.com/lightci/lightci/internal/log"
	"github.com/lightci/lightci/pkg/errors"
	"github.com/lightci/lightci/pkg/pipeline"
)

// maxBodySize caps a delivery body. GitHub caps payloads at 25MB;
// anything bigger is not a webhook.
const maxBodySize = 25 << 20

// StartFunc begins a run; it matches the Runner's StartRun.
type StartFunc func(ctx context.Context, pipelineID, branch, commit, triggeredBy string) (*pipeline.Run, error)

// Adapter handles inbound webhook deliveries.
type Adapter struct {
	pipelines backend.PipelineStore
	start     StartFunc
	secret    string
	limiter   *rate.Limiter
	mappings  map[string]*mapping
	draining  func() bool
	logger    *slog.Logger
}

// New creates an Adapter. Mappings are compiled eagerly; a broken jq
// program is a startup error.
func New(cfg config.WebhookConfig, pipelines backend.PipelineStore, start StartFunc, draining func() bool, logger *slog.Logger) (*Adapter, error) {
	mappings, err := compileMappings(cfg.Mappings)
	if err != nil {
		return nil, errors.Wrap(err, "compiling webhook mappings")
	}

	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}

	return &Adapter{
		pipelines: pipelines,
		start:     start,
		secret:    cfg.Secret,
		limiter:   rate.NewLimiter(rate.Limit(rpm)/60, rpm),
		mappings:  mappings,
		draining:  draining,
		logger:    log.WithComponent(logger, "webhook"),
	}, nil
}

// Register mounts the webhook routes on the mux.
func (a *Adapter) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/github", a.handleGitHub)
	mux.HandleFunc("POST /webhooks/custom/{source}", a.handleCustom)
}

func (a *Adapter) handleGitHub(w http.ResponseWriter, r *http.Request) {
	body, ok := a.admit(w, r, verifySignature)
	if !ok {
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	if eventType == "" {
		writeError(w, http.StatusBadRequest, "missing X-GitHub-Event header")
		return
	}

	d, err := parseGitHubEvent(eventType, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if d == nil {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ignored",
			"message": fmt.Sprintf("event %q not supported", eventType),
		})
		return
	}

	a.trigger(w, r, d)
}

func (a *Adapter) handleCustom(w http.ResponseWriter, r *http.Request) {
	body, ok := a.admit(w, r, verifyCustomSignature)
	if !ok {
		return
	}

	source := r.PathValue("source")
	m, found := a.mappings[source]
	if !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no mapping for source %q", source))
		return
	}

	d, err := m.extract(r.Context(), body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if d == nil {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ignored",
			"message": "event not supported",
		})
		return
	}

	// Mappings without an event program default to push. Senders that
	// label deliveries through a header instead of the payload still
	// get filtered here.
	if m.event == nil {
		if ev := headerEventType(r); ev != "" {
			if ev != EventPush && ev != EventPullRequest {
				writeJSON(w, http.StatusOK, map[string]string{
					"status":  "ignored",
					"message": fmt.Sprintf("event %q not supported", ev),
				})
				return
			}
			d.event = ev
		}
	}

	a.trigger(w, r, d)
}

// admit applies the shared delivery gate: drain state, rate limit,
// body read, then the route's signature scheme. GitHub deliveries
// carry X-Hub-Signature-256; custom sources use looser conventions.
func (a *Adapter) admit(w http.ResponseWriter, r *http.Request, verify func(*http.Request, []byte, string) error) ([]byte, bool) {
	if a.draining != nil && a.draining() {
		w.Header().Set("Retry-After", "10")
		writeError(w, http.StatusServiceUnavailable, "daemon is shutting down")
		return nil, false
	}
	if !a.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return nil, false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return nil, false
	}

	if a.secret != "" {
		if err := verify(r, body, a.secret); err != nil {
			a.logger.Warn("webhook signature verification failed",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()))
			writeError(w, http.StatusUnauthorized, "signature verification failed")
			return nil, false
		}
	}
	return body, true
}

// trigger resolves the pipeline, applies its trigger filters, and
// starts a run. Filtered deliveries are acknowledged, not errors.
func (a *Adapter) trigger(w http.ResponseWriter, r *http.Request, d *delivery) {
	pip := a.lookupPipeline(r, d)
	if pip == nil {
		metrics.RecordWebhookDelivery("unmatched")
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ignored",
			"message": "no pipeline for repository",
		})
		return
	}

	if reason := filterReason(pip, d); reason != "" {
		metrics.RecordWebhookDelivery("filtered")
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ignored",
			"message": reason,
		})
		return
	}

	triggeredBy := d.sender
	if triggeredBy == "" {
		triggeredBy = "webhook"
	}

	run, err := a.start(r.Context(), pip.ID, d.branch, d.commit, triggeredBy)
	switch {
	case err == nil:
		metrics.RecordWebhookDelivery("triggered")
		a.logger.Info("webhook triggered run",
			slog.String(log.PipelineIDKey, pip.ID),
			slog.String(log.RunIDKey, run.ID),
			slog.String(log.BranchKey, d.branch),
			slog.String(log.EventKey, d.event))
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":   "triggered",
			"run_id":   run.ID,
			"pipeline": pip.Name,
			"event":    d.event,
		})

	case errors.Is(err, runner.ErrPipelineBusy):
		metrics.RecordWebhookDelivery("dropped")
		a.logger.Info("webhook trigger dropped, pipeline busy",
			slog.String(log.PipelineIDKey, pip.ID))
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "dropped",
			"message": "pipeline already has an active run",
		})

	case errors.Is(err, runner.ErrDraining):
		w.Header().Set("Retry-After", "10")
		writeError(w, http.StatusServiceUnavailable, "daemon is shutting down")

	default:
		a.logger.Error("webhook trigger failed",
			slog.String(log.PipelineIDKey, pip.ID),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to start run")
	}
}

// lookupPipeline tries each candidate repository URL in order.
func (a *Adapter) lookupPipeline(r *http.Request, d *delivery) *pipeline.Pipeline {
	for _, candidate := range d.repoCandidates {
		pip, err := a.pipelines.GetPipelineByRepository(r.Context(), candidate)
		if err == nil {
			return pip
		}
		if !errors.IsNotFound(err) {
			a.logger.Error("pipeline lookup failed",
				slog.String("repository", candidate),
				slog.String("error", err.Error()))
			return nil
		}
	}
	return nil
}

// filterReason applies the pipeline's trigger configuration. Empty
// string means the delivery passes. With no trigger config, only push
// events trigger.
func filterReason(pip *pipeline.Pipeline, d *delivery) string {
	var events []string
	var branches []string
	if pip.Trigger != nil {
		events = pip.Trigger.Events
		branches = pip.Trigger.Branches
	}

	if len(events) == 0 {
		if d.event != EventPush {
			return fmt.Sprintf("event %q not enabled for pipeline", d.event)
		}
	} else if !containsString(events, d.event) {
		return fmt.Sprintf("event %q not enabled for pipeline", d.event)
	}

	if len(branches) > 0 && !branchMatches(branches, d.branch) {
		return fmt.Sprintf("branch %q not in trigger branches", d.branch)
	}
	return ""
}

// branchMatches tests the branch against the allow-list. Entries are
// glob patterns; a malformed pattern matches nothing.
func branchMatches(patterns []string, branch string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, branch); err == nil && ok {
			return true
		}
	}
	return false
}

func containsString(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
