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

// Package api provides the daemon's control API: pipelines, runs,
// artifacts, keys and deployments over JSON on HTTP. The server binds
// loopback by default; authentication is out of scope.
package api

import (
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lightci/lightci/internal/daemon/httputil"
	"github.com/lightci/lightci/internal/log"
)

// RouterConfig holds build identity reported by version and health
// endpoints.
type RouterConfig struct {
	Version   string
	Commit    string
	BuildDate string
}

// RunnerStatus is the slice of the runner the health endpoint reads.
type RunnerStatus interface {
	ActiveRunCount() int
	IsDraining() bool
}

// SchedulerStatus is the slice of the scheduler the health endpoint
// reads.
type SchedulerStatus interface {
	Count() int
}

// Router wraps an http.ServeMux with request logging and the core
// health, version and metrics endpoints.
type Router struct {
	mux       *http.ServeMux
	config    RouterConfig
	runner    RunnerStatus
	scheduler SchedulerStatus
	logger    *slog.Logger
}

// NewRouter creates the API router.
func NewRouter(cfg RouterConfig, runner RunnerStatus, scheduler SchedulerStatus, logger *slog.Logger) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		config:    cfg,
		runner:    runner,
		scheduler: scheduler,
		logger:    log.WithComponent(logger, "api"),
	}

	r.mux.HandleFunc("GET /v1/healthz", r.handleHealth)
	r.mux.HandleFunc("GET /v1/version", r.handleVersion)
	r.mux.Handle("GET /metrics", promhttp.Handler())
	r.mux.HandleFunc("GET /", r.handleRoot)

	return r
}

// ServeHTTP implements http.Handler with request logging around the
// mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	defer func() {
		r.logger.Info("request completed",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}()
	r.mux.ServeHTTP(w, req)
}

// Mux returns the underlying ServeMux for registering additional
// routes.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"name":    "lightcid",
		"version": r.config.Version,
	})
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	status := "ok"
	if r.runner != nil && r.runner.IsDraining() {
		status = "draining"
	}

	resp := map[string]any{
		"status":  status,
		"version": r.config.Version,
	}
	if r.runner != nil {
		resp["active_runs"] = r.runner.ActiveRunCount()
	}
	if r.scheduler != nil {
		resp["schedules"] = r.scheduler.Count()
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"version":    r.config.Version,
		"commit":     r.config.Commit,
		"build_date": r.config.BuildDate,
		"go_version": runtime.Version(),
	})
}
