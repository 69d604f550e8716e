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

// Package pipelines loads pipeline definitions from YAML files in a
// pipelines directory and keeps the store and scheduler reconciled as
// files appear, change, and vanish. The API remains the authoritative
// write path; file-sourced pipelines carry a file origin marker.
package pipelines

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/lightci/lightci/internal/daemon/backend"
	"github.com/lightci/lightci/internal/log"
	"github.com/lightci/lightci/pkg/errors"
	"github.com/lightci/lightci/pkg/pipeline"
)

// originPrefix marks pipelines sourced from definition files.
const originPrefix = "file:"

// Notifier receives pipeline lifecycle notifications. The scheduler
// implements it.
type Notifier interface {
	Reconcile(pip *pipeline.Pipeline) error
	Remove(pipelineID string)
}

// Reconciler mirrors a directory of pipeline files into the store.
type Reconciler struct {
	dir     string
	store   backend.PipelineStore
	notify  Notifier
	limiter *rate.Limiter
	logger  *slog.Logger

	mu     sync.Mutex
	byPath map[string]string // file path -> pipeline id

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Reconciler for the given directory.
func New(dir string, store backend.PipelineStore, notify Notifier, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		dir:    dir,
		store:  store,
		notify: notify,
		// Editors save in bursts; one reload per file per second is
		// plenty.
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		logger:  log.WithComponent(logger, "pipelines"),
		byPath:  make(map[string]string),
	}
}

// LoadAll loads every pipeline file in the directory. Individual bad
// files are logged and skipped; a missing directory loads nothing.
func (r *Reconciler) LoadAll(ctx context.Context) error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "reading pipelines directory %s", r.dir)
	}

	for _, entry := range entries {
		if entry.IsDir() || !isPipelineFile(entry.Name()) {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		if err := r.loadFile(ctx, path); err != nil {
			r.logger.Warn("skipping pipeline file",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// Watch starts the fsnotify loop. Stop with Stop.
func (r *Reconciler) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating pipelines watcher")
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "watching pipelines directory %s", r.dir)
	}

	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	go r.loop(ctx, watcher)
	r.logger.Info("watching pipelines directory", slog.String("dir", r.dir))
	return nil
}

// Stop halts the watch loop.
func (r *Reconciler) Stop() {
	if r.stopCh == nil {
		return
	}
	close(r.stopCh)
	<-r.doneCh
	r.stopCh = nil
}

func (r *Reconciler) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(r.doneCh)
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isPipelineFile(filepath.Base(event.Name)) {
				continue
			}
			r.handleEvent(ctx, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("pipelines watcher error", slog.String("error", err.Error()))
		}
	}
}

// handleEvent reacts to one filesystem event. Writes and creates
// reload the file; removes and renames drop the pipeline.
func (r *Reconciler) handleEvent(ctx context.Context, event fsnotify.Event) {
	switch {
	case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		if err := r.loadFile(ctx, event.Name); err != nil {
			r.logger.Warn("failed to reload pipeline file",
				slog.String("path", event.Name),
				slog.String("error", err.Error()))
		}

	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		r.removeFile(ctx, event.Name)
	}
}

// loadFile parses one pipeline file and upserts the pipeline. A file
// that fails to parse leaves the previously loaded pipeline in place.
func (r *Reconciler) loadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	pip, err := pipeline.Parse(data)
	if err != nil {
		return err
	}
	pip.CreatedBy = originPrefix + filepath.Base(path)

	existing, err := r.store.GetPipeline(ctx, pip.ID)
	switch {
	case err == nil:
		if !strings.HasPrefix(existing.CreatedBy, originPrefix) {
			return fmt.Errorf("pipeline %q already exists via the API, not overwriting", pip.ID)
		}
		pip.CreatedAt = existing.CreatedAt
		if err := r.store.UpdatePipeline(ctx, pip); err != nil {
			return err
		}
	case errors.IsNotFound(err):
		if err := r.store.CreatePipeline(ctx, pip); err != nil {
			return err
		}
	default:
		return err
	}

	r.mu.Lock()
	r.byPath[path] = pip.ID
	r.mu.Unlock()

	if err := r.notify.Reconcile(pip); err != nil {
		r.logger.Warn("schedule reconcile failed",
			slog.String(log.PipelineIDKey, pip.ID),
			slog.String("error", err.Error()))
	}
	r.logger.Info("pipeline file loaded",
		slog.String("path", path),
		slog.String(log.PipelineIDKey, pip.ID))
	return nil
}

// removeFile deletes the pipeline loaded from a vanished file.
// Pipelines created via the API are untouched.
func (r *Reconciler) removeFile(ctx context.Context, path string) {
	r.mu.Lock()
	id, ok := r.byPath[path]
	delete(r.byPath, path)
	r.mu.Unlock()

	if !ok {
		return
	}

	if err := r.store.DeletePipeline(ctx, id); err != nil && !errors.IsNotFound(err) {
		r.logger.Warn("failed to delete pipeline for removed file",
			slog.String(log.PipelineIDKey, id),
			slog.String("error", err.Error()))
		return
	}
	r.notify.Remove(id)
	r.logger.Info("pipeline removed with its file",
		slog.String("path", path),
		slog.String(log.PipelineIDKey, id))
}

func isPipelineFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
