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

// Package scheduler triggers pipeline runs from cron schedules. One
// cron job per pipeline; reconciliation on pipeline create, update,
// and delete keeps the registry in step with the stored pipelines.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lightci/lightci/internal/daemon/backend"
	"github.com/lightci/lightci/internal/daemon/runner"
	"github.com/lightci/lightci/internal/log"
	"github.com/lightci/lightci/pkg/errors"
	"github.com/lightci/lightci/pkg/pipeline"
)

// StartFunc begins a run for a pipeline. It matches the Runner's
// StartRun signature; the Scheduler holds no other reference to the
// Runner.
type StartFunc func(ctx context.Context, pipelineID, branch, commit, triggeredBy string) (*pipeline.Run, error)

// entry is one registered cron job.
type entry struct {
	pipelineID   string
	pipelineName string
	cron         string
	expr         *CronExpr
	location     *time.Location

	nextRun      time.Time
	lastRun      *time.Time
	runCount     int64
	droppedCount int64
	errorCount   int64
}

// Scheduler maintains the cron registry and fires due jobs.
type Scheduler struct {
	start  StartFunc
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the scheduler's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler that triggers runs through start.
func New(start StartFunc, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		start:   start,
		logger:  log.WithComponent(logger, "scheduler"),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadAll registers every stored pipeline with a schedule. Called once
// at startup. Pipelines with invalid schedules are logged and skipped;
// one bad expression must not prevent the daemon starting.
func (s *Scheduler) LoadAll(ctx context.Context, store backend.PipelineStore) error {
	pipelines, err := store.ListPipelines(ctx)
	if err != nil {
		return errors.Wrap(err, "listing pipelines for scheduling")
	}

	for _, pip := range pipelines {
		if err := s.Reconcile(pip); err != nil {
			s.logger.Warn("skipping pipeline with invalid schedule",
				slog.String(log.PipelineIDKey, pip.ID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// Reconcile brings the registry in line with a pipeline's current
// schedule. A pipeline without a schedule is deregistered. An invalid
// cron expression is rejected and the previous registration, if any,
// stays in force. Reconciling an unchanged schedule is a no-op, so
// repeated reconciliation leaves exactly one job.
func (s *Scheduler) Reconcile(pip *pipeline.Pipeline) error {
	if pip.Trigger == nil || pip.Trigger.Schedule == nil || pip.Trigger.Schedule.Cron == "" {
		s.Remove(pip.ID)
		return nil
	}
	sched := pip.Trigger.Schedule

	expr, err := ParseCron(sched.Cron)
	if err != nil {
		return &errors.ValidationError{
			Field:      "triggers.schedule.cron",
			Message:    sched.Cron + ": " + err.Error(),
			Suggestion: "use a five-field cron expression like \"*/5 * * * *\"",
		}
	}

	loc := time.UTC
	if sched.Timezone != "" {
		loc, err = time.LoadLocation(sched.Timezone)
		if err != nil {
			return &errors.ValidationError{
				Field:      "triggers.schedule.timezone",
				Message:    err.Error(),
				Suggestion: "use an IANA zone name like \"Europe/London\"",
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[pip.ID]; ok && existing.cron == sched.Cron && existing.location.String() == loc.String() {
		existing.pipelineName = pip.Name
		return nil
	}

	s.entries[pip.ID] = &entry{
		pipelineID:   pip.ID,
		pipelineName: pip.Name,
		cron:         sched.Cron,
		expr:         expr,
		location:     loc,
		nextRun:      expr.Next(s.now().In(loc)),
	}
	s.logger.Info("schedule registered",
		slog.String(log.PipelineIDKey, pip.ID),
		slog.String("cron", sched.Cron),
		slog.String("timezone", loc.String()))
	return nil
}

// Remove deregisters a pipeline's schedule.
func (s *Scheduler) Remove(pipelineID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[pipelineID]; ok {
		delete(s.entries, pipelineID)
		s.logger.Info("schedule removed", slog.String(log.PipelineIDKey, pipelineID))
	}
}

// Count returns the number of registered schedules.
func (s *Scheduler) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// NextRun returns the next fire time for a pipeline's schedule.
func (s *Scheduler) NextRun(pipelineID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[pipelineID]
	if !ok {
		return time.Time{}, false
	}
	return e.nextRun, true
}

// Start begins the scheduler loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop halts the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(ctx, s.now())
		}
	}
}

// Tick fires every due schedule and advances its next run time. Runs
// start on their own goroutines so a slow trigger cannot delay the
// rest of the registry.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.nextRun.IsZero() || now.Before(e.nextRun) {
			continue
		}

		go s.fire(ctx, e.pipelineID, e.pipelineName)

		fired := now
		e.lastRun = &fired
		e.nextRun = e.expr.Next(now.In(e.location))
		e.runCount++
	}
}

// fire triggers one scheduled run. A busy pipeline drops the trigger;
// there is no queueing of scheduled runs.
func (s *Scheduler) fire(ctx context.Context, pipelineID, pipelineName string) {
	logger := s.logger.With(
		slog.String(log.PipelineIDKey, pipelineID),
		slog.String("pipeline", pipelineName))

	run, err := s.start(ctx, pipelineID, "", "", runner.TriggerSystem)
	switch {
	case err == nil:
		logger.Info("scheduled run started", slog.String(log.RunIDKey, run.ID))
	case errors.Is(err, runner.ErrPipelineBusy):
		s.record(pipelineID, func(e *entry) { e.droppedCount++ })
		logger.Info("scheduled trigger dropped, pipeline has an active run")
	case errors.Is(err, runner.ErrDraining):
		logger.Info("scheduled trigger skipped during shutdown")
	default:
		s.record(pipelineID, func(e *entry) { e.errorCount++ })
		logger.Error("scheduled trigger failed", slog.String("error", err.Error()))
	}
}

func (s *Scheduler) record(pipelineID string, update func(*entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[pipelineID]; ok {
		update(e)
	}
}

// Status describes one registered schedule.
type Status struct {
	PipelineID   string     `json:"pipeline_id"`
	PipelineName string     `json:"pipeline_name"`
	Cron         string     `json:"cron"`
	Timezone     string     `json:"timezone"`
	NextRun      time.Time  `json:"next_run"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	RunCount     int64      `json:"run_count"`
	DroppedCount int64      `json:"dropped_count"`
	ErrorCount   int64      `json:"error_count"`
}

// GetStatus reports every registered schedule.
func (s *Scheduler) GetStatus() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		result = append(result, Status{
			PipelineID:   e.pipelineID,
			PipelineName: e.pipelineName,
			Cron:         e.cron,
			Timezone:     e.location.String(),
			NextRun:      e.nextRun,
			LastRun:      e.lastRun,
			RunCount:     e.runCount,
			DroppedCount: e.droppedCount,
			ErrorCount:   e.errorCount,
		})
	}
	return result
}
