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

// Run state helpers: deep copies to prevent aliasing between the
// executing goroutine and callers, persistence, and the run log
// buffer.

package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lightci/lightci/internal/log"
	"github.com/lightci/lightci/pkg/pipeline"
)

// cloneRun deep-copies a run so the execution goroutine owns its
// state exclusively.
func cloneRun(run *pipeline.Run) *pipeline.Run {
	clone := *run

	clone.StepResults = make([]pipeline.StepResult, len(run.StepResults))
	copy(clone.StepResults, run.StepResults)

	clone.Logs = make([]string, len(run.Logs))
	copy(clone.Logs, run.Logs)

	if run.CompletedAt != nil {
		t := *run.CompletedAt
		clone.CompletedAt = &t
	}
	if run.Artifacts.ExpiresAt != nil {
		t := *run.Artifacts.ExpiresAt
		clone.Artifacts.ExpiresAt = &t
	}
	return &clone
}

// persist writes the run's current state. Step transitions for a run
// are strictly ordered because the run executes on one goroutine, so
// readers always observe a prefix of the actual sequence.
func (r *Runner) persist(ctx context.Context, run *pipeline.Run) {
	if err := r.runs.UpdateRun(ctx, run); err != nil {
		r.logger.Warn("failed to persist run state",
			slog.String(log.RunIDKey, run.ID),
			slog.String("error", err.Error()))
	}
}

// logRun appends a line to the run's log buffer and notifies
// subscribers. Append order matches execution order.
func (r *Runner) logRun(run *pipeline.Run, level, message, step string) {
	now := time.Now()
	line := fmt.Sprintf("[%s] %s", now.Format(time.RFC3339), message)
	if step != "" {
		line = fmt.Sprintf("[%s] [%s] %s", now.Format(time.RFC3339), step, message)
	}
	run.Logs = append(run.Logs, line)

	r.hub.Publish(run.ID, Event{
		Timestamp: now,
		Level:     level,
		Message:   message,
		Step:      step,
	})
}

// publishStep notifies subscribers of a step status transition.
func (r *Runner) publishStep(run *pipeline.Run, result *pipeline.StepResult) {
	r.hub.Publish(run.ID, Event{
		Timestamp: time.Now(),
		Level:     "info",
		Step:      result.Name,
		Status:    result.Status,
	})
}
