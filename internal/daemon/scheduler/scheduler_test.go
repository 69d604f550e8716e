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

package scheduler

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/lightci/lightci/internal/daemon/runner"
	"github.com/lightci/lightci/pkg/pipeline"
)

type startCall struct {
	pipelineID  string
	branch      string
	triggeredBy string
}

// recordingStart captures trigger invocations and returns a scripted
// error per pipeline.
type recordingStart struct {
	mu    sync.Mutex
	calls []startCall
	errs  map[string]error
}

func (r *recordingStart) start(ctx context.Context, pipelineID, branch, commit, triggeredBy string) (*pipeline.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, startCall{pipelineID: pipelineID, branch: branch, triggeredBy: triggeredBy})
	if err := r.errs[pipelineID]; err != nil {
		return nil, err
	}
	return &pipeline.Run{ID: "run-" + pipelineID, PipelineID: pipelineID}, nil
}

func (r *recordingStart) snapshot() []startCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]startCall(nil), r.calls...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func scheduledPipeline(id, cron string) *pipeline.Pipeline {
	return &pipeline.Pipeline{
		ID:            id,
		Name:          "nightly-" + id,
		DefaultBranch: "main",
		Trigger: &pipeline.TriggerConfig{
			Schedule: &pipeline.ScheduleConfig{Cron: cron},
		},
	}
}

func waitForCalls(t *testing.T, rec *recordingStart, want int) []startCall {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls := rec.snapshot(); len(calls) >= want {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d trigger call(s), got %d", want, len(rec.snapshot()))
	return nil
}

func TestReconcileRegistersSchedule(t *testing.T) {
	rec := &recordingStart{errs: map[string]error{}}
	s := New(rec.start, testLogger())

	if err := s.Reconcile(scheduledPipeline("p1", "*/5 * * * *")); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if s.Count() != 1 {
		t.Errorf("Count = %d, want 1", s.Count())
	}
	if _, ok := s.NextRun("p1"); !ok {
		t.Error("NextRun not set for registered pipeline")
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	rec := &recordingStart{errs: map[string]error{}}
	s := New(rec.start, testLogger())

	pip := scheduledPipeline("p1", "0 * * * *")
	for i := 0; i < 5; i++ {
		if err := s.Reconcile(pip); err != nil {
			t.Fatalf("Reconcile #%d: %v", i, err)
		}
	}
	if s.Count() != 1 {
		t.Errorf("Count after repeated reconcile = %d, want 1", s.Count())
	}
}

func TestReconcileInvalidCronKeepsPrevious(t *testing.T) {
	rec := &recordingStart{errs: map[string]error{}}
	s := New(rec.start, testLogger())

	if err := s.Reconcile(scheduledPipeline("p1", "0 * * * *")); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	before, _ := s.NextRun("p1")

	if err := s.Reconcile(scheduledPipeline("p1", "not a cron")); err == nil {
		t.Fatal("Reconcile with invalid cron succeeded")
	}

	after, ok := s.NextRun("p1")
	if !ok {
		t.Fatal("previous schedule lost after invalid update")
	}
	if !after.Equal(before) {
		t.Errorf("next run changed: %v -> %v", before, after)
	}
}

func TestReconcileInvalidTimezoneRejected(t *testing.T) {
	rec := &recordingStart{errs: map[string]error{}}
	s := New(rec.start, testLogger())

	pip := scheduledPipeline("p1", "0 * * * *")
	pip.Trigger.Schedule.Timezone = "Mars/Olympus_Mons"
	if err := s.Reconcile(pip); err == nil {
		t.Fatal("Reconcile with invalid timezone succeeded")
	}
	if s.Count() != 0 {
		t.Errorf("Count = %d, want 0", s.Count())
	}
}

func TestReconcileRemovesClearedSchedule(t *testing.T) {
	rec := &recordingStart{errs: map[string]error{}}
	s := New(rec.start, testLogger())

	if err := s.Reconcile(scheduledPipeline("p1", "0 * * * *")); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	// The pipeline no longer has a schedule.
	unscheduled := &pipeline.Pipeline{ID: "p1", Name: "nightly-p1", DefaultBranch: "main"}
	if err := s.Reconcile(unscheduled); err != nil {
		t.Fatalf("Reconcile without schedule: %v", err)
	}
	if s.Count() != 0 {
		t.Errorf("Count = %d, want 0", s.Count())
	}
}

func TestTickFiresDueSchedule(t *testing.T) {
	rec := &recordingStart{errs: map[string]error{}}

	// Clock starts just before a */5 boundary.
	now := time.Date(2025, 6, 2, 10, 4, 50, 0, time.UTC)
	s := New(rec.start, testLogger(), WithClock(func() time.Time { return now }))

	if err := s.Reconcile(scheduledPipeline("p1", "*/5 * * * *")); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	next, _ := s.NextRun("p1")
	if want := time.Date(2025, 6, 2, 10, 5, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", next, want)
	}
	// Well within the 300 second window of a */5 schedule.
	if gap := next.Sub(now); gap > 300*time.Second {
		t.Fatalf("first fire %v after start, want <= 300s", gap)
	}

	// Not yet due.
	s.Tick(context.Background(), now)
	if len(rec.snapshot()) != 0 {
		t.Fatal("schedule fired before its next run time")
	}

	// Advance past the boundary.
	now = time.Date(2025, 6, 2, 10, 5, 0, 0, time.UTC)
	s.Tick(context.Background(), now)
	calls := waitForCalls(t, rec, 1)

	if calls[0].pipelineID != "p1" {
		t.Errorf("pipeline = %q, want p1", calls[0].pipelineID)
	}
	if calls[0].branch != "" {
		t.Errorf("branch = %q, want empty (runner resolves the default)", calls[0].branch)
	}
	if calls[0].triggeredBy != runner.TriggerSystem {
		t.Errorf("triggeredBy = %q, want %q", calls[0].triggeredBy, runner.TriggerSystem)
	}

	// The same boundary does not fire twice.
	s.Tick(context.Background(), now)
	time.Sleep(20 * time.Millisecond)
	if got := len(rec.snapshot()); got != 1 {
		t.Errorf("calls after repeated tick = %d, want 1", got)
	}

	next, _ = s.NextRun("p1")
	if want := time.Date(2025, 6, 2, 10, 10, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("NextRun advanced to %v, want %v", next, want)
	}
}

func TestTickDropsTriggerWhenPipelineBusy(t *testing.T) {
	rec := &recordingStart{errs: map[string]error{"p1": runner.ErrPipelineBusy}}

	now := time.Date(2025, 6, 2, 10, 4, 0, 0, time.UTC)
	s := New(rec.start, testLogger(), WithClock(func() time.Time { return now }))

	if err := s.Reconcile(scheduledPipeline("p1", "*/5 * * * *")); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	now = time.Date(2025, 6, 2, 10, 5, 0, 0, time.UTC)
	s.Tick(context.Background(), now)
	waitForCalls(t, rec, 1)

	// The drop is recorded on the schedule, not fatal to it.
	deadline := time.Now().Add(time.Second)
	for {
		statuses := s.GetStatus()
		if len(statuses) == 1 && statuses[0].DroppedCount == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dropped count not recorded: %+v", statuses)
		}
		time.Sleep(5 * time.Millisecond)
	}

	next, ok := s.NextRun("p1")
	if !ok || !next.After(now) {
		t.Errorf("schedule not advanced after dropped trigger: %v", next)
	}
}

func TestStartStop(t *testing.T) {
	rec := &recordingStart{errs: map[string]error{}}
	s := New(rec.start, testLogger())

	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx) // idempotent
	s.Stop()
	s.Stop() // idempotent
}
