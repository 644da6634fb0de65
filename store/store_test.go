package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/quailyquaily/agentflow/db"
	"github.com/quailyquaily/agentflow/flow"
)

func newGormStore(t *testing.T) *GormStore {
	t.Helper()
	cfg := db.DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "store.db")
	gdb, err := db.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(gdb) })
	return NewGormStore(gdb)
}

func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("gorm", func(t *testing.T) { fn(t, newGormStore(t)) })
}

func sampleTask(id, owner string, created time.Time) flow.Task {
	return flow.Task{
		ID:        id,
		Owner:     owner,
		Agent:     flow.AgentGuardian,
		Name:      "review_content",
		Input:     map[string]any{"content": "hello"},
		Status:    flow.TaskQueued,
		CreatedAt: created,
	}
}

func TestStore_TaskRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.UnixMilli(time.Now().UnixMilli()).UTC()

		if _, err := s.InsertTask(ctx, sampleTask("t1", "alice", now)); err != nil {
			t.Fatalf("InsertTask: %v", err)
		}

		got, err := s.GetTask(ctx, "t1", "alice")
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got.Status != flow.TaskQueued || got.Output != nil || got.StartedAt != nil || got.FinishedAt != nil {
			t.Fatalf("unexpected fresh task: %+v", got)
		}
		if got.Input["content"] != "hello" {
			t.Fatalf("input not round-tripped: %#v", got.Input)
		}
		if !got.CreatedAt.Equal(now) {
			t.Fatalf("created_at = %v, want %v", got.CreatedAt, now)
		}

		if _, err := s.GetTask(ctx, "t1", "mallory"); !errors.Is(err, flow.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for other owner, got %v", err)
		}
		if _, err := s.GetTask(ctx, "missing", "alice"); !errors.Is(err, flow.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStore_TaskGuardedUpdate(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now()
		if _, err := s.InsertTask(ctx, sampleTask("t1", "alice", now)); err != nil {
			t.Fatalf("InsertTask: %v", err)
		}

		started := now.Add(time.Millisecond)
		got, err := s.UpdateTask(ctx, "t1", []flow.TaskStatus{flow.TaskQueued}, TaskPatch{
			Status:    flow.TaskRunning,
			StartedAt: &started,
		})
		if err != nil {
			t.Fatalf("UpdateTask: %v", err)
		}
		if got.Status != flow.TaskRunning || got.StartedAt == nil {
			t.Fatalf("unexpected task after start: %+v", got)
		}

		// A second start must not apply.
		got, err = s.UpdateTask(ctx, "t1", []flow.TaskStatus{flow.TaskQueued}, TaskPatch{Status: flow.TaskRunning})
		if !errors.Is(err, flow.ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		if got.Status != flow.TaskRunning {
			t.Fatalf("conflict should report current status, got %s", got.Status)
		}

		finished := started.Add(time.Millisecond)
		got, err = s.UpdateTask(ctx, "t1", []flow.TaskStatus{flow.TaskRunning}, TaskPatch{
			Status:     flow.TaskSucceeded,
			Output:     map[string]any{"verdict": "ok"},
			FinishedAt: &finished,
		})
		if err != nil {
			t.Fatalf("UpdateTask: %v", err)
		}
		if got.Output["verdict"] != "ok" || got.FinishedAt == nil {
			t.Fatalf("unexpected task after success: %+v", got)
		}

		if _, err := s.UpdateTask(ctx, "nope", nil, TaskPatch{Status: flow.TaskCanceled}); !errors.Is(err, flow.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStore_ListTasksFilters(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().Add(-time.Hour)

		for i := 0; i < 5; i++ {
			tk := sampleTask(fmt.Sprintf("t%d", i), "alice", base.Add(time.Duration(i)*time.Second))
			if i%2 == 1 {
				tk.Agent = flow.AgentCrea
			}
			if _, err := s.InsertTask(ctx, tk); err != nil {
				t.Fatalf("InsertTask: %v", err)
			}
		}
		if _, err := s.InsertTask(ctx, sampleTask("other", "bob", base)); err != nil {
			t.Fatalf("InsertTask: %v", err)
		}
		if _, err := s.UpdateTask(ctx, "t4", nil, TaskPatch{Status: flow.TaskCanceled}); err != nil {
			t.Fatalf("UpdateTask: %v", err)
		}

		all, err := s.ListTasks(ctx, "alice", TaskFilter{})
		if err != nil {
			t.Fatalf("ListTasks: %v", err)
		}
		if len(all) != 5 {
			t.Fatalf("expected 5 tasks, got %d", len(all))
		}
		if all[0].ID != "t4" || all[4].ID != "t0" {
			t.Fatalf("expected newest first, got %s..%s", all[0].ID, all[4].ID)
		}

		crea, _ := s.ListTasks(ctx, "alice", TaskFilter{Agent: flow.AgentCrea})
		if len(crea) != 2 {
			t.Fatalf("expected 2 CREA tasks, got %d", len(crea))
		}

		queued, _ := s.ListTasks(ctx, "alice", TaskFilter{Status: flow.TaskQueued})
		if len(queued) != 4 {
			t.Fatalf("expected 4 queued tasks, got %d", len(queued))
		}

		limited, _ := s.ListTasks(ctx, "alice", TaskFilter{Limit: 2})
		if len(limited) != 2 {
			t.Fatalf("expected 2 tasks with limit, got %d", len(limited))
		}
	})
}

func TestStore_ListTasksByPipelineInStepOrder(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now()
		for _, i := range []int{2, 0, 1} {
			idx := i
			tk := sampleTask(fmt.Sprintf("step-%d", i), "alice", now.Add(time.Duration(3-i)*time.Second))
			tk.PipelineID = "p1"
			tk.StepIndex = &idx
			if _, err := s.InsertTask(ctx, tk); err != nil {
				t.Fatalf("InsertTask: %v", err)
			}
		}
		if _, err := s.InsertTask(ctx, sampleTask("loose", "alice", now)); err != nil {
			t.Fatalf("InsertTask: %v", err)
		}

		got, err := s.ListTasks(ctx, "alice", TaskFilter{PipelineID: "p1"})
		if err != nil {
			t.Fatalf("ListTasks: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 step tasks, got %d", len(got))
		}
		for i, tk := range got {
			if tk.StepIndex == nil || *tk.StepIndex != i || tk.PipelineID != "p1" {
				t.Fatalf("task %d out of order: %+v", i, tk)
			}
		}
	})
}

func TestStore_PipelineLifecycle(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p := flow.Pipeline{
			ID:      "p1",
			Owner:   "alice",
			Name:    "reactivation",
			Context: map[string]any{"campaign": "spring"},
			Status:  flow.PipelinePending,
			Steps: []flow.StepSpec{
				{Agent: flow.AgentDanny, Name: "find_dormant", Input: map[string]any{"window": "21d"}},
				{Agent: flow.AgentCrea, Name: "generate_social_post", InputFrom: "$step[0].output"},
			},
			CreatedAt: time.Now(),
		}
		if _, err := s.InsertPipeline(ctx, p); err != nil {
			t.Fatalf("InsertPipeline: %v", err)
		}

		got, err := s.GetPipeline(ctx, "p1", "alice")
		if err != nil {
			t.Fatalf("GetPipeline: %v", err)
		}
		if len(got.Steps) != 2 || got.Steps[1].InputFrom != "$step[0].output" || got.Steps[0].Input["window"] != "21d" {
			t.Fatalf("steps not round-tripped: %+v", got.Steps)
		}
		if got.Context["campaign"] != "spring" {
			t.Fatalf("context not round-tripped: %#v", got.Context)
		}

		if _, err := s.GetPipeline(ctx, "p1", "bob"); !errors.Is(err, flow.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for other owner, got %v", err)
		}

		started := time.Now()
		if _, err := s.UpdatePipeline(ctx, "p1", []flow.PipelineStatus{flow.PipelinePending}, PipelinePatch{
			Status:    flow.PipelineRunning,
			StartedAt: &started,
		}); err != nil {
			t.Fatalf("UpdatePipeline: %v", err)
		}
		_, err = s.UpdatePipeline(ctx, "p1", []flow.PipelineStatus{flow.PipelinePending}, PipelinePatch{Status: flow.PipelineRunning})
		if !errors.Is(err, flow.ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}

		got, err = s.UpdatePipeline(ctx, "p1", []flow.PipelineStatus{flow.PipelineRunning}, PipelinePatch{
			Status:  flow.PipelineSucceeded,
			Context: map[string]any{"campaign": "spring", "results": []any{"a", "b"}},
		})
		if err != nil {
			t.Fatalf("UpdatePipeline: %v", err)
		}
		if got.Status != flow.PipelineSucceeded || len(got.Results()) != 2 {
			t.Fatalf("unexpected pipeline: %+v", got)
		}

		list, err := s.ListPipelines(ctx, "alice", PipelineFilter{Status: flow.PipelineSucceeded})
		if err != nil {
			t.Fatalf("ListPipelines: %v", err)
		}
		if len(list) != 1 || list[0].ID != "p1" {
			t.Fatalf("unexpected list: %+v", list)
		}
		if list, _ := s.ListPipelines(ctx, "alice", PipelineFilter{Status: flow.PipelinePending}); len(list) != 0 {
			t.Fatalf("expected no pending pipelines, got %d", len(list))
		}
	})
}

func TestMemoryStore_DoesNotAliasCallerMaps(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	tk := sampleTask("t1", "alice", time.Now())
	if _, err := s.InsertTask(ctx, tk); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	tk.Input["content"] = "mutated"

	got, _ := s.GetTask(ctx, "t1", "alice")
	if got.Input["content"] != "hello" {
		t.Fatalf("store aliased caller input: %#v", got.Input)
	}
	got.Input["content"] = "mutated again"
	again, _ := s.GetTask(ctx, "t1", "alice")
	if again.Input["content"] != "hello" {
		t.Fatalf("store aliased returned input: %#v", again.Input)
	}
}

func TestStore_DuplicateInsertIsStoreError(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, err := s.InsertTask(ctx, sampleTask("dup", "alice", time.Now())); err != nil {
			t.Fatalf("InsertTask: %v", err)
		}
		_, err := s.InsertTask(ctx, sampleTask("dup", "alice", time.Now()))
		if !errors.Is(err, flow.ErrStore) {
			t.Fatalf("expected ErrStore, got %v", err)
		}
	})
}
