package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/quailyquaily/agentflow/flow"
	"github.com/quailyquaily/agentflow/store"
)

// failingStore fails the nth call of one method and delegates everything else.
type failingStore struct {
	*store.MemoryStore
	method string
	failOn int

	mu    sync.Mutex
	calls map[string]int
}

func newFailingStore(method string, failOn int) *failingStore {
	return &failingStore{MemoryStore: store.NewMemoryStore(), method: method, failOn: failOn, calls: map[string]int{}}
}

func (f *failingStore) trip(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	if method == f.method && f.calls[method] == f.failOn {
		return &flow.StoreError{Op: method, Err: errors.New("database is locked")}
	}
	return nil
}

func (f *failingStore) GetTask(ctx context.Context, id, owner string) (flow.Task, error) {
	if err := f.trip("GetTask"); err != nil {
		return flow.Task{}, err
	}
	return f.MemoryStore.GetTask(ctx, id, owner)
}

func (f *failingStore) UpdateTask(ctx context.Context, id string, from []flow.TaskStatus, patch store.TaskPatch) (flow.Task, error) {
	if err := f.trip("UpdateTask"); err != nil {
		return flow.Task{}, err
	}
	return f.MemoryStore.UpdateTask(ctx, id, from, patch)
}

func TestExecute_StoreFailureLeavesTaskTerminal(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		failOn     int
		wantCalled bool
	}{
		{name: "initial read", method: "GetTask", failOn: 1},
		{name: "start transition", method: "UpdateTask", failOn: 1},
		{name: "success write", method: "UpdateTask", failOn: 2, wantCalled: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var called atomic.Bool
			runner := RunnerFunc(func(ctx context.Context, agent flow.Agent, name string, input map[string]any) (map[string]any, error) {
				called.Store(true)
				return map[string]any{"total": "10.5"}, nil
			})
			st := newFailingStore(tc.method, tc.failOn)
			ex := New(st, runner, WithLogger(quietLogger()))
			ctx := context.Background()

			task, err := ex.Create(ctx, "alice", flow.AgentLedger, "earnings_summary", nil, nil)
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			_, err = ex.Execute(ctx, "alice", task.ID)
			if !errors.Is(err, flow.ErrStore) {
				t.Fatalf("expected ErrStore, got %v", err)
			}
			if called.Load() != tc.wantCalled {
				t.Fatalf("runner called = %v, want %v", called.Load(), tc.wantCalled)
			}

			stored, err := st.MemoryStore.GetTask(ctx, task.ID, "alice")
			if err != nil {
				t.Fatalf("GetTask: %v", err)
			}
			if stored.Status != flow.TaskFailed || stored.ErrorCode != flow.CodeStoreError {
				t.Fatalf("expected FAILED/STORE_ERROR, got %s/%s", stored.Status, stored.ErrorCode)
			}
			if stored.Output != nil || stored.FinishedAt == nil || stored.ErrorMessage == "" {
				t.Fatalf("unexpected failure fields: %+v", stored)
			}
		})
	}
}

func TestExecute_DoneContextCancelsQueuedTask(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, agent flow.Agent, name string, input map[string]any) (map[string]any, error) {
		t.Error("runner should not be called with a done context")
		return nil, nil
	})
	ex, st := newTestExecutor(t, runner)

	task, err := ex.Create(context.Background(), "alice", flow.AgentOracle, "market_brief", nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := ex.Execute(ctx, "alice", task.ID)
	if !errors.Is(err, flow.ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	if got.Status != flow.TaskCanceled {
		t.Fatalf("expected CANCELED, got %s", got.Status)
	}
	stored, err := st.GetTask(context.Background(), task.ID, "alice")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.Status != flow.TaskCanceled || stored.FinishedAt == nil || stored.StartedAt != nil {
		t.Fatalf("unexpected stored task: %+v", stored)
	}
}
