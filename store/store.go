package store

import (
	"context"
	"time"

	"github.com/quailyquaily/agentflow/flow"
)

// Store persists tasks and pipelines. Reads are owner scoped; a record owned
// by someone else is reported as flow.ErrNotFound. Updates are guarded by the
// record's current status and fail with flow.ErrConflict when it does not
// match, or flow.ErrNotFound when the id is unknown.
type Store interface {
	InsertTask(ctx context.Context, t flow.Task) (flow.Task, error)
	GetTask(ctx context.Context, id, owner string) (flow.Task, error)
	UpdateTask(ctx context.Context, id string, from []flow.TaskStatus, patch TaskPatch) (flow.Task, error)
	ListTasks(ctx context.Context, owner string, f TaskFilter) ([]flow.Task, error)

	InsertPipeline(ctx context.Context, p flow.Pipeline) (flow.Pipeline, error)
	GetPipeline(ctx context.Context, id, owner string) (flow.Pipeline, error)
	UpdatePipeline(ctx context.Context, id string, from []flow.PipelineStatus, patch PipelinePatch) (flow.Pipeline, error)
	ListPipelines(ctx context.Context, owner string, f PipelineFilter) ([]flow.Pipeline, error)
}

// TaskPatch describes one status transition. Zero-valued optional fields are
// left untouched.
type TaskPatch struct {
	Status       flow.TaskStatus
	Output       map[string]any
	ErrorCode    string
	ErrorMessage string
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

type PipelinePatch struct {
	Status flow.PipelineStatus
	// Context replaces the stored context when non-nil.
	Context    map[string]any
	StartedAt  *time.Time
	FinishedAt *time.Time
}

type TaskFilter struct {
	Status flow.TaskStatus
	Agent  flow.Agent
	// PipelineID lists a pipeline's step tasks in step order; Limit is ignored.
	PipelineID string
	Limit      int
}

type PipelineFilter struct {
	Status flow.PipelineStatus
	Limit  int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

func containsStatus[S comparable](set []S, st S) bool {
	for _, s := range set {
		if s == st {
			return true
		}
	}
	return false
}

func applyTaskPatch(t *flow.Task, p TaskPatch) {
	t.Status = p.Status
	if p.Output != nil {
		t.Output = flow.CloneMap(p.Output)
	}
	if p.ErrorCode != "" {
		t.ErrorCode = p.ErrorCode
	}
	if p.ErrorMessage != "" {
		t.ErrorMessage = p.ErrorMessage
	}
	if p.StartedAt != nil {
		ts := *p.StartedAt
		t.StartedAt = &ts
	}
	if p.FinishedAt != nil {
		ts := *p.FinishedAt
		t.FinishedAt = &ts
	}
}

func applyPipelinePatch(pl *flow.Pipeline, p PipelinePatch) {
	pl.Status = p.Status
	if p.Context != nil {
		pl.Context = flow.CloneMap(p.Context)
	}
	if p.StartedAt != nil {
		ts := *p.StartedAt
		pl.StartedAt = &ts
	}
	if p.FinishedAt != nil {
		ts := *p.FinishedAt
		pl.FinishedAt = &ts
	}
}
