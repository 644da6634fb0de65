package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/quailyquaily/agentflow/flow"
)

// MemoryStore keeps records in process memory. Records are deep-copied on the
// way in and out.
type MemoryStore struct {
	mu        sync.RWMutex
	tasks     map[string]*flow.Task
	pipelines map[string]*flow.Pipeline
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[string]*flow.Task),
		pipelines: make(map[string]*flow.Pipeline),
	}
}

func (s *MemoryStore) InsertTask(_ context.Context, t flow.Task) (flow.Task, error) {
	if strings.TrimSpace(t.ID) == "" {
		return flow.Task{}, &flow.StoreError{Op: "insert task", Err: fmt.Errorf("missing id")}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return flow.Task{}, &flow.StoreError{Op: "insert task", Err: fmt.Errorf("duplicate id %s", t.ID)}
	}
	cp := copyTask(t)
	s.tasks[t.ID] = &cp
	return copyTask(cp), nil
}

func (s *MemoryStore) GetTask(_ context.Context, id, owner string) (flow.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok || t.Owner != owner {
		return flow.Task{}, fmt.Errorf("task %s: %w", id, flow.ErrNotFound)
	}
	return copyTask(*t), nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, id string, from []flow.TaskStatus, patch TaskPatch) (flow.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return flow.Task{}, fmt.Errorf("task %s: %w", id, flow.ErrNotFound)
	}
	if len(from) > 0 && !containsStatus(from, t.Status) {
		return copyTask(*t), fmt.Errorf("task %s is %s: %w", id, t.Status, flow.ErrConflict)
	}
	applyTaskPatch(t, patch)
	return copyTask(*t), nil
}

func (s *MemoryStore) ListTasks(_ context.Context, owner string, f TaskFilter) ([]flow.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []flow.Task
	for _, t := range s.tasks {
		if t.Owner != owner {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Agent != "" && t.Agent != f.Agent {
			continue
		}
		if f.PipelineID != "" && t.PipelineID != f.PipelineID {
			continue
		}
		out = append(out, copyTask(*t))
	}

	if f.PipelineID != "" {
		sort.SliceStable(out, func(i, j int) bool {
			return stepIndex(out[i]) < stepIndex(out[j])
		})
		return out, nil
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := normalizeLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) InsertPipeline(_ context.Context, p flow.Pipeline) (flow.Pipeline, error) {
	if strings.TrimSpace(p.ID) == "" {
		return flow.Pipeline{}, &flow.StoreError{Op: "insert pipeline", Err: fmt.Errorf("missing id")}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pipelines[p.ID]; exists {
		return flow.Pipeline{}, &flow.StoreError{Op: "insert pipeline", Err: fmt.Errorf("duplicate id %s", p.ID)}
	}
	cp := copyPipeline(p)
	s.pipelines[p.ID] = &cp
	return copyPipeline(cp), nil
}

func (s *MemoryStore) GetPipeline(_ context.Context, id, owner string) (flow.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pipelines[id]
	if !ok || p.Owner != owner {
		return flow.Pipeline{}, fmt.Errorf("pipeline %s: %w", id, flow.ErrNotFound)
	}
	return copyPipeline(*p), nil
}

func (s *MemoryStore) UpdatePipeline(_ context.Context, id string, from []flow.PipelineStatus, patch PipelinePatch) (flow.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return flow.Pipeline{}, fmt.Errorf("pipeline %s: %w", id, flow.ErrNotFound)
	}
	if len(from) > 0 && !containsStatus(from, p.Status) {
		return copyPipeline(*p), fmt.Errorf("pipeline %s is %s: %w", id, p.Status, flow.ErrConflict)
	}
	applyPipelinePatch(p, patch)
	return copyPipeline(*p), nil
}

func (s *MemoryStore) ListPipelines(_ context.Context, owner string, f PipelineFilter) ([]flow.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []flow.Pipeline
	for _, p := range s.pipelines {
		if p.Owner != owner {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		out = append(out, copyPipeline(*p))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := normalizeLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func stepIndex(t flow.Task) int {
	if t.StepIndex == nil {
		return -1
	}
	return *t.StepIndex
}

func copyTask(t flow.Task) flow.Task {
	t.Input = flow.CloneMap(t.Input)
	t.Output = flow.CloneMap(t.Output)
	if t.StepIndex != nil {
		i := *t.StepIndex
		t.StepIndex = &i
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		t.StartedAt = &ts
	}
	if t.FinishedAt != nil {
		ts := *t.FinishedAt
		t.FinishedAt = &ts
	}
	return t
}

func copyPipeline(p flow.Pipeline) flow.Pipeline {
	p.Context = flow.CloneMap(p.Context)
	if p.Steps != nil {
		steps := make([]flow.StepSpec, len(p.Steps))
		for i, st := range p.Steps {
			st.Input = flow.CloneMap(st.Input)
			steps[i] = st
		}
		p.Steps = steps
	}
	if p.StartedAt != nil {
		ts := *p.StartedAt
		p.StartedAt = &ts
	}
	if p.FinishedAt != nil {
		ts := *p.FinishedAt
		p.FinishedAt = &ts
	}
	return p
}
