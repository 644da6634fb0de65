package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quailyquaily/agentflow/db/models"
	"github.com/quailyquaily/agentflow/flow"
	"gorm.io/gorm"
)

// GormStore persists tasks and pipelines through gorm.
type GormStore struct {
	DB *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db}
}

func (s *GormStore) InsertTask(ctx context.Context, t flow.Task) (flow.Task, error) {
	if err := s.ready(); err != nil {
		return flow.Task{}, err
	}
	row, err := taskToModel(t)
	if err != nil {
		return flow.Task{}, &flow.StoreError{Op: "insert task", Err: err}
	}
	if err := s.DB.WithContext(ctx).Create(&row).Error; err != nil {
		return flow.Task{}, &flow.StoreError{Op: "insert task", Err: err}
	}
	return modelToTask(row)
}

func (s *GormStore) GetTask(ctx context.Context, id, owner string) (flow.Task, error) {
	if err := s.ready(); err != nil {
		return flow.Task{}, err
	}
	var row models.Task
	err := s.DB.WithContext(ctx).
		Where("id = ? AND owner_id = ?", strings.TrimSpace(id), owner).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return flow.Task{}, fmt.Errorf("task %s: %w", id, flow.ErrNotFound)
		}
		return flow.Task{}, &flow.StoreError{Op: "get task", Err: err}
	}
	return modelToTask(row)
}

func (s *GormStore) UpdateTask(ctx context.Context, id string, from []flow.TaskStatus, patch TaskPatch) (flow.Task, error) {
	if err := s.ready(); err != nil {
		return flow.Task{}, err
	}
	updates := map[string]any{
		"status":     string(patch.Status),
		"updated_at": time.Now().UnixMilli(),
	}
	if patch.Output != nil {
		b, err := json.Marshal(patch.Output)
		if err != nil {
			return flow.Task{}, &flow.StoreError{Op: "update task", Err: fmt.Errorf("encode output: %w", err)}
		}
		updates["output_json"] = string(b)
	}
	if patch.ErrorCode != "" {
		updates["error_code"] = patch.ErrorCode
	}
	if patch.ErrorMessage != "" {
		updates["error_message"] = patch.ErrorMessage
	}
	if patch.StartedAt != nil {
		updates["started_at"] = patch.StartedAt.UnixMilli()
	}
	if patch.FinishedAt != nil {
		updates["finished_at"] = patch.FinishedAt.UnixMilli()
	}

	q := s.DB.WithContext(ctx).Model(&models.Task{}).Where("id = ?", id)
	if len(from) > 0 {
		q = q.Where("status IN ?", taskStatusStrings(from))
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return flow.Task{}, &flow.StoreError{Op: "update task", Err: res.Error}
	}

	var row models.Task
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return flow.Task{}, fmt.Errorf("task %s: %w", id, flow.ErrNotFound)
		}
		return flow.Task{}, &flow.StoreError{Op: "update task", Err: err}
	}
	t, err := modelToTask(row)
	if err != nil {
		return flow.Task{}, err
	}
	if res.RowsAffected == 0 {
		return t, fmt.Errorf("task %s is %s: %w", id, t.Status, flow.ErrConflict)
	}
	return t, nil
}

func (s *GormStore) ListTasks(ctx context.Context, owner string, f TaskFilter) ([]flow.Task, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	q := s.DB.WithContext(ctx).Model(&models.Task{}).Where("owner_id = ?", owner)
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.Agent != "" {
		q = q.Where("agent = ?", string(f.Agent))
	}
	if f.PipelineID != "" {
		q = q.Where("pipeline_id = ?", f.PipelineID).Order("step_index ASC")
	} else {
		q = q.Order("created_at DESC").Order("id DESC").Limit(normalizeLimit(f.Limit))
	}

	var rows []models.Task
	if err := q.Find(&rows).Error; err != nil {
		return nil, &flow.StoreError{Op: "list tasks", Err: err}
	}
	out := make([]flow.Task, 0, len(rows))
	for _, r := range rows {
		t, err := modelToTask(r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *GormStore) InsertPipeline(ctx context.Context, p flow.Pipeline) (flow.Pipeline, error) {
	if err := s.ready(); err != nil {
		return flow.Pipeline{}, err
	}
	row, err := pipelineToModel(p)
	if err != nil {
		return flow.Pipeline{}, &flow.StoreError{Op: "insert pipeline", Err: err}
	}
	if err := s.DB.WithContext(ctx).Create(&row).Error; err != nil {
		return flow.Pipeline{}, &flow.StoreError{Op: "insert pipeline", Err: err}
	}
	return modelToPipeline(row)
}

func (s *GormStore) GetPipeline(ctx context.Context, id, owner string) (flow.Pipeline, error) {
	if err := s.ready(); err != nil {
		return flow.Pipeline{}, err
	}
	var row models.Pipeline
	err := s.DB.WithContext(ctx).
		Where("id = ? AND owner_id = ?", strings.TrimSpace(id), owner).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return flow.Pipeline{}, fmt.Errorf("pipeline %s: %w", id, flow.ErrNotFound)
		}
		return flow.Pipeline{}, &flow.StoreError{Op: "get pipeline", Err: err}
	}
	return modelToPipeline(row)
}

func (s *GormStore) UpdatePipeline(ctx context.Context, id string, from []flow.PipelineStatus, patch PipelinePatch) (flow.Pipeline, error) {
	if err := s.ready(); err != nil {
		return flow.Pipeline{}, err
	}
	updates := map[string]any{
		"status":     string(patch.Status),
		"updated_at": time.Now().UnixMilli(),
	}
	if patch.Context != nil {
		b, err := json.Marshal(patch.Context)
		if err != nil {
			return flow.Pipeline{}, &flow.StoreError{Op: "update pipeline", Err: fmt.Errorf("encode context: %w", err)}
		}
		updates["context_json"] = string(b)
	}
	if patch.StartedAt != nil {
		updates["started_at"] = patch.StartedAt.UnixMilli()
	}
	if patch.FinishedAt != nil {
		updates["finished_at"] = patch.FinishedAt.UnixMilli()
	}

	q := s.DB.WithContext(ctx).Model(&models.Pipeline{}).Where("id = ?", id)
	if len(from) > 0 {
		q = q.Where("status IN ?", pipelineStatusStrings(from))
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return flow.Pipeline{}, &flow.StoreError{Op: "update pipeline", Err: res.Error}
	}

	var row models.Pipeline
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return flow.Pipeline{}, fmt.Errorf("pipeline %s: %w", id, flow.ErrNotFound)
		}
		return flow.Pipeline{}, &flow.StoreError{Op: "update pipeline", Err: err}
	}
	p, err := modelToPipeline(row)
	if err != nil {
		return flow.Pipeline{}, err
	}
	if res.RowsAffected == 0 {
		return p, fmt.Errorf("pipeline %s is %s: %w", id, p.Status, flow.ErrConflict)
	}
	return p, nil
}

func (s *GormStore) ListPipelines(ctx context.Context, owner string, f PipelineFilter) ([]flow.Pipeline, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	q := s.DB.WithContext(ctx).Model(&models.Pipeline{}).Where("owner_id = ?", owner)
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	q = q.Order("created_at DESC").Order("id DESC").Limit(normalizeLimit(f.Limit))

	var rows []models.Pipeline
	if err := q.Find(&rows).Error; err != nil {
		return nil, &flow.StoreError{Op: "list pipelines", Err: err}
	}
	out := make([]flow.Pipeline, 0, len(rows))
	for _, r := range rows {
		p, err := modelToPipeline(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *GormStore) ready() error {
	if s == nil || s.DB == nil {
		return &flow.StoreError{Op: "open", Err: fmt.Errorf("nil gorm db")}
	}
	return nil
}

func taskStatusStrings(in []flow.TaskStatus) []string {
	out := make([]string, len(in))
	for i, st := range in {
		out[i] = string(st)
	}
	return out
}

func pipelineStatusStrings(in []flow.PipelineStatus) []string {
	out := make([]string, len(in))
	for i, st := range in {
		out[i] = string(st)
	}
	return out
}

func taskToModel(t flow.Task) (models.Task, error) {
	input := t.Input
	if input == nil {
		input = map[string]any{}
	}
	in, err := json.Marshal(input)
	if err != nil {
		return models.Task{}, fmt.Errorf("encode input: %w", err)
	}
	row := models.Task{
		ID:           t.ID,
		OwnerID:      t.Owner,
		Agent:        string(t.Agent),
		Name:         t.Name,
		InputJSON:    string(in),
		Status:       string(t.Status),
		ErrorCode:    t.ErrorCode,
		ErrorMessage: t.ErrorMessage,
		StepIndex:    t.StepIndex,
		CreatedAt:    t.CreatedAt.UnixMilli(),
		StartedAt:    unixMilli(t.StartedAt),
		FinishedAt:   unixMilli(t.FinishedAt),
		UpdatedAt:    time.Now().UnixMilli(),
	}
	if t.Output != nil {
		out, err := json.Marshal(t.Output)
		if err != nil {
			return models.Task{}, fmt.Errorf("encode output: %w", err)
		}
		s := string(out)
		row.OutputJSON = &s
	}
	if t.PipelineID != "" {
		pid := t.PipelineID
		row.PipelineID = &pid
	}
	return row, nil
}

func modelToTask(row models.Task) (flow.Task, error) {
	t := flow.Task{
		ID:           row.ID,
		Owner:        row.OwnerID,
		Agent:        flow.Agent(row.Agent),
		Name:         row.Name,
		Status:       flow.TaskStatus(row.Status),
		ErrorCode:    row.ErrorCode,
		ErrorMessage: row.ErrorMessage,
		StepIndex:    row.StepIndex,
		CreatedAt:    time.UnixMilli(row.CreatedAt).UTC(),
		StartedAt:    fromUnixMilli(row.StartedAt),
		FinishedAt:   fromUnixMilli(row.FinishedAt),
	}
	if row.PipelineID != nil {
		t.PipelineID = *row.PipelineID
	}
	if err := json.Unmarshal([]byte(row.InputJSON), &t.Input); err != nil {
		return flow.Task{}, &flow.StoreError{Op: "decode task", Err: fmt.Errorf("input of %s: %w", row.ID, err)}
	}
	if row.OutputJSON != nil {
		if err := json.Unmarshal([]byte(*row.OutputJSON), &t.Output); err != nil {
			return flow.Task{}, &flow.StoreError{Op: "decode task", Err: fmt.Errorf("output of %s: %w", row.ID, err)}
		}
	}
	return t, nil
}

func pipelineToModel(p flow.Pipeline) (models.Pipeline, error) {
	pctx := p.Context
	if pctx == nil {
		pctx = map[string]any{}
	}
	c, err := json.Marshal(pctx)
	if err != nil {
		return models.Pipeline{}, fmt.Errorf("encode context: %w", err)
	}
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return models.Pipeline{}, fmt.Errorf("encode steps: %w", err)
	}
	return models.Pipeline{
		ID:          p.ID,
		OwnerID:     p.Owner,
		Name:        p.Name,
		ContextJSON: string(c),
		StepsJSON:   string(steps),
		Status:      string(p.Status),
		CreatedAt:   p.CreatedAt.UnixMilli(),
		StartedAt:   unixMilli(p.StartedAt),
		FinishedAt:  unixMilli(p.FinishedAt),
		UpdatedAt:   time.Now().UnixMilli(),
	}, nil
}

func modelToPipeline(row models.Pipeline) (flow.Pipeline, error) {
	p := flow.Pipeline{
		ID:         row.ID,
		Owner:      row.OwnerID,
		Name:       row.Name,
		Status:     flow.PipelineStatus(row.Status),
		CreatedAt:  time.UnixMilli(row.CreatedAt).UTC(),
		StartedAt:  fromUnixMilli(row.StartedAt),
		FinishedAt: fromUnixMilli(row.FinishedAt),
	}
	if err := json.Unmarshal([]byte(row.ContextJSON), &p.Context); err != nil {
		return flow.Pipeline{}, &flow.StoreError{Op: "decode pipeline", Err: fmt.Errorf("context of %s: %w", row.ID, err)}
	}
	if err := json.Unmarshal([]byte(row.StepsJSON), &p.Steps); err != nil {
		return flow.Pipeline{}, &flow.StoreError{Op: "decode pipeline", Err: fmt.Errorf("steps of %s: %w", row.ID, err)}
	}
	return p, nil
}

func unixMilli(t *time.Time) *int64 {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UnixMilli()
	return &v
}

func fromUnixMilli(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.UnixMilli(*v).UTC()
	return &t
}
