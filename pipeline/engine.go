// Package pipeline runs ordered sequences of agent tasks, threading step
// outputs into later steps' inputs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quailyquaily/agentflow/audit"
	"github.com/quailyquaily/agentflow/flow"
	"github.com/quailyquaily/agentflow/internal/strutil"
	"github.com/quailyquaily/agentflow/store"
)

const maxFailureMessageBytes = 2000

// reservedContextKeys are written by the engine and may not be submitted.
var reservedContextKeys = []string{"results", "error"}

// StepExecutor creates and runs the task for one step. *executor.Executor
// satisfies it.
type StepExecutor interface {
	Run(ctx context.Context, owner string, agent flow.Agent, name string, input map[string]any, link *flow.StepLink) (flow.Task, error)
}

type Option func(*Engine)

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

func WithAudit(rec *audit.Recorder) Option {
	return func(e *Engine) { e.audit = rec }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

type Engine struct {
	store store.Store
	steps StepExecutor
	audit *audit.Recorder
	log   *slog.Logger
	now   func() time.Time
}

func New(st store.Store, steps StepExecutor, opts ...Option) *Engine {
	e := &Engine{
		store: st,
		steps: steps,
		log:   slog.Default(),
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Submit validates a pipeline definition and persists it as PENDING. Every
// binding is checked here so that a malformed or forward reference never
// reaches execution. Nothing is persisted when validation fails.
func (e *Engine) Submit(ctx context.Context, owner, name string, pipelineCtx map[string]any, steps []flow.StepSpec) (flow.Pipeline, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return flow.Pipeline{}, flow.Validationf("missing owner")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return flow.Pipeline{}, flow.Validationf("missing pipeline name")
	}
	for _, k := range reservedContextKeys {
		if _, ok := pipelineCtx[k]; ok {
			return flow.Pipeline{}, flow.Validationf("context key %q is reserved", k)
		}
	}
	steps = flow.NormalizeSteps(steps)
	if _, err := flow.CompileSteps(steps); err != nil {
		return flow.Pipeline{}, err
	}

	pctx := flow.CloneMap(pipelineCtx)
	if pctx == nil {
		pctx = map[string]any{}
	}
	p := flow.Pipeline{
		ID:        uuid.NewString(),
		Owner:     owner,
		Name:      name,
		Context:   pctx,
		Status:    flow.PipelinePending,
		Steps:     steps,
		CreatedAt: e.now().UTC(),
	}
	p, err := e.store.InsertPipeline(ctx, p)
	if err != nil {
		return flow.Pipeline{}, err
	}
	e.log.Info("pipeline_submitted", "pipeline_id", p.ID, "name", p.Name, "steps", len(p.Steps))
	e.record(ctx, audit.PipelineSubmitted, p, nil)
	return p, nil
}

// Run makes the single attempt to execute a PENDING pipeline. Steps run
// strictly in order; the first failure stops the pipeline. A cancel observed
// between steps stops it without running further steps. Once the record is
// found, every outcome leaves it terminal, including a ctx that is already
// done or a store failure before the first step.
func (e *Engine) Run(ctx context.Context, owner, id string) error {
	persistCtx := context.WithoutCancel(ctx)
	p, err := e.store.GetPipeline(persistCtx, id, owner)
	if err != nil {
		if errors.Is(err, flow.ErrNotFound) {
			return err
		}
		return e.failPending(persistCtx, owner, id, flow.FailureInfo{Code: flow.ErrorCode(err), Message: err.Error()}, err)
	}
	if p.Status != flow.PipelinePending {
		return fmt.Errorf("pipeline %s is %s: %w", id, p.Status, flow.ErrAlreadyProcessed)
	}
	log := e.log.With("pipeline_id", p.ID, "name", p.Name)

	if cerr := ctx.Err(); cerr != nil {
		return e.failPending(persistCtx, owner, id, flow.FailureInfo{
			Code:    flow.CodeCanceled,
			Message: "pipeline run interrupted before start: " + cerr.Error(),
		}, fmt.Errorf("pipeline %s: %w", id, flow.ErrCanceled))
	}

	started := e.now().UTC()
	p, err = e.store.UpdatePipeline(persistCtx, id, []flow.PipelineStatus{flow.PipelinePending}, store.PipelinePatch{
		Status:    flow.PipelineRunning,
		StartedAt: &started,
	})
	if err != nil {
		if errors.Is(err, flow.ErrConflict) {
			return e.lostRace(p)
		}
		return e.failPending(persistCtx, owner, id, flow.FailureInfo{Code: flow.ErrorCode(err), Message: err.Error()}, err)
	}
	log.Info("pipeline_started", "steps", len(p.Steps))
	e.record(ctx, audit.PipelineStarted, p, nil)

	bindings, err := flow.CompileSteps(p.Steps)
	if err != nil {
		// Stored definitions were validated at submission.
		return e.fail(ctx, log, p, nil, flow.FailureInfo{Code: flow.CodeInternal, Message: err.Error()})
	}

	results := make([]map[string]any, 0, len(p.Steps))
	for i, step := range p.Steps {
		stepIdx := i
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, log, p, results, flow.FailureInfo{
				Code:    flow.CodeCanceled,
				Message: "pipeline run interrupted: " + err.Error(),
				Step:    &stepIdx,
				Agent:   step.Agent,
				Name:    step.Name,
			})
		}

		cur, err := e.store.GetPipeline(persistCtx, id, owner)
		if err != nil {
			return e.fail(ctx, log, p, results, flow.FailureInfo{
				Code:    flow.ErrorCode(err),
				Message: err.Error(),
				Step:    &stepIdx,
				Agent:   step.Agent,
				Name:    step.Name,
			})
		}
		if cur.Status != flow.PipelineRunning {
			log.Info("pipeline_stopped", "step", i, "status", cur.Status)
			return fmt.Errorf("pipeline %s: %w", id, flow.ErrCanceled)
		}

		input := flow.ResolveInput(step.Input, bindings[i], results, p.Context)
		task, err := e.steps.Run(ctx, owner, step.Agent, step.Name, input, &flow.StepLink{PipelineID: id, StepIndex: i})
		if err != nil {
			log.Warn("pipeline_step_failed", "step", i, "agent", step.Agent, "task_id", task.ID, "error", err.Error())
			code := flow.ErrorCode(err)
			if code != flow.CodeAgentError && ctx.Err() != nil {
				code = flow.CodeCanceled
			}
			return e.fail(ctx, log, p, results, flow.FailureInfo{
				Code:    code,
				Message: failureMessage(task, err),
				Step:    &stepIdx,
				Agent:   step.Agent,
				Name:    step.Name,
				TaskID:  task.ID,
			})
		}
		log.Debug("pipeline_step_done", "step", i, "agent", step.Agent, "task_id", task.ID)
		results = append(results, flow.CloneMap(task.Output))
	}

	finished := e.now().UTC()
	out, err := e.store.UpdatePipeline(context.WithoutCancel(ctx), id, []flow.PipelineStatus{flow.PipelineRunning}, store.PipelinePatch{
		Status:     flow.PipelineSucceeded,
		Context:    withResults(p.Context, results),
		FinishedAt: &finished,
	})
	if err != nil {
		if errors.Is(err, flow.ErrConflict) {
			return e.lostRace(out)
		}
		log.Error("pipeline_persist_failed", "error", err.Error())
		return err
	}
	log.Info("pipeline_succeeded", "duration_ms", finished.Sub(started).Milliseconds())
	e.record(ctx, audit.PipelineSucceeded, out, nil)
	return nil
}

// Cancel stops a PENDING or RUNNING pipeline. The pipeline becomes FAILED with
// context.error.code CANCELED; a step already in flight is not interrupted,
// but no further step starts.
func (e *Engine) Cancel(ctx context.Context, owner, id string) (flow.Pipeline, error) {
	p, err := e.abort(ctx, owner, id, flow.FailureInfo{Code: flow.CodeCanceled, Message: "pipeline canceled"})
	if err != nil {
		return p, err
	}
	e.log.Info("pipeline_canceled", "pipeline_id", p.ID, "name", p.Name)
	e.record(ctx, audit.PipelineCanceled, p, nil)
	return p, nil
}

// Abort fails a PENDING or RUNNING pipeline with the given code, e.g. when it
// could not be queued.
func (e *Engine) Abort(ctx context.Context, owner, id, code, message string) (flow.Pipeline, error) {
	info := flow.FailureInfo{Code: code, Message: message}
	p, err := e.abort(ctx, owner, id, info)
	if err != nil {
		return p, err
	}
	e.log.Warn("pipeline_failed", "pipeline_id", p.ID, "code", code, "error", message)
	e.record(ctx, audit.PipelineFailed, p, &info)
	return p, nil
}

func (e *Engine) abort(ctx context.Context, owner, id string, info flow.FailureInfo) (flow.Pipeline, error) {
	p, err := e.store.GetPipeline(ctx, id, owner)
	if err != nil {
		return flow.Pipeline{}, err
	}
	if p.Status.Terminal() {
		return p, fmt.Errorf("pipeline %s is %s: %w", id, p.Status, flow.ErrInvalidState)
	}

	results, err := e.completedResults(ctx, owner, p)
	if err != nil {
		return p, err
	}
	pctx := withResults(p.Context, results)
	pctx["error"] = info.Map()

	finished := e.now().UTC()
	p, err = e.store.UpdatePipeline(ctx, id, []flow.PipelineStatus{flow.PipelinePending, flow.PipelineRunning}, store.PipelinePatch{
		Status:     flow.PipelineFailed,
		Context:    pctx,
		FinishedAt: &finished,
	})
	if err != nil {
		if errors.Is(err, flow.ErrConflict) {
			return p, fmt.Errorf("pipeline %s is %s: %w", id, p.Status, flow.ErrInvalidState)
		}
		return p, err
	}
	return p, nil
}

// failPending moves a pipeline that never reached RUNNING to FAILED and
// returns cause. If the store refuses that too, both errors are logged and
// cause is returned.
func (e *Engine) failPending(ctx context.Context, owner, id string, info flow.FailureInfo, cause error) error {
	p, err := e.abort(ctx, owner, id, info)
	if err != nil {
		if errors.Is(err, flow.ErrInvalidState) {
			return e.lostRace(p)
		}
		e.log.Error("pipeline_persist_failed", "pipeline_id", id, "code", info.Code, "error", err.Error(), "cause", cause.Error())
		return cause
	}
	e.log.Warn("pipeline_failed", "pipeline_id", id, "code", info.Code, "error", info.Message)
	e.record(ctx, audit.PipelineFailed, p, &info)
	return cause
}

// Get returns the pipeline with its step tasks in step order.
func (e *Engine) Get(ctx context.Context, owner, id string) (flow.Pipeline, []flow.Task, error) {
	p, err := e.store.GetPipeline(ctx, id, owner)
	if err != nil {
		return flow.Pipeline{}, nil, err
	}
	tasks, err := e.store.ListTasks(ctx, owner, store.TaskFilter{PipelineID: id})
	if err != nil {
		return p, nil, err
	}
	return p, tasks, nil
}

func (e *Engine) List(ctx context.Context, owner string, f store.PipelineFilter) ([]flow.Pipeline, error) {
	return e.store.ListPipelines(ctx, owner, f)
}

// fail records a step failure. The cancel-wins rule applies: if the pipeline
// is no longer RUNNING, the stored record is left as is.
func (e *Engine) fail(ctx context.Context, log *slog.Logger, p flow.Pipeline, results []map[string]any, info flow.FailureInfo) error {
	pctx := withResults(p.Context, results)
	pctx["error"] = info.Map()

	finished := e.now().UTC()
	out, err := e.store.UpdatePipeline(context.WithoutCancel(ctx), p.ID, []flow.PipelineStatus{flow.PipelineRunning}, store.PipelinePatch{
		Status:     flow.PipelineFailed,
		Context:    pctx,
		FinishedAt: &finished,
	})
	if err != nil {
		if errors.Is(err, flow.ErrConflict) {
			return e.lostRace(out)
		}
		log.Error("pipeline_persist_failed", "error", err.Error())
		return err
	}
	log.Warn("pipeline_failed", "code", info.Code, "step", stepAttr(info.Step), "error", info.Message)
	e.record(ctx, audit.PipelineFailed, out, &info)
	return fmt.Errorf("pipeline %s failed (%s): %s", p.ID, info.Code, info.Message)
}

// completedResults collects the outputs of the leading run of succeeded step
// tasks, so context.results stays index-aligned with completed steps.
func (e *Engine) completedResults(ctx context.Context, owner string, p flow.Pipeline) ([]map[string]any, error) {
	if p.Status != flow.PipelineRunning {
		return nil, nil
	}
	tasks, err := e.store.ListTasks(ctx, owner, store.TaskFilter{PipelineID: p.ID})
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for i, t := range tasks {
		if t.StepIndex == nil || *t.StepIndex != i || t.Status != flow.TaskSucceeded {
			break
		}
		out = append(out, flow.CloneMap(t.Output))
	}
	return out, nil
}

func (e *Engine) lostRace(p flow.Pipeline) error {
	if code, _ := errorCode(p.Context); code == flow.CodeCanceled {
		e.log.Info("pipeline_cancel_observed", "pipeline_id", p.ID)
		return fmt.Errorf("pipeline %s: %w", p.ID, flow.ErrCanceled)
	}
	return fmt.Errorf("pipeline %s is %s: %w", p.ID, p.Status, flow.ErrAlreadyProcessed)
}

func (e *Engine) record(ctx context.Context, typ audit.EventType, p flow.Pipeline, info *flow.FailureInfo) {
	if e.audit == nil {
		return
	}
	ev := audit.Event{
		Type:       typ,
		Owner:      p.Owner,
		PipelineID: p.ID,
		Name:       p.Name,
		Status:     string(p.Status),
	}
	if info != nil {
		ev.ErrorCode = info.Code
		ev.Message = info.Message
		ev.Step = info.Step
		ev.TaskID = info.TaskID
		ev.Agent = string(info.Agent)
	}
	e.audit.Record(ctx, ev)
}

func withResults(base map[string]any, results []map[string]any) map[string]any {
	out := flow.CloneMap(base)
	if out == nil {
		out = map[string]any{}
	}
	list := make([]any, 0, len(results))
	for _, r := range results {
		list = append(list, flow.CloneMap(r))
	}
	out["results"] = list
	return out
}

func errorCode(pctx map[string]any) (string, bool) {
	errInfo, ok := pctx["error"].(map[string]any)
	if !ok {
		return "", false
	}
	code, ok := errInfo["code"].(string)
	return code, ok
}

func failureMessage(task flow.Task, err error) string {
	msg := task.ErrorMessage
	if msg == "" {
		msg = err.Error()
	}
	return strutil.ClipMessage(msg, maxFailureMessageBytes)
}

func stepAttr(step *int) any {
	if step == nil {
		return nil
	}
	return *step
}
