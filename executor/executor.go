// Package executor drives a single agent task through its lifecycle.
package executor

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

const maxErrorMessageBytes = 2000

// Runner performs the agent call for one task.
type Runner interface {
	Run(ctx context.Context, agent flow.Agent, name string, input map[string]any) (map[string]any, error)
}

type RunnerFunc func(ctx context.Context, agent flow.Agent, name string, input map[string]any) (map[string]any, error)

func (f RunnerFunc) Run(ctx context.Context, agent flow.Agent, name string, input map[string]any) (map[string]any, error) {
	return f(ctx, agent, name, input)
}

type Option func(*Executor)

func WithLogger(log *slog.Logger) Option {
	return func(e *Executor) {
		if log != nil {
			e.log = log
		}
	}
}

func WithAudit(rec *audit.Recorder) Option {
	return func(e *Executor) { e.audit = rec }
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithTimeout bounds each runner call. Zero means no limit beyond the
// caller's context.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

type Executor struct {
	store   store.Store
	runner  Runner
	audit   *audit.Recorder
	log     *slog.Logger
	now     func() time.Time
	timeout time.Duration
}

func New(st store.Store, runner Runner, opts ...Option) *Executor {
	e := &Executor{
		store:  st,
		runner: runner,
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Create validates and persists a QUEUED task. Nothing is persisted when
// validation fails.
func (e *Executor) Create(ctx context.Context, owner string, agent flow.Agent, name string, input map[string]any, link *flow.StepLink) (flow.Task, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return flow.Task{}, flow.Validationf("missing owner")
	}
	a, err := flow.ParseAgent(string(agent))
	if err != nil {
		return flow.Task{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return flow.Task{}, flow.Validationf("missing task name")
	}

	t := flow.Task{
		ID:        uuid.NewString(),
		Owner:     owner,
		Agent:     a,
		Name:      name,
		Input:     flow.CloneMap(input),
		Status:    flow.TaskQueued,
		CreatedAt: e.now().UTC(),
	}
	if t.Input == nil {
		t.Input = map[string]any{}
	}
	if link != nil {
		t.PipelineID = link.PipelineID
		step := link.StepIndex
		t.StepIndex = &step
	}

	t, err = e.store.InsertTask(ctx, t)
	if err != nil {
		return flow.Task{}, err
	}
	e.log.Debug("task_queued", "task_id", t.ID, "agent", t.Agent, "name", t.Name, "pipeline_id", t.PipelineID)
	e.record(ctx, audit.TaskQueued, t, "")
	return t, nil
}

// Execute makes the single attempt to run a QUEUED task. Every transition is
// guarded by the prior status, so a concurrent Cancel is never overwritten;
// in that case the canceled task is returned with flow.ErrCanceled. A ctx
// that is already done cancels the task instead of running it, and a store
// failure before the start fails it with STORE_ERROR.
func (e *Executor) Execute(ctx context.Context, owner, id string) (flow.Task, error) {
	// Store writes outlive the caller's context so the task always ends terminal.
	persistCtx := context.WithoutCancel(ctx)
	t, err := e.store.GetTask(persistCtx, id, owner)
	if err != nil {
		if errors.Is(err, flow.ErrNotFound) {
			return flow.Task{}, err
		}
		return e.failStore(persistCtx, flow.Task{ID: id, Owner: owner}, flow.TaskQueued, err)
	}
	if t.Status != flow.TaskQueued {
		return t, fmt.Errorf("task %s is %s: %w", id, t.Status, flow.ErrAlreadyProcessed)
	}

	log := e.log.With("task_id", t.ID, "agent", t.Agent, "name", t.Name)
	if t.PipelineID != "" && t.StepIndex != nil {
		log = log.With("pipeline_id", t.PipelineID, "step", *t.StepIndex)
	}

	if cerr := ctx.Err(); cerr != nil {
		canceled, err := e.Cancel(persistCtx, owner, id)
		if err != nil {
			if errors.Is(err, flow.ErrInvalidState) {
				return canceled, e.lostRace(canceled)
			}
			return canceled, err
		}
		log.Info("task_canceled_before_start", "reason", cerr.Error())
		return canceled, fmt.Errorf("task %s: %w", id, flow.ErrCanceled)
	}

	started := e.now().UTC()
	t, err = e.store.UpdateTask(persistCtx, id, []flow.TaskStatus{flow.TaskQueued}, store.TaskPatch{
		Status:    flow.TaskRunning,
		StartedAt: &started,
	})
	if err != nil {
		if errors.Is(err, flow.ErrConflict) {
			return t, e.lostRace(t)
		}
		return e.failStore(persistCtx, flow.Task{ID: id, Owner: owner}, flow.TaskQueued, err)
	}
	log.Info("task_started")
	e.record(ctx, audit.TaskStarted, t, "")

	out, runErr := e.invoke(ctx, t)

	finished := e.now().UTC()
	if finished.Before(started) {
		finished = started
	}

	if runErr != nil {
		msg := strutil.ClipMessage(runErr.Error(), maxErrorMessageBytes)
		t, err = e.store.UpdateTask(persistCtx, id, []flow.TaskStatus{flow.TaskRunning}, store.TaskPatch{
			Status:       flow.TaskFailed,
			ErrorCode:    flow.CodeAgentError,
			ErrorMessage: msg,
			FinishedAt:   &finished,
		})
		if err != nil {
			if errors.Is(err, flow.ErrConflict) {
				return t, e.lostRace(t)
			}
			return e.failStore(persistCtx, flow.Task{ID: id, Owner: owner}, flow.TaskRunning, err)
		}
		log.Warn("task_failed", "error", msg)
		e.record(ctx, audit.TaskFailed, t, msg)
		return t, &flow.AgentError{TaskID: t.ID, Agent: t.Agent, Name: t.Name, Message: msg, Err: runErr}
	}

	if out == nil {
		out = map[string]any{}
	}
	t, err = e.store.UpdateTask(persistCtx, id, []flow.TaskStatus{flow.TaskRunning}, store.TaskPatch{
		Status:     flow.TaskSucceeded,
		Output:     out,
		FinishedAt: &finished,
	})
	if err != nil {
		if errors.Is(err, flow.ErrConflict) {
			return t, e.lostRace(t)
		}
		return e.failStore(persistCtx, flow.Task{ID: id, Owner: owner}, flow.TaskRunning, err)
	}
	log.Info("task_succeeded", "duration_ms", finished.Sub(started).Milliseconds())
	e.record(ctx, audit.TaskSucceeded, t, "")
	return t, nil
}

// failStore records a store failure that stopped a task in status from and
// returns cause as a *flow.StoreError.
func (e *Executor) failStore(ctx context.Context, t flow.Task, from flow.TaskStatus, cause error) (flow.Task, error) {
	var se *flow.StoreError
	if !errors.As(cause, &se) {
		cause = &flow.StoreError{Op: "update task", Err: cause}
	}
	finished := e.now().UTC()
	msg := strutil.ClipMessage(cause.Error(), maxErrorMessageBytes)
	failed, err := e.store.UpdateTask(ctx, t.ID, []flow.TaskStatus{from}, store.TaskPatch{
		Status:       flow.TaskFailed,
		ErrorCode:    flow.CodeStoreError,
		ErrorMessage: msg,
		FinishedAt:   &finished,
	})
	if err != nil {
		e.log.Error("task_persist_failed", "task_id", t.ID, "error", err.Error(), "cause", cause.Error())
		if errors.Is(err, flow.ErrConflict) {
			return failed, e.lostRace(failed)
		}
		return t, cause
	}
	e.log.Warn("task_failed", "task_id", t.ID, "code", flow.CodeStoreError, "error", msg)
	e.record(ctx, audit.TaskFailed, failed, msg)
	return failed, cause
}

// Run creates a task and executes it inline.
func (e *Executor) Run(ctx context.Context, owner string, agent flow.Agent, name string, input map[string]any, link *flow.StepLink) (flow.Task, error) {
	t, err := e.Create(ctx, owner, agent, name, input, link)
	if err != nil {
		return flow.Task{}, err
	}
	return e.Execute(ctx, owner, t.ID)
}

// Cancel moves a QUEUED or RUNNING task to CANCELED. A running agent call is
// not interrupted here; callers that own the call's context cancel it.
func (e *Executor) Cancel(ctx context.Context, owner, id string) (flow.Task, error) {
	t, err := e.store.GetTask(ctx, id, owner)
	if err != nil {
		return flow.Task{}, err
	}
	if t.Status.Terminal() {
		return t, fmt.Errorf("task %s is %s: %w", id, t.Status, flow.ErrInvalidState)
	}
	finished := e.now().UTC()
	t, err = e.store.UpdateTask(ctx, id, []flow.TaskStatus{flow.TaskQueued, flow.TaskRunning}, store.TaskPatch{
		Status:     flow.TaskCanceled,
		FinishedAt: &finished,
	})
	if err != nil {
		if errors.Is(err, flow.ErrConflict) {
			return t, fmt.Errorf("task %s is %s: %w", id, t.Status, flow.ErrInvalidState)
		}
		return t, err
	}
	e.log.Info("task_canceled", "task_id", t.ID, "agent", t.Agent, "name", t.Name)
	e.record(ctx, audit.TaskCanceled, t, "")
	return t, nil
}

func (e *Executor) invoke(ctx context.Context, t flow.Task) (out map[string]any, err error) {
	if e.runner == nil {
		return nil, errors.New("agent runner is not configured")
	}
	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("agent runner panic: %v", r)
		}
	}()

	out, err = e.runner.Run(runCtx, t.Agent, t.Name, flow.CloneMap(t.Input))
	if err != nil && e.timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, fmt.Errorf("agent timed out after %s: %w", e.timeout, err)
	}
	return out, err
}

// lostRace reports a guarded update that found the task moved on, most
// often by a concurrent Cancel.
func (e *Executor) lostRace(t flow.Task) error {
	if t.Status == flow.TaskCanceled {
		e.log.Info("task_cancel_observed", "task_id", t.ID)
		return fmt.Errorf("task %s: %w", t.ID, flow.ErrCanceled)
	}
	return fmt.Errorf("task %s is %s: %w", t.ID, t.Status, flow.ErrAlreadyProcessed)
}

func (e *Executor) record(ctx context.Context, typ audit.EventType, t flow.Task, msg string) {
	if e.audit == nil {
		return
	}
	e.audit.Record(ctx, audit.Event{
		Type:       typ,
		Owner:      t.Owner,
		TaskID:     t.ID,
		PipelineID: t.PipelineID,
		Step:       t.StepIndex,
		Agent:      string(t.Agent),
		Name:       t.Name,
		Status:     string(t.Status),
		ErrorCode:  t.ErrorCode,
		Message:    msg,
	})
}
