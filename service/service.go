// Package service is the entry point used by the HTTP daemon and the CLI. It
// persists submissions, queues them, and runs them on a worker pool.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quailyquaily/agentflow/executor"
	"github.com/quailyquaily/agentflow/flow"
	"github.com/quailyquaily/agentflow/pipeline"
	"github.com/quailyquaily/agentflow/queue"
	"github.com/quailyquaily/agentflow/store"
)

const DefaultWorkers = 4

type Option func(*Service)

func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

type Service struct {
	store  store.Store
	exec   *executor.Executor
	engine *pipeline.Engine
	queue  *queue.Queue
	log    *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

func New(st store.Store, exec *executor.Executor, engine *pipeline.Engine, q *queue.Queue, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		store:   st,
		exec:    exec,
		engine:  engine,
		queue:   q,
		log:     slog.Default(),
		baseCtx: ctx,
		stop:    cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start launches n workers. Calling it again is a no-op.
func (s *Service) Start(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	if n <= 0 {
		n = DefaultWorkers
	}
	for i := 0; i < n; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.log.Info("workers_started", "count", n)
}

// Close stops intake, cancels queued and running jobs, and waits for the
// workers to return. Jobs no worker took are settled as canceled so nothing
// stays QUEUED or PENDING.
func (s *Service) Close() {
	s.queue.Close()
	s.stop()
	s.wg.Wait()
	s.settleDrained()
}

func (s *Service) settleDrained() {
	ctx := context.Background()
	for _, job := range s.queue.Drain() {
		var err error
		switch job.Kind {
		case queue.KindTask:
			_, err = s.exec.Cancel(ctx, job.Owner, job.ID)
		case queue.KindPipeline:
			_, err = s.engine.Abort(ctx, job.Owner, job.ID, flow.CodeCanceled, "service shut down before the pipeline started")
		}
		if err != nil && !errors.Is(err, flow.ErrInvalidState) {
			s.log.Error("job_settle_failed", "kind", job.Kind, "id", job.ID, "error", err.Error())
		}
		s.queue.Finish(job.ID)
	}
}

type Stats struct {
	Queued int `json:"queued"`
	Active int `json:"active"`
}

func (s *Service) Stats() Stats {
	return Stats{Queued: s.queue.Len(), Active: s.queue.Active()}
}

// SubmitTask persists a QUEUED task and queues it. If the queue is full the
// task is canceled and returned together with flow.ErrQueueFull.
func (s *Service) SubmitTask(ctx context.Context, owner string, agent flow.Agent, name string, input map[string]any) (flow.Task, error) {
	t, err := s.exec.Create(ctx, owner, agent, name, input, nil)
	if err != nil {
		return flow.Task{}, err
	}
	if _, err := s.queue.Enqueue(s.baseCtx, queue.KindTask, t.ID, t.Owner); err != nil {
		s.log.Warn("task_enqueue_failed", "task_id", t.ID, "error", err.Error())
		canceled, cerr := s.exec.Cancel(ctx, t.Owner, t.ID)
		if cerr != nil {
			s.log.Error("task_cancel_after_enqueue_failed", "task_id", t.ID, "error", cerr.Error())
		} else {
			t = canceled
		}
		return t, queueError(err)
	}
	return t, nil
}

func (s *Service) GetTask(ctx context.Context, owner, id string) (flow.Task, error) {
	return s.store.GetTask(ctx, id, owner)
}

func (s *Service) ListTasks(ctx context.Context, owner string, f store.TaskFilter) ([]flow.Task, error) {
	return s.store.ListTasks(ctx, owner, f)
}

// CancelTask cancels the task and interrupts its agent call if a worker is
// running it.
func (s *Service) CancelTask(ctx context.Context, owner, id string) (flow.Task, error) {
	t, err := s.exec.Cancel(ctx, owner, id)
	if err != nil {
		return t, err
	}
	s.queue.Cancel(id)
	return t, nil
}

// SubmitPipeline validates and persists a PENDING pipeline and queues it. If
// the queue is full the pipeline is failed with QUEUE_FULL and returned
// together with flow.ErrQueueFull.
func (s *Service) SubmitPipeline(ctx context.Context, owner, name string, pipelineCtx map[string]any, steps []flow.StepSpec) (flow.Pipeline, error) {
	p, err := s.engine.Submit(ctx, owner, name, pipelineCtx, steps)
	if err != nil {
		return flow.Pipeline{}, err
	}
	if _, err := s.queue.Enqueue(s.baseCtx, queue.KindPipeline, p.ID, p.Owner); err != nil {
		s.log.Warn("pipeline_enqueue_failed", "pipeline_id", p.ID, "error", err.Error())
		failed, ferr := s.engine.Abort(ctx, p.Owner, p.ID, flow.CodeQueueFull, err.Error())
		if ferr != nil {
			s.log.Error("pipeline_abort_failed", "pipeline_id", p.ID, "error", ferr.Error())
		} else {
			p = failed
		}
		return p, queueError(err)
	}
	return p, nil
}

func (s *Service) GetPipeline(ctx context.Context, owner, id string) (flow.Pipeline, []flow.Task, error) {
	return s.engine.Get(ctx, owner, id)
}

func (s *Service) ListPipelines(ctx context.Context, owner string, f store.PipelineFilter) ([]flow.Pipeline, error) {
	return s.engine.List(ctx, owner, f)
}

// CancelPipeline does not interrupt a step already in flight; the engine
// stops before the next step.
func (s *Service) CancelPipeline(ctx context.Context, owner, id string) (flow.Pipeline, error) {
	return s.engine.Cancel(ctx, owner, id)
}

func (s *Service) worker(n int) {
	defer s.wg.Done()
	log := s.log.With("worker", n)
	for {
		job, ok := s.queue.Next()
		if !ok {
			return
		}
		s.runJob(log, job)
	}
}

func (s *Service) runJob(log *slog.Logger, job *queue.Job) {
	defer s.queue.Finish(job.ID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("job_panic", "kind", job.Kind, "id", job.ID, "panic", fmt.Sprint(r))
		}
	}()

	ctx := job.Context()
	switch job.Kind {
	case queue.KindTask:
		_, err := s.exec.Execute(ctx, job.Owner, job.ID)
		logJobResult(log, job, err)
	case queue.KindPipeline:
		err := s.engine.Run(ctx, job.Owner, job.ID)
		logJobResult(log, job, err)
	default:
		log.Error("job_kind_unknown", "kind", job.Kind, "id", job.ID)
	}
}

func logJobResult(log *slog.Logger, job *queue.Job, err error) {
	switch {
	case err == nil:
		log.Debug("job_done", "kind", job.Kind, "id", job.ID)
	case errors.Is(err, flow.ErrCanceled), errors.Is(err, flow.ErrAlreadyProcessed):
		log.Info("job_skipped", "kind", job.Kind, "id", job.ID, "reason", err.Error())
	default:
		log.Warn("job_failed", "kind", job.Kind, "id", job.ID, "error", err.Error())
	}
}

func queueError(err error) error {
	if errors.Is(err, flow.ErrQueueFull) {
		return err
	}
	return fmt.Errorf("%w: %v", flow.ErrQueueFull, err)
}
