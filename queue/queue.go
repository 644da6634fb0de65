// Package queue holds submitted work until a worker picks it up.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/quailyquaily/agentflow/flow"
)

const (
	DefaultMaxQueue   = 100
	DefaultJobTimeout = 10 * time.Minute
)

var ErrClosed = errors.New("queue is closed")

type Kind string

const (
	KindTask     Kind = "task"
	KindPipeline Kind = "pipeline"
)

// Job is one unit of queued work. Its context is canceled by Cancel, by
// Finish, by Close, or when the job timeout elapses. The timeout starts when
// a worker takes the job from Next.
type Job struct {
	ID         string
	Kind       Kind
	Owner      string
	EnqueuedAt time.Time
	StartedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

func (j *Job) Context() context.Context { return j.ctx }

type Queue struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	ch        chan *Job
	done      chan struct{} // closed by Close() to signal shutdown
	closeOnce sync.Once
	timeout   time.Duration
}

func New(maxQueue int, jobTimeout time.Duration) *Queue {
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueue
	}
	if jobTimeout <= 0 {
		jobTimeout = DefaultJobTimeout
	}
	return &Queue{
		jobs:    make(map[string]*Job),
		ch:      make(chan *Job, maxQueue),
		done:    make(chan struct{}),
		timeout: jobTimeout,
	}
}

// Enqueue adds a job without blocking. A full queue returns flow.ErrQueueFull
// and leaves no trace of the job.
func (q *Queue) Enqueue(parent context.Context, kind Kind, id string, owner string) (*Job, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("missing job id")
	}
	select {
	case <-q.done:
		return nil, ErrClosed
	default:
	}

	ctx, cancel := context.WithCancel(parent)
	job := &Job{
		ID:         id,
		Kind:       kind,
		Owner:      owner,
		EnqueuedAt: time.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}

	q.mu.Lock()
	if _, exists := q.jobs[id]; exists {
		q.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("job %s already queued", id)
	}
	q.jobs[id] = job
	q.mu.Unlock()

	select {
	case q.ch <- job:
		return job, nil
	default:
		cancel()
		q.mu.Lock()
		delete(q.jobs, id)
		q.mu.Unlock()
		return nil, flow.ErrQueueFull
	}
}

// Next blocks until a job is available or the queue is closed.
// Returns (nil, false) when the queue is closed.
func (q *Queue) Next() (*Job, bool) {
	select {
	case job, ok := <-q.ch:
		if !ok {
			return nil, false
		}
		q.start(job)
		return job, true
	case <-q.done:
		return nil, false
	}
}

func (q *Queue) start(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ctx, cancel := context.WithTimeout(job.ctx, q.timeout)
	parentCancel := job.cancel
	job.ctx = ctx
	job.cancel = func() {
		cancel()
		parentCancel()
	}
	job.StartedAt = time.Now()
}

// Drain removes and returns the jobs no worker took. It is meant for use
// after Close; drained jobs stay registered until Finish.
func (q *Queue) Drain() []*Job {
	var out []*Job
	for {
		select {
		case job := <-q.ch:
			out = append(out, job)
		default:
			return out
		}
	}
}

// Cancel cancels the context of a queued or running job. It reports whether
// the job was known.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	job := q.jobs[id]
	var cancel context.CancelFunc
	if job != nil {
		cancel = job.cancel
	}
	q.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Finish releases a job once its worker is done with it.
func (q *Queue) Finish(id string) {
	q.mu.Lock()
	job := q.jobs[id]
	var cancel context.CancelFunc
	if job != nil {
		cancel = job.cancel
	}
	delete(q.jobs, id)
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Len reports jobs waiting for a worker.
func (q *Queue) Len() int { return len(q.ch) }

// Active reports jobs that are queued or running.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close stops intake and cancels every queued or running job.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
		q.mu.Lock()
		defer q.mu.Unlock()
		for _, job := range q.jobs {
			job.cancel()
		}
	})
}
