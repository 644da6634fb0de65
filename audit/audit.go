// Package audit records task and pipeline lifecycle transitions.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	TaskQueued    EventType = "task_queued"
	TaskStarted   EventType = "task_started"
	TaskSucceeded EventType = "task_succeeded"
	TaskFailed    EventType = "task_failed"
	TaskCanceled  EventType = "task_canceled"

	PipelineSubmitted EventType = "pipeline_submitted"
	PipelineStarted   EventType = "pipeline_started"
	PipelineSucceeded EventType = "pipeline_succeeded"
	PipelineFailed    EventType = "pipeline_failed"
	PipelineCanceled  EventType = "pipeline_canceled"
)

type Event struct {
	EventID    string    `json:"event_id"`
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"ts"`
	Owner      string    `json:"owner"`
	TaskID     string    `json:"task_id,omitempty"`
	PipelineID string    `json:"pipeline_id,omitempty"`
	Step       *int      `json:"step,omitempty"`
	Agent      string    `json:"agent,omitempty"`
	Name       string    `json:"name,omitempty"`
	Status     string    `json:"status"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Message    string    `json:"message,omitempty"`
}

type Sink interface {
	Emit(ctx context.Context, e Event) error
	Close() error
}

// Filter selects events on read-back. Empty fields match everything.
type Filter struct {
	Owner      string
	TaskID     string
	PipelineID string
	Limit      int
}

func (f Filter) Match(e Event) bool {
	if v := strings.TrimSpace(f.Owner); v != "" && e.Owner != v {
		return false
	}
	if v := strings.TrimSpace(f.TaskID); v != "" && e.TaskID != v {
		return false
	}
	if v := strings.TrimSpace(f.PipelineID); v != "" && e.PipelineID != v {
		return false
	}
	return true
}

// Lister is implemented by sinks that can read their events back.
type Lister interface {
	List(ctx context.Context, f Filter) ([]Event, error)
}

// ErrNotListable is returned by Recorder.List when the sink keeps no history.
var ErrNotListable = errors.New("audit sink does not support listing")

// Nop drops every event.
type Nop struct{}

func (Nop) Emit(context.Context, Event) error { return nil }
func (Nop) Close() error                      { return nil }

// Recorder fills in event ids and timestamps, redacts messages, and logs sink
// failures instead of returning them.
type Recorder struct {
	sink Sink
	log  *slog.Logger
	now  func() time.Time
}

func NewRecorder(sink Sink, log *slog.Logger) *Recorder {
	if sink == nil {
		sink = Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sink: sink, log: log, now: time.Now}
}

func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	if e.EventID == "" {
		e.EventID = "evt_" + uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now().UTC()
	}
	e.Message = Redact(e.Message)
	if err := r.sink.Emit(context.WithoutCancel(ctx), e); err != nil {
		r.log.Warn("audit_emit_failed", "type", e.Type, "error", err.Error())
	}
}

// List reads events back from the sink, oldest first.
func (r *Recorder) List(ctx context.Context, f Filter) ([]Event, error) {
	if r == nil {
		return nil, ErrNotListable
	}
	l, ok := r.sink.(Lister)
	if !ok {
		return nil, ErrNotListable
	}
	return l.List(ctx, f)
}

func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return r.sink.Close()
}
