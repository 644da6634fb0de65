package flow

import "time"

type TaskStatus string

const (
	TaskQueued    TaskStatus = "QUEUED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCanceled  TaskStatus = "CANCELED"
)

// Terminal reports whether no further transition is allowed from st.
func (st TaskStatus) Terminal() bool {
	return st == TaskSucceeded || st == TaskFailed || st == TaskCanceled
}

func (st TaskStatus) Valid() bool {
	switch st {
	case TaskQueued, TaskRunning, TaskSucceeded, TaskFailed, TaskCanceled:
		return true
	}
	return false
}

type PipelineStatus string

const (
	PipelinePending   PipelineStatus = "PENDING"
	PipelineRunning   PipelineStatus = "RUNNING"
	PipelineSucceeded PipelineStatus = "SUCCEEDED"
	PipelineFailed    PipelineStatus = "FAILED"
)

func (st PipelineStatus) Terminal() bool {
	return st == PipelineSucceeded || st == PipelineFailed
}

func (st PipelineStatus) Valid() bool {
	switch st {
	case PipelinePending, PipelineRunning, PipelineSucceeded, PipelineFailed:
		return true
	}
	return false
}

// Error codes recorded on tasks and in pipeline context.error.
const (
	CodeAgentError = "AGENT_ERROR"
	CodeStoreError = "STORE_ERROR"
	CodeCanceled   = "CANCELED"
	CodeQueueFull  = "QUEUE_FULL"
	CodeInternal   = "INTERNAL_ERROR"
)

type Task struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`

	Agent Agent          `json:"agent"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`

	Output map[string]any `json:"output,omitempty"`
	Status TaskStatus     `json:"status"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Set when the task runs as a pipeline step.
	PipelineID string `json:"pipeline_id,omitempty"`
	StepIndex  *int   `json:"step_index,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// StepLink ties a task to the pipeline step that created it.
type StepLink struct {
	PipelineID string
	StepIndex  int
}

type StepSpec struct {
	Agent     Agent          `json:"agent" yaml:"agent"`
	Name      string         `json:"name" yaml:"name"`
	Input     map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	InputFrom string         `json:"inputFrom,omitempty" yaml:"inputFrom,omitempty"`
}

type Pipeline struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
	Name  string `json:"name"`

	Context map[string]any `json:"context"`
	Status  PipelineStatus `json:"status"`
	Steps   []StepSpec     `json:"steps"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Results returns the step outputs recorded in context.results, if any.
func (p Pipeline) Results() []any {
	if p.Context == nil {
		return nil
	}
	switch v := p.Context["results"].(type) {
	case []any:
		return v
	case []map[string]any:
		out := make([]any, 0, len(v))
		for _, m := range v {
			out = append(out, m)
		}
		return out
	}
	return nil
}

// FailureInfo is the shape written to a failed pipeline's context.error.
type FailureInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Step    *int   `json:"step,omitempty"`
	Agent   Agent  `json:"agent,omitempty"`
	Name    string `json:"name,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
}

func (f FailureInfo) Map() map[string]any {
	m := map[string]any{
		"code":    f.Code,
		"message": f.Message,
	}
	if f.Step != nil {
		m["step"] = *f.Step
	}
	if f.Agent != "" {
		m["agent"] = string(f.Agent)
	}
	if f.Name != "" {
		m["name"] = f.Name
	}
	if f.TaskID != "" {
		m["task_id"] = f.TaskID
	}
	return m
}
