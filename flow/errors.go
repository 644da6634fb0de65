package flow

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	// ErrInvalidAgent is a validation error: errors.Is(err, ErrValidation) holds for it.
	ErrInvalidAgent = fmt.Errorf("%w: unknown agent", ErrValidation)

	ErrNotFound         = errors.New("not found")
	ErrAlreadyProcessed = errors.New("already processed")
	ErrInvalidState     = errors.New("invalid state")

	ErrAgent = errors.New("agent error")
	ErrStore = errors.New("store error")

	// ErrConflict is returned by stores when a guarded transition finds the
	// record in a different status than expected.
	ErrConflict = errors.New("status conflict")

	ErrQueueFull = errors.New("queue is full")
	ErrCanceled  = errors.New("canceled")
)

func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// AgentError describes an Agent Runner failure for one task.
type AgentError struct {
	TaskID  string
	Agent   Agent
	Name    string
	Message string
	Err     error
}

func (e *AgentError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("agent %s/%s: %s", e.Agent, e.Name, e.Message)
	}
	return fmt.Sprintf("agent %s/%s (task %s): %s", e.Agent, e.Name, e.TaskID, e.Message)
}

func (e *AgentError) Unwrap() error { return e.Err }

func (e *AgentError) Is(target error) bool { return target == ErrAgent }

func (e *AgentError) Code() string { return CodeAgentError }

// StoreError wraps a persistence failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return "store " + e.Op + " failed"
	}
	return "store " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }

// ErrorCode picks the code recorded for err in a failed pipeline's context.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAgent):
		return CodeAgentError
	case errors.Is(err, ErrStore):
		return CodeStoreError
	case errors.Is(err, ErrQueueFull):
		return CodeQueueFull
	case errors.Is(err, ErrCanceled):
		return CodeCanceled
	default:
		return CodeInternal
	}
}
