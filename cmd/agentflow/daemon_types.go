package main

import "github.com/quailyquaily/agentflow/flow"

type SubmitTaskRequest struct {
	Agent string         `json:"agent"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

type SubmitPipelineRequest struct {
	Name    string          `json:"name"`
	Context map[string]any  `json:"context,omitempty"`
	Steps   []flow.StepSpec `json:"steps"`
}

// SubmitResponse reports the status the record was persisted with.
type SubmitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type pipelineDetail struct {
	flow.Pipeline
	Tasks []flow.Task `json:"tasks"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
