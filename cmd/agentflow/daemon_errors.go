package main

import (
	"errors"
	"net/http"

	"github.com/quailyquaily/agentflow/flow"
)

const (
	codeInvalidInput   = "invalid_input"
	codeNotFound       = "not_found"
	codeAlreadyDone    = "already_processed"
	codeInvalidState   = "invalid_state"
	codeQueueFull      = "queue_full"
	codeUnauthorized   = "unauthorized"
	codeInternalError  = "internal_error"
	codeRequestTooLong = "request_too_large"
)

// httpError is a domain error with its HTTP status and response code.
type httpError struct {
	StatusCode int
	Code       string
	Err        error
}

func (e *httpError) Error() string { return e.Err.Error() }

func (e *httpError) Unwrap() error { return e.Err }

func mapError(err error) *httpError {
	if err == nil {
		return nil
	}
	var he *httpError
	if errors.As(err, &he) {
		return he
	}
	switch {
	case errors.Is(err, flow.ErrValidation):
		return &httpError{http.StatusBadRequest, codeInvalidInput, err}
	case errors.Is(err, flow.ErrNotFound):
		return &httpError{http.StatusNotFound, codeNotFound, err}
	case errors.Is(err, flow.ErrAlreadyProcessed):
		return &httpError{http.StatusConflict, codeAlreadyDone, err}
	case errors.Is(err, flow.ErrInvalidState):
		return &httpError{http.StatusConflict, codeInvalidState, err}
	case errors.Is(err, flow.ErrQueueFull):
		return &httpError{http.StatusServiceUnavailable, codeQueueFull, err}
	default:
		return &httpError{http.StatusInternalServerError, codeInternalError, err}
	}
}
