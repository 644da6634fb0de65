package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/quailyquaily/agentflow/flow"
	"github.com/quailyquaily/agentflow/service"
	"github.com/quailyquaily/agentflow/store"
)

// maxRequestBodySize limits the size of incoming request bodies (4MB).
const maxRequestBodySize = 4 * 1024 * 1024

const ownerHeader = "X-Owner-ID"

// taskService is the part of *service.Service the daemon uses.
type taskService interface {
	SubmitTask(ctx context.Context, owner string, agent flow.Agent, name string, input map[string]any) (flow.Task, error)
	GetTask(ctx context.Context, owner, id string) (flow.Task, error)
	ListTasks(ctx context.Context, owner string, f store.TaskFilter) ([]flow.Task, error)
	CancelTask(ctx context.Context, owner, id string) (flow.Task, error)

	SubmitPipeline(ctx context.Context, owner, name string, pipelineCtx map[string]any, steps []flow.StepSpec) (flow.Pipeline, error)
	GetPipeline(ctx context.Context, owner, id string) (flow.Pipeline, []flow.Task, error)
	ListPipelines(ctx context.Context, owner string, f store.PipelineFilter) ([]flow.Pipeline, error)
	CancelPipeline(ctx context.Context, owner, id string) (flow.Pipeline, error)

	Stats() service.Stats
}

type daemonHandlers struct {
	svc       taskService
	log       *slog.Logger
	authToken string
}

func newDaemonHandlers(svc taskService, log *slog.Logger, authToken string) *daemonHandlers {
	if log == nil {
		log = slog.Default()
	}
	return &daemonHandlers{svc: svc, log: log, authToken: strings.TrimSpace(authToken)}
}

func (h *daemonHandlers) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)

	mux.HandleFunc("POST /v1/tasks", h.withOwner(h.handleSubmitTask))
	mux.HandleFunc("GET /v1/tasks", h.withOwner(h.handleListTasks))
	mux.HandleFunc("GET /v1/tasks/{id}", h.withOwner(h.handleGetTask))
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", h.withOwner(h.handleCancelTask))

	mux.HandleFunc("POST /v1/pipelines", h.withOwner(h.handleSubmitPipeline))
	mux.HandleFunc("GET /v1/pipelines", h.withOwner(h.handleListPipelines))
	mux.HandleFunc("GET /v1/pipelines/{id}", h.withOwner(h.handleGetPipeline))
	mux.HandleFunc("POST /v1/pipelines/{id}/cancel", h.withOwner(h.handleCancelPipeline))
	return mux
}

type ownerHandler func(w http.ResponseWriter, r *http.Request, owner string)

// withOwner checks the bearer token (when configured) and extracts the owner
// id set by the upstream auth layer.
func (h *daemonHandlers) withOwner(next ownerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.authToken != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(h.authToken)) != 1 {
				h.writeError(w, r, &httpError{http.StatusUnauthorized, codeUnauthorized, errors.New("missing or invalid bearer token")})
				return
			}
		}
		owner := strings.TrimSpace(r.Header.Get(ownerHeader))
		if owner == "" {
			h.writeError(w, r, flow.Validationf("missing %s header", ownerHeader))
			return
		}
		next(w, r, owner)
	}
}

func (h *daemonHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "queue": h.svc.Stats()})
}

func (h *daemonHandlers) handleSubmitTask(w http.ResponseWriter, r *http.Request, owner string) {
	var req SubmitTaskRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	t, err := h.svc.SubmitTask(r.Context(), owner, flow.Agent(req.Agent), req.Name, req.Input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{ID: t.ID, Status: string(t.Status)})
}

func (h *daemonHandlers) handleListTasks(w http.ResponseWriter, r *http.Request, owner string) {
	q := r.URL.Query()
	f := store.TaskFilter{PipelineID: strings.TrimSpace(q.Get("pipeline_id"))}
	if s := strings.TrimSpace(q.Get("status")); s != "" {
		st := flow.TaskStatus(strings.ToUpper(s))
		if !st.Valid() {
			h.writeError(w, r, flow.Validationf("unknown task status %q", s))
			return
		}
		f.Status = st
	}
	if s := strings.TrimSpace(q.Get("agent")); s != "" {
		a, err := flow.ParseAgent(s)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		f.Agent = a
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	f.Limit = limit

	tasks, err := h.svc.ListTasks(r.Context(), owner, f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[flow.Task]{Items: nonNil(tasks)})
}

func (h *daemonHandlers) handleGetTask(w http.ResponseWriter, r *http.Request, owner string) {
	t, err := h.svc.GetTask(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *daemonHandlers) handleCancelTask(w http.ResponseWriter, r *http.Request, owner string) {
	t, err := h.svc.CancelTask(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *daemonHandlers) handleSubmitPipeline(w http.ResponseWriter, r *http.Request, owner string) {
	var req SubmitPipelineRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.svc.SubmitPipeline(r.Context(), owner, req.Name, req.Context, req.Steps)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{ID: p.ID, Status: string(p.Status)})
}

func (h *daemonHandlers) handleListPipelines(w http.ResponseWriter, r *http.Request, owner string) {
	q := r.URL.Query()
	var f store.PipelineFilter
	if s := strings.TrimSpace(q.Get("status")); s != "" {
		st := flow.PipelineStatus(strings.ToUpper(s))
		if !st.Valid() {
			h.writeError(w, r, flow.Validationf("unknown pipeline status %q", s))
			return
		}
		f.Status = st
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	f.Limit = limit

	pipelines, err := h.svc.ListPipelines(r.Context(), owner, f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[flow.Pipeline]{Items: nonNil(pipelines)})
}

func (h *daemonHandlers) handleGetPipeline(w http.ResponseWriter, r *http.Request, owner string) {
	p, tasks, err := h.svc.GetPipeline(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pipelineDetail{Pipeline: p, Tasks: nonNil(tasks)})
}

func (h *daemonHandlers) handleCancelPipeline(w http.ResponseWriter, r *http.Request, owner string) {
	p, err := h.svc.CancelPipeline(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *daemonHandlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	he := mapError(err)
	if he.StatusCode >= http.StatusInternalServerError {
		h.log.Error("http_request_failed", "method", r.Method, "path", r.URL.Path, "status", he.StatusCode, "error", err.Error())
	} else {
		h.log.Debug("http_request_rejected", "method", r.Method, "path", r.URL.Path, "status", he.StatusCode, "error", err.Error())
	}
	writeJSON(w, he.StatusCode, errorBody{Error: errorDetail{Code: he.Code, Message: he.Error()}})
}

func decodeBody(r *http.Request, dst any) error {
	// Parse request body with size limit to prevent memory exhaustion
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	if err != nil {
		return flow.Validationf("failed to read request body: %v", err)
	}
	if len(body) > maxRequestBodySize {
		return &httpError{http.StatusRequestEntityTooLarge, codeRequestTooLong,
			fmt.Errorf("request body too large (max %d bytes)", maxRequestBodySize)}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return flow.Validationf("invalid JSON: %v", err)
	}
	return nil
}

func parseLimit(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, flow.Validationf("invalid limit %q", s)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
