// Package api exposes the REST surface: workflow/chat submission,
// result retrieval, chat history, templates, health, and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skeinworks/loom/engine"
	"github.com/skeinworks/loom/workflow"
)

// defaultWorkflowID is used when the request body does not name one.
const defaultWorkflowID = "default_workflow"

// Server is the HTTP front end over the planner and dispatcher.
type Server struct {
	addr       string
	templates  *TemplateCache
	backend    engine.Backend
	dispatcher *engine.Dispatcher
	history    HistoryProvider
	logger     *slog.Logger

	httpServer *http.Server
}

// NewServer wires the REST surface. history may be nil when no chat
// history service is configured.
func NewServer(addr string, templates *TemplateCache, backend engine.Backend, dispatcher *engine.Dispatcher, history HistoryProvider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:       addr,
		templates:  templates,
		backend:    backend,
		dispatcher: dispatcher,
		history:    history,
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/workflow/{template}", s.handleStart)
	mux.HandleFunc("POST /api/chat/{template}", s.handleStart)
	mux.HandleFunc("GET /api/results/{task_id}", s.handleResults)
	mux.HandleFunc("GET /api/workflow/{workflow_id}/status", s.handleWorkflowStatus)
	mux.HandleFunc("GET /api/chat-history", s.handleChatHistory)
	mux.HandleFunc("GET /api/templates", s.handleTemplates)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks serving HTTP until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("API listening", "addr", s.addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type startRequest struct {
	Input map[string]any `json:"input"`
}

type startResponse struct {
	WorkflowID string                `json:"workflow_id"`
	Tasks      []workflow.TaskHandle `json:"tasks"`
}

// handleStart serves both workflow and chat submission: load the named
// template, plan, dispatch, and return the task handles.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	templateName := r.PathValue("template")

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.Input == nil {
		req.Input = map[string]any{}
	}

	tmpl, err := s.templates.Get(templateName)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "unknown_template",
			fmt.Sprintf("template %s: %v", templateName, err))
		return
	}

	workflowID := defaultWorkflowID
	if id, ok := req.Input["workflow_id"].(string); ok && id != "" {
		workflowID = id
	}

	plan := workflow.BuildPlan(tmpl, req.Input)
	handles, err := s.dispatcher.Dispatch(r.Context(), workflowID, plan, req.Input)
	if err != nil {
		s.logger.Error("Dispatch failed", "workflow_id", workflowID, "error", err)
		writeError(w, http.StatusInternalServerError, "dispatch_failed", err.Error())
		return
	}
	if handles == nil {
		handles = []workflow.TaskHandle{}
	}

	s.logger.Info("Workflow started",
		"workflow_id", workflowID,
		"template", templateName,
		"tasks", len(handles))
	writeJSON(w, http.StatusOK, startResponse{WorkflowID: workflowID, Tasks: handles})
}

// handleResults returns 202 while the task runs, 500 when it failed,
// and 200 with the result on success.
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")

	record, err := s.backend.Record(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, engine.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no task with id "+taskID)
			return
		}
		writeError(w, http.StatusInternalServerError, "backend_error", err.Error())
		return
	}

	switch {
	case !record.Status.Terminal():
		writeJSON(w, http.StatusAccepted, map[string]any{
			"task_id": taskID,
			"status":  record.Status,
		})
	case record.Status == workflow.StatusSuccess:
		writeJSON(w, http.StatusOK, map[string]any{
			"task_id": taskID,
			"result":  record.Result,
		})
	default:
		writeError(w, http.StatusInternalServerError, "task_failed", record.Error)
	}
}

// handleWorkflowStatus is a placeholder kept as an interface seam;
// per-workflow aggregation lives with the callers today.
func (s *Server) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id": r.PathValue("workflow_id"),
		"detail":      "per-workflow status aggregation is not implemented; poll task results instead",
	})
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "history_unavailable", "no chat history service configured")
		return
	}

	projectID := r.URL.Query().Get("project_id")
	sessionID := r.URL.Query().Get("session_id")
	if projectID == "" || sessionID == "" {
		writeError(w, http.StatusUnprocessableEntity, "missing_parameters", "project_id and session_id are required")
		return
	}

	messages, err := s.history.Messages(r.Context(), projectID, sessionID, r.URL.Query().Get("client_id"))
	if err != nil {
		s.logger.Error("Chat history fetch failed", "project_id", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, "history_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleTemplates(w http.ResponseWriter, _ *http.Request) {
	names, err := s.templates.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "template_error", err.Error())
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": names})
}

// handleHealth submits a trivial echo task and reports its state, which
// exercises the full submit/consume/record loop.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	taskID, err := s.backend.Submit(ctx, workflow.DefaultQueue, &workflow.TaskEnvelope{
		WorkflowID: "healthcheck",
		StepName:   "ping",
		Config: workflow.StepConfig{
			StepName:    "ping",
			PipelineKey: "op_echo",
			Queue:       workflow.DefaultQueue,
			Inputs:      map[string]any{"x": "pong"},
		},
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unhealthy", err.Error())
		return
	}

	record, err := s.backend.Await(ctx, taskID, 5*time.Second)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unhealthy", err.Error())
		return
	}

	status := http.StatusOK
	if record.Status != workflow.StatusSuccess {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":      "ok",
		"task_id":     taskID,
		"task_status": record.Status,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"details": details,
	})
}
