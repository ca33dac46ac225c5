package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skeinworks/loom/engine"
	"github.com/skeinworks/loom/steps"
	"github.com/skeinworks/loom/workflow"
)

const twoStepTemplate = `
defaults:
  template_id: test-project
steps:
  - step: A
    pipeline_key: op_echo
    inputs: [x]
  - step: B
    pipeline_key: op_upper
    inputs: [A]
`

type fakeHistory struct {
	projectID string
	sessionID string
	clientID  string
}

func (f *fakeHistory) Messages(_ context.Context, projectID, sessionID, clientID string) (any, error) {
	f.projectID = projectID
	f.sessionID = sessionID
	f.clientID = clientID
	return []any{map[string]any{"role": "user", "content": "hi"}}, nil
}

func newTestServer(t *testing.T, withWorker bool) (*Server, engine.Backend) {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two-step.yml"), []byte(twoStepTemplate), 0o644))

	backend := engine.NewMemoryBackend()
	if withWorker {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		worker := engine.NewWorker(backend, steps.NewExecutor(nil, nil), nil, engine.WorkerConfig{
			Queues:        []string{workflow.DefaultQueue, workflow.IOQueue},
			MaxConcurrent: 4,
			PrereqWait:    5 * time.Second,
			SoftDeadline:  10 * time.Second,
			HardDeadline:  20 * time.Second,
			Version:       "test",
		}, nil)
		go func() {
			worker.Run(ctx)
			close(done)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}

	templates := NewTemplateCache(dir, nil)
	dispatcher := engine.NewDispatcher(backend, nil)
	return NewServer(":0", templates, backend, dispatcher, &fakeHistory{}, nil), backend
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestStartWorkflowEndToEnd(t *testing.T) {
	server, backend := newTestServer(t, true)

	rec, body := doJSON(t, server.Handler(), http.MethodPost, "/api/workflow/two-step",
		`{"input": {"workflow_id": "w1", "x": "hello"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "w1", body["workflow_id"])

	tasks := body["tasks"].([]any)
	require.Len(t, tasks, 2)
	first := tasks[0].(map[string]any)
	require.Equal(t, "A", first["step_name"])
	require.Equal(t, "PENDING", first["status"])

	second := tasks[1].(map[string]any)
	taskID := second["task_id"].(string)
	record, err := backend.Await(context.Background(), taskID, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusSuccess, record.Status)
	require.Equal(t, "HELLO", record.Result.Response)

	rec, body = doJSON(t, server.Handler(), http.MethodGet, "/api/results/"+taskID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	result := body["result"].(map[string]any)
	require.Equal(t, "HELLO", result["response"])
}

func TestStartWorkflowDefaultsWorkflowID(t *testing.T) {
	server, _ := newTestServer(t, false)
	rec, body := doJSON(t, server.Handler(), http.MethodPost, "/api/chat/two-step",
		`{"input": {"x": "hi"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "default_workflow", body["workflow_id"])
}

func TestStartWorkflowUnknownTemplate(t *testing.T) {
	server, _ := newTestServer(t, false)
	rec, body := doJSON(t, server.Handler(), http.MethodPost, "/api/workflow/missing",
		`{"input": {}}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "unknown_template", body["error"])
}

func TestResultsPendingAndMissing(t *testing.T) {
	server, backend := newTestServer(t, false)

	taskID, err := backend.Submit(context.Background(), workflow.DefaultQueue, &workflow.TaskEnvelope{
		WorkflowID: "w1",
		StepName:   "A",
		Config:     workflow.StepConfig{StepName: "A", PipelineKey: "op_echo", Queue: workflow.DefaultQueue},
	})
	require.NoError(t, err)

	rec, body := doJSON(t, server.Handler(), http.MethodGet, "/api/results/"+taskID, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "PENDING", body["status"])

	rec, body = doJSON(t, server.Handler(), http.MethodGet, "/api/results/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", body["error"])
}

func TestResultsFailedTask(t *testing.T) {
	server, backend := newTestServer(t, false)

	taskID, err := backend.Submit(context.Background(), workflow.DefaultQueue, &workflow.TaskEnvelope{
		WorkflowID: "w1",
		StepName:   "A",
		Config:     workflow.StepConfig{StepName: "A", Queue: workflow.DefaultQueue},
	})
	require.NoError(t, err)
	require.NoError(t, backend.Update(context.Background(), taskID, func(r *workflow.TaskRecord) {
		r.Status = workflow.StatusFailed
		r.Error = "boom"
	}))

	rec, body := doJSON(t, server.Handler(), http.MethodGet, "/api/results/"+taskID, "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "task_failed", body["error"])
	require.Equal(t, "boom", body["details"])
}

func TestWorkflowStatusPlaceholder(t *testing.T) {
	server, _ := newTestServer(t, false)
	rec, body := doJSON(t, server.Handler(), http.MethodGet, "/api/workflow/w1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "w1", body["workflow_id"])
}

func TestChatHistory(t *testing.T) {
	server, _ := newTestServer(t, false)

	rec, _ := doJSON(t, server.Handler(), http.MethodGet, "/api/chat-history?project_id=p1&session_id=s1&client_id=c1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := doJSON(t, server.Handler(), http.MethodGet, "/api/chat-history?project_id=p1", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "missing_parameters", body["error"])
}

func TestListTemplates(t *testing.T) {
	server, _ := newTestServer(t, false)
	rec, body := doJSON(t, server.Handler(), http.MethodGet, "/api/templates", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []any{"two-step"}, body["templates"])
}

func TestHealth(t *testing.T) {
	server, _ := newTestServer(t, true)
	rec, body := doJSON(t, server.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "SUCCESS", body["task_status"])
}

func TestTemplateCacheInvalidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.yml")
	require.NoError(t, os.WriteFile(path, []byte(twoStepTemplate), 0o644))

	cache := NewTemplateCache(dir, nil)
	require.NoError(t, cache.Watch())
	defer cache.Close()

	tmpl, err := cache.Get("t")
	require.NoError(t, err)
	require.Len(t, tmpl.Steps, 2)

	updated := strings.Replace(twoStepTemplate, "  - step: B\n    pipeline_key: op_upper\n    inputs: [A]\n", "", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		tmpl, err := cache.Get("t")
		return err == nil && len(tmpl.Steps) == 1
	}, 5*time.Second, 50*time.Millisecond)
}
