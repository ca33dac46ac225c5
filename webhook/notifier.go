// Package webhook delivers terminal task notifications to the
// environment-selected endpoint set.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/skeinworks/loom/config"
	"github.com/skeinworks/loom/workflow"
)

// preprocessingMarker flags workflows whose success payload omits the
// content fields.
const preprocessingMarker = "preprocessing"

// Notifier POSTs success/failure envelopes to every configured endpoint
// with Basic auth. Delivery failures are logged and swallowed; they
// never change a task's outcome.
type Notifier struct {
	endpoints  []config.WebhookEndpoint
	httpClient *http.Client
	logger     *slog.Logger
}

// NewNotifier creates a notifier for the given endpoint set. timeout
// applies per endpoint delivery.
func NewNotifier(endpoints []config.WebhookEndpoint, timeout time.Duration, logger *slog.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		endpoints:  endpoints,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// NotifySuccess delivers the success envelope for a finished task.
func (n *Notifier) NotifySuccess(ctx context.Context, env *workflow.TaskEnvelope, result *workflow.TaskResult) {
	payload := map[string]any{
		"workflow_id": env.WorkflowID,
		"task_id":     env.TaskID,
		"status":      "SUCCESS",
		"action":      env.Config.Action,
		"client_id":   inputField(env, "client_id"),
		"project_id":  inputField(env, "project_id"),
		"session_id":  inputField(env, "session_id"),
		"input_text":  inputField(env, "input_text"),
		"version":     result.Version,
	}

	if !isPreprocessing(env) {
		payload["result_text"] = contentField(result.Response, "llm_output")
		payload["references"] = contentField(result.Response, "references")
	}

	n.deliver(ctx, env, payload)
}

// NotifyFailure delivers the failure envelope for a failed task.
func (n *Notifier) NotifyFailure(ctx context.Context, env *workflow.TaskEnvelope, taskErr error) {
	message := fmt.Sprint(taskErr)
	payload := map[string]any{
		"workflow_id": env.WorkflowID,
		"task_id":     env.TaskID,
		"status":      "FAILURE",
		"action":      env.Config.Action,
		"result":      message,
		"result_text": message,
		"client_id":   inputField(env, "client_id"),
		"project_id":  inputField(env, "project_id"),
		"session_id":  inputField(env, "session_id"),
		"input_text":  inputField(env, "input_text"),
	}

	n.deliver(ctx, env, payload)
}

// deliver sends the payload to every endpoint, isolating failures per
// endpoint. A payload that cannot serialise is skipped silently.
func (n *Notifier) deliver(ctx context.Context, env *workflow.TaskEnvelope, payload map[string]any) {
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Warn("Webhook payload not JSON-serialisable, skipping",
			"task_id", env.TaskID, "error", err)
		return
	}

	for _, endpoint := range n.endpoints {
		if err := n.post(ctx, endpoint, body); err != nil {
			n.logger.Warn("Webhook delivery failed",
				"task_id", env.TaskID,
				"url", endpoint.URL,
				"error", err)
			continue
		}
		n.logger.Debug("Webhook delivered",
			"task_id", env.TaskID,
			"url", endpoint.URL)
	}
}

func (n *Notifier) post(ctx context.Context, endpoint config.WebhookEndpoint, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if endpoint.Username != "" {
		req.SetBasicAuth(endpoint.Username, endpoint.Password)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// isPreprocessing applies the workflow-id heuristic plus the explicit
// preprocessing input flag.
func isPreprocessing(env *workflow.TaskEnvelope) bool {
	if strings.Contains(env.WorkflowID, preprocessingMarker) {
		return true
	}
	if v, ok := env.Config.Inputs[preprocessingMarker]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// inputField pulls an envelope field from the step's bound inputs,
// falling back to the caller's pre-supplied outputs.
func inputField(env *workflow.TaskEnvelope, key string) any {
	if v, ok := env.Config.Inputs[key]; ok {
		return v
	}
	if v, ok := env.Outputs[key]; ok {
		return v
	}
	return ""
}

// contentField returns response[key] when the response is a mapping with
// that key, else the whole response.
func contentField(response any, key string) any {
	if m, ok := response.(map[string]any); ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	return response
}
