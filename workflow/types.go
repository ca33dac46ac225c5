package workflow

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the lifecycle state of a dispatched task.
type TaskStatus string

const (
	StatusPending  TaskStatus = "PENDING"
	StatusRunning  TaskStatus = "RUNNING"
	StatusSuccess  TaskStatus = "SUCCESS"
	StatusFailed   TaskStatus = "FAILED"
	StatusTimedOut TaskStatus = "TIMED_OUT"
)

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// StepConfig is the runtime-materialised view of a StepDefinition,
// produced by the planner and handed to the worker.
type StepConfig struct {
	StepName        string `json:"step_name"`
	PipelineKey     string `json:"pipeline_key"`
	ProjectName     string `json:"project_name,omitempty"`
	PromptConfigSrc string `json:"prompt_config_src,omitempty"`
	Database        string `json:"database,omitempty"`
	Action          string `json:"action"`
	SectionID       string `json:"section_id,omitempty"`
	JSONObject      bool   `json:"json_object,omitempty"`
	DomainID        string `json:"domain_id,omitempty"`
	Queue           string `json:"queue"`
	ParallelTask    bool   `json:"parallel_task,omitempty"`

	// Inputs holds plan-time bound values keyed by input name.
	Inputs map[string]any `json:"inputs"`

	// Prerequisites lists sibling step names whose results must be
	// resolved before execution.
	Prerequisites []string `json:"prerequisites,omitempty"`
}

// WebhookEnabled reports whether terminal states of this step notify webhooks.
func (c *StepConfig) WebhookEnabled() bool {
	return c.SectionID != ""
}

// TaskResult is the worker's terminal emission for one step.
type TaskResult struct {
	WorkflowID      string `json:"workflow_id"`
	Action          string `json:"action"`
	Response        any    `json:"response"`
	Version         string `json:"version"`
	WebhookResponse bool   `json:"webhook_response"`
}

// TaskRecord is the in-flight representation persisted in the result backend.
type TaskRecord struct {
	TaskID      string      `json:"task_id"`
	WorkflowID  string      `json:"workflow_id"`
	StepName    string      `json:"step_name"`
	PipelineKey string      `json:"pipeline_key"`
	Queue       string      `json:"queue"`
	Status      TaskStatus  `json:"status"`
	Result      *TaskResult `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	Attempts    int         `json:"attempts"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// TaskEnvelope is the queue payload for one step execution. Snapshots of
// prior outputs and sibling task ids travel with the task so workers can
// resolve prerequisites without a shared coordinator.
type TaskEnvelope struct {
	TaskID     string            `json:"task_id"`
	WorkflowID string            `json:"workflow_id"`
	StepName   string            `json:"step_name"`
	Config     StepConfig        `json:"config"`
	Outputs    map[string]any    `json:"outputs,omitempty"`
	TaskIDs    map[string]string `json:"task_ids,omitempty"`
}

// Marshal encodes the envelope for publication.
func (e *TaskEnvelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// TaskHandle is the submission manifest entry returned by the REST layer.
type TaskHandle struct {
	StepName    string     `json:"step_name"`
	PipelineKey string     `json:"pipeline_key"`
	TaskID      string     `json:"task_id"`
	Queue       string     `json:"queue"`
	Status      TaskStatus `json:"status"`
}
