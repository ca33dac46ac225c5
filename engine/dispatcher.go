package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/skeinworks/loom/workflow"
)

// Dispatcher submits planned steps to the queue backend, wiring sibling
// task ids so workers can locate their prerequisites' result handles.
type Dispatcher struct {
	backend Backend
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher on the given backend.
func NewDispatcher(backend Backend, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{backend: backend, logger: logger}
}

// Dispatch submits every planned step level by level. Levels are submitted
// in planner order but not awaited — prerequisite waiting is the worker's
// responsibility, which keeps the dispatcher off the critical path.
//
// outputs is the caller's pre-supplied result set: a step whose name is
// already present there is skipped entirely (idempotency shortcut), and
// the snapshot travels with every envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, workflowID string, plan *workflow.Plan, outputs map[string]any) ([]workflow.TaskHandle, error) {
	if len(plan.Dropped) > 0 {
		stepsDropped.Add(float64(len(plan.Dropped)))
		d.logger.Warn("Planner dropped unresolvable steps",
			"workflow_id", workflowID,
			"steps", plan.Dropped)
	}

	taskIDs := make(map[string]string)
	var handles []workflow.TaskHandle

	for levelIdx, level := range plan.Levels {
		for i := range level {
			cfg := level[i]

			if outputs != nil {
				if _, done := outputs[cfg.StepName]; done {
					d.logger.Debug("Skipping pre-supplied step",
						"workflow_id", workflowID,
						"step", cfg.StepName)
					continue
				}
			}

			env := &workflow.TaskEnvelope{
				WorkflowID: workflowID,
				StepName:   cfg.StepName,
				Config:     cfg,
				Outputs:    outputs,
				TaskIDs:    snapshot(taskIDs),
			}

			taskID, err := d.backend.Submit(ctx, cfg.Queue, env)
			if err != nil {
				return handles, fmt.Errorf("submit step %s: %w", cfg.StepName, err)
			}
			taskIDs[cfg.StepName] = taskID
			tasksDispatched.WithLabelValues(cfg.Queue).Inc()

			handles = append(handles, workflow.TaskHandle{
				StepName:    cfg.StepName,
				PipelineKey: cfg.PipelineKey,
				TaskID:      taskID,
				Queue:       cfg.Queue,
				Status:      workflow.StatusPending,
			})

			d.logger.Info("Dispatched step",
				"workflow_id", workflowID,
				"step", cfg.StepName,
				"level", levelIdx,
				"queue", cfg.Queue,
				"task_id", taskID)
		}
	}

	return handles, nil
}

func snapshot(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
