package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/skeinworks/loom/workflow"
)

// StepExecutor runs one step body with fully-materialised inputs. The
// composite executor routes built-in pipeline keys to registry operations
// and everything else to the prompt-based executor.
type StepExecutor interface {
	Execute(ctx context.Context, cfg workflow.StepConfig, inputs map[string]any) (any, error)
}

// Notifier receives terminal task states for webhook fan-out. Both
// methods must swallow their own delivery errors; notification never
// changes a task's outcome.
type Notifier interface {
	NotifySuccess(ctx context.Context, env *workflow.TaskEnvelope, result *workflow.TaskResult)
	NotifyFailure(ctx context.Context, env *workflow.TaskEnvelope, taskErr error)
}

// uuidPattern matches the 8-4-4-4-12 hex task-id shape used for
// auto-resolution of task-reference lists.
var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// errSoftDeadline is the cancel cause injected at the soft time limit.
var errSoftDeadline = errors.New("soft time limit exceeded")

// WorkerConfig tunes the worker pool.
type WorkerConfig struct {
	Queues        []string
	MaxConcurrent int
	PrereqWait    time.Duration
	SoftDeadline  time.Duration
	HardDeadline  time.Duration
	Version       string
}

// Worker executes step tasks pulled from the queue backend. One worker
// serves all configured queues with MaxConcurrent pull loops per queue.
type Worker struct {
	backend  Backend
	executor StepExecutor
	notifier Notifier
	logger   *slog.Logger
	config   WorkerConfig
}

// NewWorker creates a worker. notifier may be nil when webhook delivery
// is disabled.
func NewWorker(backend Backend, executor StepExecutor, notifier Notifier, config WorkerConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}
	if config.PrereqWait <= 0 {
		config.PrereqWait = 30 * time.Minute
	}
	if config.SoftDeadline <= 0 {
		config.SoftDeadline = time.Hour
	}
	if config.HardDeadline <= 0 {
		config.HardDeadline = 2 * time.Hour
	}
	return &Worker{
		backend:  backend,
		executor: executor,
		notifier: notifier,
		logger:   logger,
		config:   config,
	}
}

// Run starts the pull loops and blocks until ctx ends and all in-flight
// tasks have drained.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, queue := range w.config.Queues {
		for i := 0; i < w.config.MaxConcurrent; i++ {
			wg.Add(1)
			go func(queue string) {
				defer wg.Done()
				if err := w.backend.Consume(ctx, queue, w.handle); err != nil {
					w.logger.Error("Consumer stopped", "queue", queue, "error", err)
				}
			}(queue)
		}
	}
	wg.Wait()
}

// handle executes one delivered task through its four phases. The error
// return drives acknowledgement: nil and plain errors acknowledge (the
// terminal state is already recorded), Retryable requests redelivery.
func (w *Worker) handle(ctx context.Context, env *workflow.TaskEnvelope, attempt int) error {
	logger := w.logger.With(
		"task_id", env.TaskID,
		"workflow_id", env.WorkflowID,
		"step", env.StepName,
		"attempt", attempt)

	if err := w.backend.Update(ctx, env.TaskID, func(r *workflow.TaskRecord) {
		r.Status = workflow.StatusRunning
		r.Attempts = attempt
	}); err != nil {
		logger.Error("Failed to mark task running", "error", err)
		return Retryable(err)
	}

	started := time.Now()
	defer func() { taskDuration.Observe(time.Since(started).Seconds()) }()

	// The soft deadline is a cooperative signal: step bodies observe it
	// through context cancellation and get the window up to the hard
	// deadline to wind down.
	softCtx, cancelSoft := context.WithTimeoutCause(ctx, w.config.SoftDeadline, errSoftDeadline)
	defer cancelSoft()

	type outcome struct {
		response any
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		response, err := w.runPhases(softCtx, env, logger)
		done <- outcome{response, err}
	}()

	hard := time.NewTimer(w.config.HardDeadline)
	defer hard.Stop()

	select {
	case <-hard.C:
		logger.Error("Task exceeded hard time limit")
		w.recordFailure(ctx, env, workflow.StatusTimedOut, fmt.Errorf("hard time limit (%s) exceeded", w.config.HardDeadline))
		return fmt.Errorf("task %s exceeded hard time limit", env.TaskID)
	case out := <-done:
		if out.err != nil {
			return w.handleError(ctx, softCtx, env, attempt, out.err, logger)
		}
		return w.emit(ctx, env, out.response, logger)
	}
}

// runPhases performs prerequisite resolution, input normalisation, and
// step execution.
func (w *Worker) runPhases(ctx context.Context, env *workflow.TaskEnvelope, logger *slog.Logger) (any, error) {
	inputs, err := w.resolvePrerequisites(ctx, env, logger)
	if err != nil {
		return nil, err
	}

	if err := w.resolveTaskRefs(ctx, env, inputs, logger); err != nil {
		return nil, err
	}

	return w.executor.Execute(ctx, env.Config, inputs)
}

// resolvePrerequisites is phase 1: it copies the plan-time inputs, merges
// the caller's output snapshot, then blocks on each unresolved
// prerequisite's result. Pre-supplied values win over sibling results.
func (w *Worker) resolvePrerequisites(ctx context.Context, env *workflow.TaskEnvelope, logger *slog.Logger) (map[string]any, error) {
	inputs := make(map[string]any, len(env.Config.Inputs)+len(env.Config.Prerequisites))
	for k, v := range env.Config.Inputs {
		inputs[k] = v
	}
	for k, v := range env.Outputs {
		if _, bound := inputs[k]; !bound {
			inputs[k] = v
		}
	}

	for _, prereq := range env.Config.Prerequisites {
		if _, bound := inputs[prereq]; bound {
			continue
		}

		taskID, ok := env.TaskIDs[prereq]
		if !ok {
			// The sibling was never dispatched (soft-dropped or skipped);
			// nothing can make it appear, so fail without retry.
			return nil, &PrerequisiteError{
				Step:   env.StepName,
				Prereq: prereq,
				Reason: "no task id for prerequisite",
			}
		}

		logger.Debug("Waiting for prerequisite", "prereq", prereq, "prereq_task_id", taskID)
		record, err := w.awaitResult(ctx, env.StepName, prereq, taskID)
		if err != nil {
			return nil, err
		}

		if record.Result != nil {
			inputs[prereq] = record.Result.Response
		} else {
			inputs[prereq] = nil
		}
	}

	return inputs, nil
}

// awaitResult waits for one task id to turn terminal, translating the
// outcome into the engine's error kinds.
func (w *Worker) awaitResult(ctx context.Context, step, name, taskID string) (*workflow.TaskRecord, error) {
	record, err := w.backend.Await(ctx, taskID, w.config.PrereqWait)
	if err != nil {
		if errors.Is(err, ErrAwaitTimeout) {
			prereqTimeouts.Inc()
			return nil, Retryable(&PrereqTimeoutError{Step: step, Prereq: name})
		}
		// Context cancellation (shutdown or soft deadline): redeliver.
		return nil, Retryable(fmt.Errorf("await %s: %w", name, err))
	}

	switch record.Status {
	case workflow.StatusSuccess:
		return record, nil
	default:
		return nil, &PrerequisiteError{
			Step:   step,
			Prereq: name,
			Reason: firstNonEmpty(record.Error, string(record.Status)),
		}
	}
}

// resolveTaskRefs is phase 2: lists of UUID strings are task-id
// references; each is awaited and the list is replaced by the
// concatenation of the resolved responses. Resolution writes into the
// already-copied inputs map, so callers never observe a half-resolved
// view.
func (w *Worker) resolveTaskRefs(ctx context.Context, env *workflow.TaskEnvelope, inputs map[string]any, logger *slog.Logger) error {
	for key, value := range inputs {
		ids, ok := taskRefList(value)
		if !ok {
			continue
		}

		logger.Debug("Resolving task-reference list", "input", key, "refs", len(ids))
		var sb strings.Builder
		for i, item := range ids {
			id, ok := item.(string)
			if !ok || !uuidPattern.MatchString(id) {
				return fmt.Errorf("input %s: task-reference list entry %d is not a task id (%v)", key, i, item)
			}
			record, err := w.awaitResult(ctx, env.StepName, key, id)
			if err != nil {
				return err
			}
			if record.Result != nil {
				sb.WriteString(stringify(record.Result.Response))
			}
		}
		inputs[key] = sb.String()
	}
	return nil
}

// taskRefList reports whether value is a task-reference list: a
// non-empty list whose first element is a UUID string. Tail entries
// are validated during resolution; a non-UUID tail fails the task.
func taskRefList(value any) ([]any, bool) {
	var items []any
	switch v := value.(type) {
	case []string:
		items = make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
	case []any:
		items = v
	default:
		return nil, false
	}

	if len(items) == 0 {
		return nil, false
	}
	first, ok := items[0].(string)
	if !ok || !uuidPattern.MatchString(first) {
		return nil, false
	}
	return items, true
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// emit is phase 4: persist the TaskResult and fan out to webhooks.
func (w *Worker) emit(ctx context.Context, env *workflow.TaskEnvelope, response any, logger *slog.Logger) error {
	result := &workflow.TaskResult{
		WorkflowID:      env.WorkflowID,
		Action:          env.Config.Action,
		Response:        response,
		Version:         w.config.Version,
		WebhookResponse: env.Config.WebhookEnabled(),
	}

	if err := w.backend.Update(ctx, env.TaskID, func(r *workflow.TaskRecord) {
		r.Status = workflow.StatusSuccess
		r.Result = result
		r.Error = ""
	}); err != nil {
		logger.Error("Failed to record success", "error", err)
		return Retryable(err)
	}
	tasksCompleted.WithLabelValues(string(workflow.StatusSuccess)).Inc()

	logger.Info("Task succeeded")

	if result.WebhookResponse && w.notifier != nil {
		w.notifier.NotifySuccess(ctx, env, result)
	}
	return nil
}

// handleError applies the retry policy: prerequisite failures are final
// on the first attempt, everything else retries until the attempt budget
// is spent.
func (w *Worker) handleError(ctx, softCtx context.Context, env *workflow.TaskEnvelope, attempt int, taskErr error, logger *slog.Logger) error {
	if IsPrerequisiteFailure(taskErr) {
		logger.Warn("Prerequisite failed, failing without retry", "error", taskErr)
		w.recordFailure(ctx, env, workflow.StatusFailed, taskErr)
		return taskErr
	}

	if IsRetryable(taskErr) && attempt < MaxAttempts {
		// Return the task to PENDING so siblings keep waiting instead of
		// observing a transient RUNNING failure.
		if err := w.backend.Update(ctx, env.TaskID, func(r *workflow.TaskRecord) {
			r.Status = workflow.StatusPending
			r.Error = taskErr.Error()
		}); err != nil {
			logger.Error("Failed to reset task to pending", "error", err)
		}
		return taskErr
	}

	if !IsRetryable(taskErr) && attempt < MaxAttempts {
		// Step-body errors are retryable by policy even when not
		// explicitly wrapped.
		logger.Warn("Step failed, will retry", "error", taskErr)
		if err := w.backend.Update(ctx, env.TaskID, func(r *workflow.TaskRecord) {
			r.Status = workflow.StatusPending
			r.Error = taskErr.Error()
		}); err != nil {
			logger.Error("Failed to reset task to pending", "error", err)
		}
		return Retryable(taskErr)
	}

	status := workflow.StatusFailed
	if errors.Is(context.Cause(softCtx), errSoftDeadline) {
		status = workflow.StatusTimedOut
	}
	logger.Error("Task failed terminally", "error", taskErr, "attempts", attempt)
	w.recordFailure(ctx, env, status, taskErr)
	return fmt.Errorf("task %s failed after %d attempts: %s", env.TaskID, attempt, taskErr)
}

// recordFailure persists the terminal failure and fires the failure
// webhook when the step opted in.
func (w *Worker) recordFailure(ctx context.Context, env *workflow.TaskEnvelope, status workflow.TaskStatus, taskErr error) {
	if err := w.backend.Update(ctx, env.TaskID, func(r *workflow.TaskRecord) {
		r.Status = status
		r.Error = taskErr.Error()
	}); err != nil {
		w.logger.Error("Failed to record terminal failure",
			"task_id", env.TaskID, "error", err)
	}
	tasksCompleted.WithLabelValues(string(status)).Inc()

	if env.Config.WebhookEnabled() && w.notifier != nil {
		w.notifier.NotifyFailure(ctx, env, taskErr)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
