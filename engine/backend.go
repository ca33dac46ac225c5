package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/skeinworks/loom/workflow"
)

// Handler processes one delivered task. attempt is 1-based. A nil return
// acknowledges the task; an error wrapped with Retryable requests
// redelivery; any other error acknowledges (the handler has already
// recorded the terminal failure).
type Handler func(ctx context.Context, env *workflow.TaskEnvelope, attempt int) error

// Backend is the durable queue with result backend the engine runs on.
// Submit assigns the task id, persists a PENDING record, and enqueues the
// envelope; workers consume per queue; records are readable by anyone
// holding a task id.
type Backend interface {
	Submit(ctx context.Context, queue string, env *workflow.TaskEnvelope) (string, error)
	Record(ctx context.Context, taskID string) (*workflow.TaskRecord, error)
	IsReady(ctx context.Context, taskID string) (bool, error)

	// Await blocks until the record reaches a terminal state or the
	// ceiling elapses, in which case it returns ErrAwaitTimeout.
	Await(ctx context.Context, taskID string, ceiling time.Duration) (*workflow.TaskRecord, error)

	// Update mutates the record for taskID. Only the worker owning the
	// task id may call this.
	Update(ctx context.Context, taskID string, mutate func(*workflow.TaskRecord)) error

	// Consume runs handler for tasks on the named queue until ctx ends.
	Consume(ctx context.Context, queue string, handler Handler) error
}

// JetStream object names.
const (
	taskStream    = "LOOM_TASKS"
	taskSubjects  = "loom.tasks.*"
	subjectPrefix = "loom.tasks."
	resultBucket  = "LOOM_RESULTS"
)

// JetStreamBackend implements Backend on a NATS JetStream work-queue
// stream plus a KV bucket for task records.
type JetStreamBackend struct {
	js     jetstream.JetStream
	kv     jetstream.KeyValue
	logger *slog.Logger

	// ackWait must exceed the hard task deadline so in-flight tasks are
	// not redelivered while still running.
	ackWait      time.Duration
	pollInterval time.Duration
}

// JetStreamOption configures a JetStreamBackend.
type JetStreamOption func(*JetStreamBackend)

// WithBackendLogger sets the logger.
func WithBackendLogger(logger *slog.Logger) JetStreamOption {
	return func(b *JetStreamBackend) { b.logger = logger }
}

// WithAckWait sets the redelivery grace period for in-flight tasks.
func WithAckWait(d time.Duration) JetStreamOption {
	return func(b *JetStreamBackend) { b.ackWait = d }
}

// WithPollInterval sets the readiness re-check interval used when the KV
// watcher is unavailable.
func WithPollInterval(d time.Duration) JetStreamOption {
	return func(b *JetStreamBackend) { b.pollInterval = d }
}

// NewJetStreamBackend creates the task stream and result bucket if needed.
func NewJetStreamBackend(ctx context.Context, js jetstream.JetStream, opts ...JetStreamOption) (*JetStreamBackend, error) {
	b := &JetStreamBackend{
		js:           js,
		logger:       slog.Default(),
		ackWait:      2*time.Hour + time.Minute,
		pollInterval: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      taskStream,
		Subjects:  []string{taskSubjects},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create task stream: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  resultBucket,
		History: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create result bucket: %w", err)
	}
	b.kv = kv

	return b, nil
}

// Submit persists a PENDING record and publishes the envelope onto the
// queue's subject. The returned id is the backend-assigned task id.
func (b *JetStreamBackend) Submit(ctx context.Context, queue string, env *workflow.TaskEnvelope) (string, error) {
	if queue == "" {
		queue = workflow.DefaultQueue
	}
	env.TaskID = uuid.New().String()

	now := time.Now().UTC()
	record := &workflow.TaskRecord{
		TaskID:      env.TaskID,
		WorkflowID:  env.WorkflowID,
		StepName:    env.StepName,
		PipelineKey: env.Config.PipelineKey,
		Queue:       queue,
		Status:      workflow.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := b.putRecord(ctx, record); err != nil {
		return "", fmt.Errorf("persist task record: %w", err)
	}

	data, err := env.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := b.js.Publish(ctx, subjectPrefix+queue, data); err != nil {
		return "", fmt.Errorf("publish task to %s: %w", queue, err)
	}

	return env.TaskID, nil
}

// Record returns the current task record.
func (b *JetStreamBackend) Record(ctx context.Context, taskID string) (*workflow.TaskRecord, error) {
	entry, err := b.kv.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("get record %s: %w", taskID, err)
	}

	var record workflow.TaskRecord
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", taskID, err)
	}
	return &record, nil
}

// IsReady reports whether the task reached a terminal state.
func (b *JetStreamBackend) IsReady(ctx context.Context, taskID string) (bool, error) {
	record, err := b.Record(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return record.Status.Terminal(), nil
}

// Await watches the record's KV key until it turns terminal. The KV watch
// is the broker's native readiness primitive; if the watcher cannot be
// created, Await falls back to bounded polling. Either path is capped by
// the ceiling.
func (b *JetStreamBackend) Await(ctx context.Context, taskID string, ceiling time.Duration) (*workflow.TaskRecord, error) {
	waitCtx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	watcher, err := b.kv.Watch(waitCtx, taskID)
	if err != nil {
		b.logger.Debug("KV watch unavailable, polling", "task_id", taskID, "error", err)
		return b.awaitPolling(waitCtx, ctx, taskID)
	}
	defer func() { _ = watcher.Stop() }()

	started := time.Now()
	progress := time.NewTicker(30 * time.Second)
	defer progress.Stop()

	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrAwaitTimeout
		case <-progress.C:
			b.logger.Info("Still waiting for task",
				"task_id", taskID,
				"elapsed", time.Since(started).Round(time.Second))
		case entry := <-watcher.Updates():
			// A nil entry marks the end of the initial replay.
			if entry == nil {
				continue
			}
			var record workflow.TaskRecord
			if err := json.Unmarshal(entry.Value(), &record); err != nil {
				b.logger.Warn("Undecodable task record", "task_id", taskID, "error", err)
				continue
			}
			if record.Status.Terminal() {
				return &record, nil
			}
		}
	}
}

// awaitPolling re-checks readiness on a fixed interval until terminal or
// deadline. waitCtx carries the ceiling; parent distinguishes caller
// cancellation from ceiling expiry.
func (b *JetStreamBackend) awaitPolling(waitCtx, parent context.Context, taskID string) (*workflow.TaskRecord, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		record, err := b.Record(waitCtx, taskID)
		if err == nil && record.Status.Terminal() {
			return record, nil
		}
		if err != nil && !errors.Is(err, ErrRecordNotFound) {
			return nil, err
		}

		select {
		case <-waitCtx.Done():
			if parent.Err() != nil {
				return nil, parent.Err()
			}
			return nil, ErrAwaitTimeout
		case <-ticker.C:
		}
	}
}

// Update applies mutate to the record and writes it back. The worker is
// the record's single writer, so read-modify-write needs no CAS loop.
func (b *JetStreamBackend) Update(ctx context.Context, taskID string, mutate func(*workflow.TaskRecord)) error {
	record, err := b.Record(ctx, taskID)
	if err != nil {
		return err
	}
	mutate(record)
	record.UpdatedAt = time.Now().UTC()
	return b.putRecord(ctx, record)
}

func (b *JetStreamBackend) putRecord(ctx context.Context, record *workflow.TaskRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if _, err := b.kv.Put(ctx, record.TaskID, data); err != nil {
		return fmt.Errorf("put record %s: %w", record.TaskID, err)
	}
	return nil
}

// Consume creates the queue's durable consumer and fetches tasks until ctx
// ends. Redelivery is bounded by MaxDeliver as a backstop to the worker's
// own attempt accounting.
func (b *JetStreamBackend) Consume(ctx context.Context, queue string, handler Handler) error {
	stream, err := b.js.Stream(ctx, taskStream)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", taskStream, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       "loom-worker-" + queue,
		FilterSubject: subjectPrefix + queue,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.ackWait,
		MaxDeliver:    MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("create consumer for %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Debug("Fetch timeout or error", "queue", queue, "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			b.handleMsg(ctx, queue, msg, handler)
		}
		if msgs.Error() != nil && !errors.Is(msgs.Error(), context.DeadlineExceeded) {
			b.logger.Warn("Message fetch error", "queue", queue, "error", msgs.Error())
		}
	}
}

func (b *JetStreamBackend) handleMsg(ctx context.Context, queue string, msg jetstream.Msg, handler Handler) {
	var env workflow.TaskEnvelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		b.logger.Error("Undecodable task envelope", "queue", queue, "error", err)
		if err := msg.Term(); err != nil {
			b.logger.Warn("Failed to TERM message", "error", err)
		}
		return
	}

	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}

	err := handler(ctx, &env, attempt)
	switch {
	case err == nil:
		if err := msg.Ack(); err != nil {
			b.logger.Warn("Failed to ACK message", "task_id", env.TaskID, "error", err)
		}
	case IsRetryable(err):
		b.logger.Warn("Task attempt failed, requesting redelivery",
			"task_id", env.TaskID, "attempt", attempt, "error", err)
		if err := msg.NakWithDelay(backoffDelay(attempt)); err != nil {
			b.logger.Warn("Failed to NAK message", "task_id", env.TaskID, "error", err)
		}
	default:
		// Terminal failure already recorded by the handler.
		if err := msg.Ack(); err != nil {
			b.logger.Warn("Failed to ACK message", "task_id", env.TaskID, "error", err)
		}
	}
}

// backoffDelay spaces retries out without letting redelivery starve the
// queue: 5s, 10s, 20s...
func backoffDelay(attempt int) time.Duration {
	d := 5 * time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	if d > time.Minute {
		d = time.Minute
	}
	return d
}
