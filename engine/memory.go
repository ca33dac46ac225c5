package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skeinworks/loom/workflow"
)

// MemoryBackend is an in-process Backend used by tests and by the
// embedded single-binary mode's health probe fallback. It mirrors the
// JetStream backend's semantics: per-queue FIFO delivery, attempt
// accounting with the MaxAttempts backstop, and terminal-state readiness.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string]*workflow.TaskRecord
	queues  map[string]chan *memoryDelivery
	// changed is closed and replaced whenever any record mutates, waking
	// Await callers.
	changed chan struct{}
}

type memoryDelivery struct {
	env     *workflow.TaskEnvelope
	attempt int
}

// NewMemoryBackend creates an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records: make(map[string]*workflow.TaskRecord),
		queues:  make(map[string]chan *memoryDelivery),
		changed: make(chan struct{}),
	}
}

func (b *MemoryBackend) queue(name string) chan *memoryDelivery {
	if q, ok := b.queues[name]; ok {
		return q
	}
	q := make(chan *memoryDelivery, 1024)
	b.queues[name] = q
	return q
}

// Submit records a PENDING task and enqueues its envelope.
func (b *MemoryBackend) Submit(_ context.Context, queue string, env *workflow.TaskEnvelope) (string, error) {
	if queue == "" {
		queue = workflow.DefaultQueue
	}
	env.TaskID = uuid.New().String()

	b.mu.Lock()
	now := time.Now().UTC()
	b.records[env.TaskID] = &workflow.TaskRecord{
		TaskID:      env.TaskID,
		WorkflowID:  env.WorkflowID,
		StepName:    env.StepName,
		PipelineKey: env.Config.PipelineKey,
		Queue:       queue,
		Status:      workflow.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	q := b.queue(queue)
	b.notifyLocked()
	b.mu.Unlock()

	q <- &memoryDelivery{env: env, attempt: 1}
	return env.TaskID, nil
}

// Record returns a copy of the task record.
func (b *MemoryBackend) Record(_ context.Context, taskID string) (*workflow.TaskRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	record, ok := b.records[taskID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	copied := *record
	return &copied, nil
}

// IsReady reports whether the task reached a terminal state.
func (b *MemoryBackend) IsReady(ctx context.Context, taskID string) (bool, error) {
	record, err := b.Record(ctx, taskID)
	if err != nil {
		if err == ErrRecordNotFound {
			return false, nil
		}
		return false, err
	}
	return record.Status.Terminal(), nil
}

// Await blocks until the record is terminal or the ceiling elapses.
func (b *MemoryBackend) Await(ctx context.Context, taskID string, ceiling time.Duration) (*workflow.TaskRecord, error) {
	deadline := time.NewTimer(ceiling)
	defer deadline.Stop()

	for {
		b.mu.Lock()
		record, ok := b.records[taskID]
		if ok && record.Status.Terminal() {
			copied := *record
			b.mu.Unlock()
			return &copied, nil
		}
		changed := b.changed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrAwaitTimeout
		case <-changed:
		}
	}
}

// Update applies mutate to the record.
func (b *MemoryBackend) Update(_ context.Context, taskID string, mutate func(*workflow.TaskRecord)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	record, ok := b.records[taskID]
	if !ok {
		return ErrRecordNotFound
	}
	mutate(record)
	record.UpdatedAt = time.Now().UTC()
	b.notifyLocked()
	return nil
}

func (b *MemoryBackend) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Consume delivers queued tasks to handler until ctx ends, redelivering
// retryable failures up to MaxAttempts.
func (b *MemoryBackend) Consume(ctx context.Context, queue string, handler Handler) error {
	b.mu.Lock()
	q := b.queue(queue)
	b.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-q:
			err := handler(ctx, d.env, d.attempt)
			if err != nil && IsRetryable(err) && d.attempt < MaxAttempts {
				go func(d *memoryDelivery) {
					select {
					case <-ctx.Done():
					case q <- &memoryDelivery{env: d.env, attempt: d.attempt + 1}:
					}
				}(d)
			}
		}
	}
}
