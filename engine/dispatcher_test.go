package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skeinworks/loom/workflow"
)

func TestDispatchWiresSiblingTaskIDs(t *testing.T) {
	backend := NewMemoryBackend()
	d := NewDispatcher(backend, nil)

	plan := &workflow.Plan{Levels: [][]workflow.StepConfig{
		{stepConfig("extract")},
		{stepConfig("summarise", "extract")},
	}}
	handles, err := d.Dispatch(context.Background(), "wf-1", plan, nil)
	require.NoError(t, err)
	require.Len(t, handles, 2)
	require.Equal(t, workflow.StatusPending, handles[0].Status)

	// Drain the queue: the second envelope must carry the first step's id.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var envelopes []*workflow.TaskEnvelope
	go backend.Consume(ctx, workflow.DefaultQueue, func(_ context.Context, env *workflow.TaskEnvelope, _ int) error {
		envelopes = append(envelopes, env)
		if len(envelopes) == 2 {
			cancel()
		}
		return nil
	})
	<-ctx.Done()

	require.Len(t, envelopes, 2)
	require.Empty(t, envelopes[0].TaskIDs)
	require.Equal(t, handles[0].TaskID, envelopes[1].TaskIDs["extract"])
}

func TestDispatchSkipsPreSuppliedSteps(t *testing.T) {
	backend := NewMemoryBackend()
	d := NewDispatcher(backend, nil)

	plan := &workflow.Plan{Levels: [][]workflow.StepConfig{
		{stepConfig("cached")},
		{stepConfig("fresh", "cached")},
	}}
	outputs := map[string]any{"cached": "previous run result"}

	handles, err := d.Dispatch(context.Background(), "wf-2", plan, outputs)
	require.NoError(t, err)
	require.Len(t, handles, 1)
	require.Equal(t, "fresh", handles[0].StepName)
}

func TestDispatchRoutesQueues(t *testing.T) {
	backend := NewMemoryBackend()
	d := NewDispatcher(backend, nil)

	ioStep := stepConfig("fan_out")
	ioStep.Queue = workflow.IOQueue
	plan := &workflow.Plan{Levels: [][]workflow.StepConfig{
		{stepConfig("plain"), ioStep},
	}}

	handles, err := d.Dispatch(context.Background(), "wf-3", plan, nil)
	require.NoError(t, err)
	require.Len(t, handles, 2)
	require.Equal(t, workflow.DefaultQueue, handles[0].Queue)
	require.Equal(t, workflow.IOQueue, handles[1].Queue)

	record, err := backend.Record(context.Background(), handles[1].TaskID)
	require.NoError(t, err)
	require.Equal(t, workflow.IOQueue, record.Queue)
}
