package steps

import (
	"context"
	"log/slog"
	"sort"

	"github.com/skeinworks/loom/workflow"
)

// PromptExecutor is the fall-through for pipeline keys with no built-in
// operation. Any unknown key is optimistically treated as a prompt name.
type PromptExecutor interface {
	Execute(ctx context.Context, cfg workflow.StepConfig, inputs map[string]any) (any, error)
}

// Executor routes each step to its built-in operation or to the
// prompt-based executor. The operation table is read-only after
// construction.
type Executor struct {
	ops    map[string]Operation
	prompt PromptExecutor
	logger *slog.Logger
}

// NewExecutor builds the step executor. prompt may be nil when the
// deployment runs without an LLM; prompt-based steps then fail cleanly.
func NewExecutor(prompt PromptExecutor, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	reader := NewWebReader()
	return &Executor{
		ops: map[string]Operation{
			"op_echo":         opEcho,
			"op_upper":        opUpper,
			"op_concat":       opConcat,
			"web-page-reader": reader.Execute,
		},
		prompt: prompt,
		logger: logger,
	}
}

// BuiltinKeys lists the registered built-in pipeline keys.
func (e *Executor) BuiltinKeys() []string {
	keys := make([]string, 0, len(e.ops))
	for k := range e.ops {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Execute runs one step.
func (e *Executor) Execute(ctx context.Context, cfg workflow.StepConfig, inputs map[string]any) (any, error) {
	if op, ok := e.ops[cfg.PipelineKey]; ok {
		e.logger.Debug("Running built-in operation",
			"step", cfg.StepName, "pipeline_key", cfg.PipelineKey)
		return op(ctx, inputs)
	}

	if e.prompt == nil {
		return nil, &UnknownOperationError{PipelineKey: cfg.PipelineKey}
	}

	e.logger.Debug("Routing to prompt executor",
		"step", cfg.StepName, "pipeline_key", cfg.PipelineKey)
	return e.prompt.Execute(ctx, cfg, inputs)
}

// UnknownOperationError reports a pipeline key with no built-in
// operation and no prompt executor to fall through to.
type UnknownOperationError struct {
	PipelineKey string
}

func (e *UnknownOperationError) Error() string {
	return "no operation or prompt executor for pipeline key " + e.PipelineKey
}
