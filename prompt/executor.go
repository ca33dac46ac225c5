package prompt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/skeinworks/loom/llm"
	"github.com/skeinworks/loom/workflow"
)

// SkipSentinel is the routing-skip marker produced by post-filter steps.
// Any step that finds it anywhere in its inputs short-circuits without
// touching the LLM.
const SkipSentinel = "SkiPeD!!"

// SkipResponse is the literal returned by a short-circuited step, so
// downstream steps see the sentinel in their own inputs and propagate it.
const SkipResponse = `{"output": "SkiPeD!!"}`

// entityNormalizationKey names the step whose raw upstream LLM responses
// get parsed into structured form before prompt formatting.
const entityNormalizationKey = "entity-normalization"

// Completer is the slice of the LLM client the executor needs.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Fetcher is the slice of the prompt store the executor needs.
type Fetcher interface {
	Fetch(ctx context.Context, name, domainID string) (*Bundle, error)
}

// Executor runs prompt-based steps: fetch the prompt bundle named by the
// pipeline key, render it with the step inputs, and complete it.
type Executor struct {
	store  Fetcher
	client Completer
	logger *slog.Logger
}

// NewExecutor creates a prompt-based step executor.
func NewExecutor(store Fetcher, client Completer, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{store: store, client: client, logger: logger}
}

// Execute runs one prompt-based step.
func (e *Executor) Execute(ctx context.Context, cfg workflow.StepConfig, inputs map[string]any) (any, error) {
	if ContainsSkipSentinel(inputs) {
		e.logger.Info("Skip sentinel found in inputs, short-circuiting",
			"step", cfg.StepName, "pipeline_key", cfg.PipelineKey)
		return SkipResponse, nil
	}

	if cfg.PipelineKey == entityNormalizationKey {
		inputs = normalizeEntityInputs(inputs, e.logger)
	}

	bundle, err := e.store.Fetch(ctx, cfg.PipelineKey, cfg.DomainID)
	if err != nil {
		return nil, fmt.Errorf("fetch prompt %s: %w", cfg.PipelineKey, err)
	}

	req := llm.Request{
		Messages: []llm.Message{
			{Role: "user", Content: bundle.Render(inputs)},
		},
		JSONMode: cfg.JSONObject,
	}
	applyModelParams(&req, bundle.Config, inputs)

	resp, err := e.client.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("complete prompt %s: %w", cfg.PipelineKey, err)
	}

	if cfg.JSONObject {
		parsed, err := llm.ExtractObject(resp.Content)
		if err != nil {
			// The caller decides how strict to be about malformed JSON.
			e.logger.Warn("JSON-mode response not parseable, returning raw text",
				"step", cfg.StepName, "pipeline_key", cfg.PipelineKey, "error", err)
			return resp.Content, nil
		}
		return parsed, nil
	}

	return resp.Content, nil
}

// applyModelParams resolves model parameters: prompt config first, then
// caller overrides from the inputs mapping. Anything still unset falls
// through to the client's worker defaults.
func applyModelParams(req *llm.Request, cfg BundleConfig, inputs map[string]any) {
	req.Model = cfg.Model
	req.Temperature = cfg.Temperature
	req.MaxTokens = cfg.MaxTokens

	if m, ok := inputs["model"].(string); ok && m != "" {
		req.Model = m
	}
	if t, ok := asFloat(inputs["temperature"]); ok {
		req.Temperature = &t
	}
	if n, ok := asFloat(inputs["max_tokens"]); ok && n > 0 {
		req.MaxTokens = int(n)
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// ContainsSkipSentinel recursively walks v looking for the skip marker.
// String values match on containment, not equality: an upstream skip
// arrives as the literal SkipResponse text, and the sentinel inside it
// must keep propagating down the chain.
func ContainsSkipSentinel(v any) bool {
	switch value := v.(type) {
	case string:
		return strings.Contains(value, SkipSentinel)
	case map[string]any:
		for _, nested := range value {
			if ContainsSkipSentinel(nested) {
				return true
			}
		}
	case []any:
		for _, nested := range value {
			if ContainsSkipSentinel(nested) {
				return true
			}
		}
	}
	return false
}

// normalizeEntityInputs parses the raw extraction responses carried in
// extract_entities and extract_relationships into structured JSON before
// they are formatted into the normalization prompt. Unparseable values
// pass through untouched.
func normalizeEntityInputs(inputs map[string]any, logger *slog.Logger) map[string]any {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}

	for _, key := range []string{"extract_entities", "extract_relationships"} {
		raw, ok := out[key].(string)
		if !ok {
			continue
		}
		parsed, err := llm.ExtractObject(raw)
		if err != nil {
			logger.Debug("Extraction response not parseable, passing raw",
				"input", key, "error", err)
			continue
		}
		compact, err := json.Marshal(parsed)
		if err != nil {
			continue
		}
		out[key] = string(compact)
	}

	return out
}
