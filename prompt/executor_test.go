package prompt

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skeinworks/loom/llm"
	"github.com/skeinworks/loom/workflow"
)

type fakeStore struct {
	bundle *Bundle
	err    error
	name   string
	domain string
}

func (f *fakeStore) Fetch(_ context.Context, name, domainID string) (*Bundle, error) {
	f.name = name
	f.domain = domainID
	return f.bundle, f.err
}

type fakeCompleter struct {
	response *llm.Response
	err      error
	request  llm.Request
	calls    int
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.calls++
	f.request = req
	return f.response, f.err
}

func promptStepConfig(key string) workflow.StepConfig {
	return workflow.StepConfig{
		StepName:    "step",
		PipelineKey: key,
	}
}

func TestExecutorRendersAndCompletes(t *testing.T) {
	temp := 0.3
	store := &fakeStore{bundle: &Bundle{
		Text:   "Classify: {{text}}",
		Config: BundleConfig{Model: "prompt-model", Temperature: &temp, MaxTokens: 128},
	}}
	client := &fakeCompleter{response: &llm.Response{Content: "category: news"}}
	e := NewExecutor(store, client, nil)

	cfg := promptStepConfig("classify")
	cfg.DomainID = "press"
	result, err := e.Execute(context.Background(), cfg, map[string]any{"text": "hello"})
	require.NoError(t, err)
	require.Equal(t, "category: news", result)

	require.Equal(t, "classify", store.name)
	require.Equal(t, "press", store.domain)
	require.Equal(t, "Classify: hello", client.request.Messages[0].Content)
	require.Equal(t, "prompt-model", client.request.Model)
	require.InDelta(t, 0.3, *client.request.Temperature, 1e-9)
	require.Equal(t, 128, client.request.MaxTokens)
}

func TestExecutorCallerOverridesPromptConfig(t *testing.T) {
	temp := 0.3
	store := &fakeStore{bundle: &Bundle{
		Text:   "{{q}}",
		Config: BundleConfig{Model: "prompt-model", Temperature: &temp},
	}}
	client := &fakeCompleter{response: &llm.Response{Content: "ok"}}
	e := NewExecutor(store, client, nil)

	_, err := e.Execute(context.Background(), promptStepConfig("ask"), map[string]any{
		"q":           "hi",
		"model":       "caller-model",
		"temperature": 0.9,
		"max_tokens":  42,
	})
	require.NoError(t, err)
	require.Equal(t, "caller-model", client.request.Model)
	require.InDelta(t, 0.9, *client.request.Temperature, 1e-9)
	require.Equal(t, 42, client.request.MaxTokens)
}

func TestExecutorSkipSentinelShortCircuits(t *testing.T) {
	store := &fakeStore{err: errors.New("must not be called")}
	client := &fakeCompleter{err: errors.New("must not be called")}
	e := NewExecutor(store, client, nil)

	result, err := e.Execute(context.Background(), promptStepConfig("filter_step"), map[string]any{
		"q": map[string]any{"flag": SkipSentinel},
	})
	require.NoError(t, err)
	require.Equal(t, SkipResponse, result)
	require.Equal(t, 0, client.calls)

	// A downstream step resolves the prerequisite to the literal skip
	// response string and must short-circuit on it too.
	result, err = e.Execute(context.Background(), promptStepConfig("next_step"), map[string]any{
		"filter_step": SkipResponse,
	})
	require.NoError(t, err)
	require.Equal(t, SkipResponse, result)
	require.Equal(t, 0, client.calls)
}

func TestExecutorJSONMode(t *testing.T) {
	store := &fakeStore{bundle: &Bundle{Text: "{{q}}"}}
	client := &fakeCompleter{response: &llm.Response{
		Content: "```json\n{\"label\": \"spam\"}\n```",
	}}
	e := NewExecutor(store, client, nil)

	cfg := promptStepConfig("label")
	cfg.JSONObject = true
	result, err := e.Execute(context.Background(), cfg, map[string]any{"q": "x"})
	require.NoError(t, err)
	require.True(t, client.request.JSONMode)
	require.Equal(t, map[string]any{"label": "spam"}, result)
}

func TestExecutorJSONModeFallsBackToRawText(t *testing.T) {
	store := &fakeStore{bundle: &Bundle{Text: "{{q}}"}}
	client := &fakeCompleter{response: &llm.Response{Content: "not json at all"}}
	e := NewExecutor(store, client, nil)

	cfg := promptStepConfig("label")
	cfg.JSONObject = true
	result, err := e.Execute(context.Background(), cfg, map[string]any{"q": "x"})
	require.NoError(t, err)
	require.Equal(t, "not json at all", result)
}

func TestExecutorEntityNormalizationPreprocessing(t *testing.T) {
	store := &fakeStore{bundle: &Bundle{Text: "Entities: {{extract_entities}}"}}
	client := &fakeCompleter{response: &llm.Response{Content: "ok"}}
	e := NewExecutor(store, client, nil)

	raw := "Here are the entities:\n```json\n{\"entities\": [\"Acme\"]}\n```"
	_, err := e.Execute(context.Background(), promptStepConfig("entity-normalization"), map[string]any{
		"extract_entities": raw,
	})
	require.NoError(t, err)
	require.Equal(t, `Entities: {"entities":["Acme"]}`, client.request.Messages[0].Content)
}

func TestContainsSkipSentinel(t *testing.T) {
	cases := []struct {
		name  string
		value any
		want  bool
	}{
		{"direct string", SkipSentinel, true},
		{"skip response literal", SkipResponse, true},
		{"embedded in text", "upstream said SkiPeD!! here", true},
		{"nested map", map[string]any{"a": map[string]any{"b": SkipSentinel}}, true},
		{"in slice", []any{"x", SkipSentinel}, true},
		{"absent", map[string]any{"a": "value"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ContainsSkipSentinel(tc.value))
		})
	}
}
