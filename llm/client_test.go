package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 1.0,
		MaxBackoff:        time.Millisecond,
	}
}

func completionHandler(t *testing.T, capture *chatRequest) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if capture != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(capture))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model": "test-model",
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "hello"}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
		})
	}
}

func TestClientComplete(t *testing.T) {
	var captured chatRequest
	srv := httptest.NewServer(completionHandler(t, &captured))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key",
		WithDefaults("default-model", 0.2, 512),
		WithRetryConfig(fastRetry()))

	resp, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
		JSONMode: true,
	})
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Content)
	require.Equal(t, "test-model", resp.Model)
	require.Equal(t, 5, resp.Usage.TotalTokens)

	require.Equal(t, "default-model", captured.Model)
	require.NotNil(t, captured.Temperature)
	require.InDelta(t, 0.2, *captured.Temperature, 1e-9)
	require.Equal(t, 512, captured.MaxTokens)
	require.NotNil(t, captured.ResponseFormat)
	require.Equal(t, "json_object", captured.ResponseFormat.Type)
}

func TestClientRequestOverridesDefaults(t *testing.T) {
	var captured chatRequest
	srv := httptest.NewServer(completionHandler(t, &captured))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key",
		WithDefaults("default-model", 0.2, 512),
		WithRetryConfig(fastRetry()))

	temp := 0.9
	_, err := client.Complete(context.Background(), Request{
		Model:       "override-model",
		Messages:    []Message{{Role: "user", Content: "hi"}},
		Temperature: &temp,
		MaxTokens:   64,
	})
	require.NoError(t, err)
	require.Equal(t, "override-model", captured.Model)
	require.InDelta(t, 0.9, *captured.Temperature, 1e-9)
	require.Equal(t, 64, captured.MaxTokens)
	require.Nil(t, captured.ResponseFormat)
}

func TestClientRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		completionHandler(t, nil)(w, r)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key", WithRetryConfig(fastRetry()))
	resp, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Content)
	require.Equal(t, int32(3), calls.Load())
}

func TestClientDoesNotRetryFatalErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "bad-key", WithRetryConfig(fastRetry()))
	_, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	require.True(t, IsFatal(err))
	require.Equal(t, int32(1), calls.Load())
}

func TestClientRequiresMessages(t *testing.T) {
	client := NewClient("http://unused", "key")
	_, err := client.Complete(context.Background(), Request{})
	require.Error(t, err)
}
