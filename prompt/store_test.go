package prompt

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

func TestStoreFetch(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "pk-test", user)
		require.Equal(t, "sk-test", pass)
		require.Equal(t, "/api/public/v2/prompts/summarise", r.URL.Path)
		require.Equal(t, "production", r.URL.Query().Get("label"))

		json.NewEncoder(w).Encode(map[string]any{
			"name":    "summarise",
			"version": 4,
			"prompt":  "Summarise this: {{text}}",
			"config":  map[string]any{"model": "gpt-4o-mini", "temperature": 0.1, "max_tokens": 256},
		})
	}))
	defer srv.Close()

	store := NewStore(srv.URL, "pk-test", "sk-test", "production")
	bundle, err := store.Fetch(context.Background(), "summarise", "")
	require.NoError(t, err)
	require.Equal(t, 4, bundle.Version)
	require.Equal(t, "gpt-4o-mini", bundle.Config.Model)
	require.NotNil(t, bundle.Config.Temperature)
	require.Equal(t, 256, bundle.Config.MaxTokens)
	require.Equal(t, "Summarise this: hello world", bundle.Render(map[string]any{"text": "hello world"}))

	// Second fetch is served from cache.
	_, err = store.Fetch(context.Background(), "summarise", "")
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())
}

func TestStoreCacheExpiry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"name": "p", "prompt": "text"})
	}))
	defer srv.Close()

	store := NewStore(srv.URL, "pk", "sk", "", WithCacheTTL(time.Millisecond))
	_, err := store.Fetch(context.Background(), "p", "")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = store.Fetch(context.Background(), "p", "")
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestStoreDomainVariantFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/public/v2/prompts/classify-legal":
			json.NewEncoder(w).Encode(map[string]any{"name": "classify-legal", "prompt": "legal variant"})
		case "/api/public/v2/prompts/classify":
			json.NewEncoder(w).Encode(map[string]any{"name": "classify", "prompt": "base"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	store := NewStore(srv.URL, "pk", "sk", "")

	bundle, err := store.Fetch(context.Background(), "classify", "legal")
	require.NoError(t, err)
	require.Equal(t, "legal variant", bundle.Text)

	bundle, err = store.Fetch(context.Background(), "classify", "medical")
	require.NoError(t, err)
	require.Equal(t, "base", bundle.Text)
}

func TestStoreFlattensChatPrompts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"name": "chat",
			"prompt": []map[string]string{
				{"role": "system", "content": "You are terse."},
				{"role": "user", "content": "Answer: {{q}}"},
			},
		})
	}))
	defer srv.Close()

	store := NewStore(srv.URL, "pk", "sk", "")
	bundle, err := store.Fetch(context.Background(), "chat", "")
	require.NoError(t, err)
	require.Equal(t, "You are terse.\n\nAnswer: {{q}}", bundle.Text)
}

func TestRenderStringifiesStructuredValues(t *testing.T) {
	bundle := &Bundle{Text: "Data: {{payload}} Missing: {{absent}}"}
	rendered := bundle.Render(map[string]any{"payload": map[string]any{"k": 1}})
	require.Equal(t, `Data: {"k":1} Missing: {{absent}}`, rendered)
}
