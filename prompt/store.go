// Package prompt implements the prompt-store client and the executor
// that runs prompt-based steps through the LLM client.
package prompt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Bundle is one fetched prompt: the template text plus the per-prompt
// model configuration.
type Bundle struct {
	Name    string
	Version int
	Text    string
	Config  BundleConfig
}

// BundleConfig carries per-prompt model defaults. Zero values mean
// "unset, fall back to the caller or worker default".
type BundleConfig struct {
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
	Provider    string   `json:"provider"`
}

// Render substitutes {{var}} placeholders with stringified input values.
// Unknown placeholders are left in place so prompt bugs stay visible.
func (b *Bundle) Render(vars map[string]any) string {
	text := b.Text
	for name, value := range vars {
		text = strings.ReplaceAll(text, "{{"+name+"}}", stringifyVar(value))
	}
	return text
}

func stringifyVar(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		if raw, err := json.Marshal(v); err == nil {
			return string(raw)
		}
		return fmt.Sprintf("%v", v)
	}
}

// storeResponse is the wire shape of the prompt API's GET endpoint. The
// prompt field is either a plain string or a chat message array; chat
// prompts are flattened into one text block.
type storeResponse struct {
	Name    string          `json:"name"`
	Version int             `json:"version"`
	Prompt  json.RawMessage `json:"prompt"`
	Config  BundleConfig    `json:"config"`
}

type cacheEntry struct {
	bundle  *Bundle
	expires time.Time
}

// Store fetches prompt bundles over HTTP with Basic auth and caches
// them for a TTL.
type Store struct {
	host       string
	publicKey  string
	secretKey  string
	label      string
	ttl        time.Duration
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreHTTPClient sets a custom HTTP client.
func WithStoreHTTPClient(c *http.Client) StoreOption {
	return func(s *Store) { s.httpClient = c }
}

// WithStoreLogger sets the logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// WithCacheTTL sets how long fetched bundles stay cached.
func WithCacheTTL(ttl time.Duration) StoreOption {
	return func(s *Store) { s.ttl = ttl }
}

// NewStore creates a prompt store client. label selects the prompt
// variant served per environment ("production", "latest", ...).
func NewStore(host, publicKey, secretKey, label string, opts ...StoreOption) *Store {
	s := &Store{
		host:      strings.TrimRight(host, "/"),
		publicKey: publicKey,
		secretKey: secretKey,
		label:     label,
		ttl:       5 * time.Minute,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: slog.Default(),
		cache:  make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch returns the bundle for name. When domainID is set, the
// domain-specific variant "{name}-{domainID}" is tried first, falling
// back to the base name when the variant does not exist.
func (s *Store) Fetch(ctx context.Context, name, domainID string) (*Bundle, error) {
	if domainID != "" {
		bundle, err := s.fetchOne(ctx, name+"-"+domainID)
		if err == nil {
			return bundle, nil
		}
		s.logger.Debug("Domain prompt variant not found, using base prompt",
			"prompt", name, "domain_id", domainID, "error", err)
	}
	return s.fetchOne(ctx, name)
}

func (s *Store) fetchOne(ctx context.Context, name string) (*Bundle, error) {
	s.mu.Lock()
	if entry, ok := s.cache[name]; ok && time.Now().Before(entry.expires) {
		s.mu.Unlock()
		return entry.bundle, nil
	}
	s.mu.Unlock()

	reqURL := fmt.Sprintf("%s/api/public/v2/prompts/%s", s.host, url.PathEscape(name))
	if s.label != "" {
		reqURL += "?label=" + url.QueryEscape(s.label)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create prompt request: %w", err)
	}
	req.SetBasicAuth(s.publicKey, s.secretKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch prompt %s: %w", name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read prompt response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prompt store returned status %d for %s", resp.StatusCode, name)
	}

	var wire storeResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parse prompt response: %w", err)
	}

	bundle := &Bundle{
		Name:    wire.Name,
		Version: wire.Version,
		Text:    flattenPrompt(wire.Prompt),
		Config:  wire.Config,
	}

	s.mu.Lock()
	s.cache[name] = cacheEntry{bundle: bundle, expires: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	return bundle, nil
}

// flattenPrompt accepts both text prompts (a JSON string) and chat
// prompts (an array of {role, content}) and returns plain text.
func flattenPrompt(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}

	var turns []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &turns); err == nil {
		parts := make([]string, 0, len(turns))
		for _, turn := range turns {
			parts = append(parts, turn.Content)
		}
		return strings.Join(parts, "\n\n")
	}

	return string(raw)
}
