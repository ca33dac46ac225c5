package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HistoryProvider reads a chat session's messages from the external
// history service.
type HistoryProvider interface {
	Messages(ctx context.Context, projectID, sessionID, clientID string) (any, error)
}

// HTTPHistoryProvider proxies history reads to the configured service.
type HTTPHistoryProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPHistoryProvider creates a provider for baseURL.
func NewHTTPHistoryProvider(baseURL string, timeout time.Duration) *HTTPHistoryProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPHistoryProvider{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Messages fetches the session's messages.
func (p *HTTPHistoryProvider) Messages(ctx context.Context, projectID, sessionID, clientID string) (any, error) {
	query := url.Values{}
	query.Set("project_id", projectID)
	query.Set("session_id", sessionID)
	if clientID != "" {
		query.Set("client_id", clientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create history request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch chat history: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read chat history: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history service returned status %d", resp.StatusCode)
	}

	var messages any
	if err := json.Unmarshal(body, &messages); err != nil {
		return nil, fmt.Errorf("parse chat history: %w", err)
	}
	return messages, nil
}
