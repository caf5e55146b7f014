package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebFetchTool retrieves a URL and returns the response body text.
type WebFetchTool struct {
	client   *http.Client
	maxBytes int64
}

type webFetchArgs struct {
	URL string `json:"url"`
}

// NewWebFetchTool creates a web fetch tool with an optional timeout.
func NewWebFetchTool(timeout time.Duration) *WebFetchTool {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &WebFetchTool{client: &http.Client{Timeout: timeout}, maxBytes: 256 * 1024}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }
func (t *WebFetchTool) Description() string {
	return "Fetch a web page and return its raw contents."
}
func (t *WebFetchTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{"type": "string", "description": "absolute URL to fetch"},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var in webFetchArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if in.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Result{Content: fmt.Sprintf("status: %d\n%s", resp.StatusCode, string(body))}, nil
}
