package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/brightboard/tutorengine/llm"
)

// RenderJobTool submits an image/video generation job to an external
// render service and polls its status with a capped wait. The rendered
// asset comes back as a display-only payload; the model only sees a
// short confirmation.
type RenderJobTool struct {
	client       *http.Client
	baseURL      string
	pollInterval time.Duration
	maxWait      time.Duration
}

type renderJobArgs struct {
	Kind   string `json:"kind"` // "image" or "video"
	Prompt string `json:"prompt"`
}

type renderJobStatus struct {
	Status string `json:"status"` // pending | running | done | failed
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RenderJobConfig configures the render tool.
type RenderJobConfig struct {
	BaseURL      string
	PollInterval time.Duration
	// MaxWait caps how long one invocation waits for the job. Defaults
	// to 2 minutes.
	MaxWait time.Duration
}

// NewRenderJobTool creates a render job tool.
func NewRenderJobTool(cfg RenderJobConfig) (*RenderJobTool, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("render service base URL is required")
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = 2 * time.Minute
	}
	return &RenderJobTool{
		client:       &http.Client{Timeout: 30 * time.Second},
		baseURL:      cfg.BaseURL,
		pollInterval: cfg.PollInterval,
		maxWait:      cfg.MaxWait,
	}, nil
}

func (t *RenderJobTool) Name() string { return "render_media" }
func (t *RenderJobTool) Description() string {
	return "Generate an image or short video from a text prompt."
}
func (t *RenderJobTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"kind":   map[string]interface{}{"type": "string", "enum": []string{"image", "video"}},
			"prompt": map[string]interface{}{"type": "string"},
		},
		"required": []string{"kind", "prompt"},
	}
}

func (t *RenderJobTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var in renderJobArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	jobID, err := t.submit(ctx, in)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.maxWait)
	defer cancel()
	tick := time.NewTicker(t.pollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("render job %s still pending after %s", jobID, t.maxWait)
		case <-tick.C:
		}
		st, err := t.poll(ctx, jobID)
		if err != nil {
			return nil, err
		}
		switch st.Status {
		case "done":
			display := llm.Message{
				Role:    llm.RoleAssistant,
				Display: true,
				Content: []llm.ContentNode{{Kind: llm.ContentImage, URL: st.URL, Name: in.Prompt}},
			}
			return &Result{
				Content: fmt.Sprintf("generated %s is ready and shown to the student", in.Kind),
				Display: []llm.Message{display},
			}, nil
		case "failed":
			return nil, fmt.Errorf("render job failed: %s", st.Error)
		}
	}
}

func (t *RenderJobTool) submit(ctx context.Context, in renderJobArgs) (string, error) {
	body, _ := json.Marshal(in)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit render job: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("render service returned %d", resp.StatusCode)
	}
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode job response: %w", err)
	}
	return out.JobID, nil
}

func (t *RenderJobTool) poll(ctx context.Context, jobID string) (*renderJobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/jobs/"+jobID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll render job: %w", err)
	}
	defer resp.Body.Close()
	var st renderJobStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode job status: %w", err)
	}
	return &st, nil
}
