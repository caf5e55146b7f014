package openai

import (
	"context"
	"errors"
	"net/http"
	"time"

	base "github.com/brightboard/tutorengine/llm"
	"github.com/brightboard/tutorengine/observability"
	oa "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// Client implements llm.Client for the official OpenAI SDK.
type Client struct {
	client  oa.Client
	cfg     Config
	retrier *base.Retrier
	limiter *base.Limiter
}

// Config configures the OpenAI client.
type Config struct {
	APIKey       string
	Model        string
	BaseURL      string
	Timeout      time.Duration
	Retry        base.RetryConfig
	Organization string
	// MaxInflight bounds concurrent upstream requests per model.
	MaxInflight int64
	Hooks       *observability.Hooks
	Recorder    base.Recorder
}

// NewClient creates an OpenAI client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = base.DefaultRetryConfig()
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	opts := []option.RequestOption{option.WithHTTPClient(httpClient)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Organization != "" {
		opts = append(opts, option.WithOrganization(cfg.Organization))
	}
	c := oa.NewClient(opts...)
	return &Client{client: c, cfg: cfg, retrier: base.NewRetrier(cfg.Retry), limiter: base.NewLimiter(cfg.MaxInflight)}, nil
}

func (c *Client) Model() string { return c.cfg.Model }

func (c *Client) Chat(ctx context.Context, req *base.ChatRequest) (*base.Response, error) {
	start := time.Now()
	model := pickModel(req, c.cfg.Model)
	if err := c.limiter.Acquire(ctx, model); err != nil {
		return nil, err
	}
	defer c.limiter.Release(model)
	c.cfg.Hooks.SafeLLMRequest(ctx, "openai", model, map[string]any{"operation": "chat"})
	var resp *oa.ChatCompletion
	err := c.retrier.Do(ctx, func() error {
		params := buildParams(req, model)
		r, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	c.cfg.Hooks.SafeLLMResponse(ctx, "openai", model, time.Since(start), map[string]any{"operation": "chat", "error": err != nil})
	if err != nil {
		return nil, err
	}
	return fromOAResponse(resp), nil
}

func (c *Client) Completion(ctx context.Context, prompt string) (*base.Response, error) {
	return c.Chat(ctx, &base.ChatRequest{Messages: []base.Message{base.TextMessage(base.RoleUser, prompt)}})
}

// StreamTurn streams one model call. Content deltas are forwarded through
// onDelta; tool-call fragments are concatenated by call id until the
// stream ends. Whatever was accumulated before a fault still comes back
// on the result.
func (c *Client) StreamTurn(ctx context.Context, req *base.ChatRequest, onDelta func(base.Delta)) *base.StreamResult {
	start := time.Now()
	model := pickModel(req, c.cfg.Model)
	res := &base.StreamResult{}
	if err := c.limiter.Acquire(ctx, model); err != nil {
		res.Fault = classify(err)
		return res
	}
	defer c.limiter.Release(model)
	c.cfg.Hooks.SafeLLMRequest(ctx, "openai", model, map[string]any{"operation": "stream"})

	params := buildParams(req, model)
	params.StreamOptions = oa.ChatCompletionStreamOptionsParam{IncludeUsage: oa.Bool(true)}
	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var content string
	acc := base.NewToolCallAccumulator()
	for stream.Next() {
		ev := stream.Current()
		if ev.Usage.TotalTokens > 0 {
			res.Usage.Add(base.Usage{
				PromptTokens:     int(ev.Usage.PromptTokens),
				CompletionTokens: int(ev.Usage.CompletionTokens),
				TotalTokens:      int(ev.Usage.TotalTokens),
			})
		}
		for _, ch := range ev.Choices {
			if ch.Delta.Content != "" {
				content += ch.Delta.Content
				if onDelta != nil {
					onDelta(base.Delta{Text: ch.Delta.Content, Provider: "openai", Model: model})
				}
			}
			for _, tc := range ch.Delta.ToolCalls {
				if tc.ID != "" || tc.Function.Name != "" {
					acc.Start(tc.ID, tc.Function.Name)
				}
				if tc.Function.Arguments != "" {
					acc.Append(tc.ID, tc.Function.Arguments)
				}
			}
		}
	}
	res.Fault = classify(stream.Err())

	if content != "" || acc.Len() > 0 {
		msg := base.TextMessage(base.RoleAssistant, content)
		msg.ToolCalls = acc.Calls()
		res.Messages = append(res.Messages, msg)
	}

	c.cfg.Hooks.SafeLLMResponse(ctx, "openai", model, time.Since(start), map[string]any{"operation": "stream", "error": res.Fault != nil})
	c.record(ctx, model, req, res)
	return res
}

// record ships the request/response pair for audit. Best-effort only.
func (c *Client) record(ctx context.Context, model string, req *base.ChatRequest, res *base.StreamResult) {
	rec := base.AuditRecord{Provider: "openai", Model: model, Request: req, Response: res.Messages, At: time.Now().UTC()}
	if ids, ok := base.GetAuditIDs(ctx); ok {
		rec.ChatID, rec.TurnID = ids.ChatID, ids.TurnID
	}
	if res.Fault != nil {
		rec.Fault = string(res.Fault.Kind)
	}
	base.SafeRecord(ctx, c.cfg.Recorder, rec)
}

// classify maps an SDK error onto the tagged fault taxonomy.
func classify(err error) *base.Fault {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &base.Fault{Kind: base.FaultCancelled, Cause: err}
	}
	var apierr *oa.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == http.StatusTooManyRequests:
			return &base.Fault{Kind: base.FaultRateLimited, Cause: err}
		case apierr.StatusCode >= 500:
			return &base.Fault{Kind: base.FaultUpstreamUnavailable, Cause: err}
		}
	}
	return &base.Fault{Kind: base.FaultUnknown, Cause: err}
}

func buildParams(req *base.ChatRequest, model string) oa.ChatCompletionNewParams {
	params := oa.ChatCompletionNewParams{Messages: toOAMessages(req)}
	if model != "" {
		params.Model = shared.ChatModel(model)
	}
	if req.Params.MaxTokens > 0 {
		params.MaxTokens = oa.Int(int64(req.Params.MaxTokens))
	}
	if req.Params.Temperature > 0 {
		params.Temperature = oa.Float(req.Params.Temperature)
	}
	if req.Params.TopP > 0 {
		params.TopP = oa.Float(req.Params.TopP)
	}
	if len(req.Tools) > 0 {
		params.Tools = toOATools(req.Tools)
	}
	return params
}

func fromOAResponse(r *oa.ChatCompletion) *base.Response {
	if r == nil || len(r.Choices) == 0 {
		return &base.Response{Provider: "openai"}
	}
	choice := r.Choices[0]
	resp := &base.Response{
		Content:      choice.Message.Content,
		Provider:     "openai",
		Model:        string(r.Model),
		FinishReason: string(choice.FinishReason),
	}
	if len(choice.Message.ToolCalls) > 0 {
		calls := make([]base.ToolCall, 0, len(choice.Message.ToolCalls))
		for _, tc := range choice.Message.ToolCalls {
			calls = append(calls, base.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
		}
		resp.ToolCalls = calls
	}
	resp.Usage = base.Usage{
		PromptTokens:     int(r.Usage.PromptTokens),
		CompletionTokens: int(r.Usage.CompletionTokens),
		TotalTokens:      int(r.Usage.TotalTokens),
	}
	return resp
}

func pickModel(req *base.ChatRequest, fallback string) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	return fallback
}
