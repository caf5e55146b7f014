package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	anth "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	base "github.com/brightboard/tutorengine/llm"
	"github.com/brightboard/tutorengine/observability"
)

// Client implements llm.Client for the Anthropic Messages API.
type Client struct {
	client  anth.Client
	cfg     Config
	retrier *base.Retrier
	limiter *base.Limiter
}

// Config configures the Anthropic client.
type Config struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int
	Timeout     time.Duration
	Retry       base.RetryConfig
	MaxInflight int64
	Hooks       *observability.Hooks
	Recorder    base.Recorder
}

// NewClient creates an Anthropic client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Model == "" {
		cfg.Model = "claude-3-5-haiku-latest"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = base.DefaultRetryConfig()
	}

	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}
	c := anth.NewClient(opts...)
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
	c.cfg.Hooks.SafeLLMRequest(ctx, "anthropic", model, map[string]any{"operation": "chat"})
	var out *anth.Message
	err := c.retrier.Do(ctx, func() error {
		resp, err := c.client.Messages.New(ctx, toAnthParams(req, c.cfg))
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	c.cfg.Hooks.SafeLLMResponse(ctx, "anthropic", model, time.Since(start), map[string]any{"operation": "chat", "error": err != nil})
	if err != nil {
		return nil, err
	}
	return fromAnthMessage(out), nil
}

func (c *Client) Completion(ctx context.Context, prompt string) (*base.Response, error) {
	return c.Chat(ctx, &base.ChatRequest{Messages: []base.Message{base.TextMessage(base.RoleUser, prompt)}})
}

// StreamTurn streams one Messages API call. Tool-use input arrives as
// partial JSON fragments keyed by content block; fragments for one block
// are concatenated until the stream ends.
func (c *Client) StreamTurn(ctx context.Context, req *base.ChatRequest, onDelta func(base.Delta)) *base.StreamResult {
	start := time.Now()
	model := pickModel(req, c.cfg.Model)
	res := &base.StreamResult{}
	if err := c.limiter.Acquire(ctx, model); err != nil {
		res.Fault = classify(err)
		return res
	}
	defer c.limiter.Release(model)
	c.cfg.Hooks.SafeLLMRequest(ctx, "anthropic", model, map[string]any{"operation": "stream"})

	stream := c.client.Messages.NewStreaming(ctx, toAnthParams(req, c.cfg))
	defer stream.Close()

	var content, reasoning string
	acc := base.NewToolCallAccumulator()
	blockIDs := map[int64]string{} // content block index -> tool call id
	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case anth.ContentBlockStartEvent:
			if tu, ok := ev.ContentBlock.AsAny().(anth.ToolUseBlock); ok {
				blockIDs[ev.Index] = tu.ID
				acc.Start(tu.ID, tu.Name)
			}
		case anth.ContentBlockDeltaEvent:
			switch d := ev.Delta.AsAny().(type) {
			case anth.TextDelta:
				content += d.Text
				if onDelta != nil {
					onDelta(base.Delta{Text: d.Text, Provider: "anthropic", Model: model})
				}
			case anth.ThinkingDelta:
				reasoning += d.Thinking
				if onDelta != nil {
					onDelta(base.Delta{Reasoning: d.Thinking, Provider: "anthropic", Model: model})
				}
			case anth.InputJSONDelta:
				if id, ok := blockIDs[ev.Index]; ok {
					acc.Append(id, d.PartialJSON)
				}
			}
		case anth.MessageDeltaEvent:
			res.Usage.Add(base.Usage{
				CompletionTokens: int(ev.Usage.OutputTokens),
				TotalTokens:      int(ev.Usage.OutputTokens),
			})
		case anth.MessageStartEvent:
			res.Usage.Add(base.Usage{
				PromptTokens: int(ev.Message.Usage.InputTokens),
				TotalTokens:  int(ev.Message.Usage.InputTokens),
			})
		}
	}
	res.Fault = classify(stream.Err())

	if content != "" || reasoning != "" || acc.Len() > 0 {
		msg := base.TextMessage(base.RoleAssistant, content)
		msg.Reasoning = reasoning
		msg.ToolCalls = acc.Calls()
		res.Messages = append(res.Messages, msg)
	}

	c.cfg.Hooks.SafeLLMResponse(ctx, "anthropic", model, time.Since(start), map[string]any{"operation": "stream", "error": res.Fault != nil})
	c.record(ctx, model, req, res)
	return res
}

func (c *Client) record(ctx context.Context, model string, req *base.ChatRequest, res *base.StreamResult) {
	rec := base.AuditRecord{Provider: "anthropic", Model: model, Request: req, Response: res.Messages, At: time.Now().UTC()}
	if ids, ok := base.GetAuditIDs(ctx); ok {
		rec.ChatID, rec.TurnID = ids.ChatID, ids.TurnID
	}
	if res.Fault != nil {
		rec.Fault = string(res.Fault.Kind)
	}
	base.SafeRecord(ctx, c.cfg.Recorder, rec)
}

func classify(err error) *base.Fault {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &base.Fault{Kind: base.FaultCancelled, Cause: err}
	}
	var apierr *anth.Error
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

func toAnthParams(req *base.ChatRequest, cfg Config) anth.MessageNewParams {
	msgs := make([]anth.MessageParam, 0, len(req.Messages))
	var system string
	for _, m := range req.Messages {
		if m.Display {
			continue
		}
		switch m.Role {
		case base.RoleSystem, base.RoleCompression:
			if system != "" {
				system += "\n\n"
			}
			system += m.Text()
		case base.RoleAssistant:
			blocks := []anth.ContentBlockParamUnion{}
			if txt := m.Text(); txt != "" {
				blocks = append(blocks, anth.ContentBlockParamUnion{OfText: &anth.TextBlockParam{Text: txt}})
			}
			for _, tc := range m.ToolCalls {
				var input any
				_ = json.Unmarshal([]byte(tc.Arguments), &input)
				blocks = append(blocks, anth.ContentBlockParamUnion{OfToolUse: &anth.ToolUseBlockParam{
					ID: tc.ID, Name: tc.Name, Input: input,
				}})
			}
			msgs = append(msgs, anth.MessageParam{Role: anth.MessageParamRoleAssistant, Content: blocks})
		case base.RoleTool:
			msgs = append(msgs, anth.MessageParam{
				Role: anth.MessageParamRoleUser,
				Content: []anth.ContentBlockParamUnion{{OfToolResult: &anth.ToolResultBlockParam{
					ToolUseID: m.ToolCallID,
					Content:   []anth.ToolResultBlockParamContentUnion{{OfText: &anth.TextBlockParam{Text: m.Text()}}},
				}}},
			})
		default:
			msgs = append(msgs, anth.MessageParam{
				Role:    anth.MessageParamRoleUser,
				Content: []anth.ContentBlockParamUnion{{OfText: &anth.TextBlockParam{Text: m.Text()}}},
			})
		}
	}
	maxTokens := cfg.MaxTokens
	if req.Params.MaxTokens > 0 {
		maxTokens = req.Params.MaxTokens
	}
	params := anth.MessageNewParams{
		Messages:  msgs,
		MaxTokens: int64(maxTokens),
		Model:     anth.Model(pickModel(req, cfg.Model)),
	}
	if system != "" {
		params.System = []anth.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		params.Tools = toAnthTools(req.Tools)
	}
	if req.Params.Temperature > 0 {
		params.Temperature = anth.Float(req.Params.Temperature)
	}
	if req.Params.TopP > 0 {
		params.TopP = anth.Float(req.Params.TopP)
	}
	return params
}

// toAnthTools converts tool definitions into Anthropic tool params.
func toAnthTools(tools []base.Tool) []anth.ToolUnionParam {
	out := make([]anth.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		if t.Type != "function" {
			continue
		}
		tp := &anth.ToolParam{Name: t.Function.Name}
		if t.Function.Description != "" {
			tp.Description = anth.String(t.Function.Description)
		}
		schema := anth.ToolInputSchemaParam{Type: "object"}
		if props, ok := t.Function.Parameters["properties"]; ok {
			schema.Properties = props
		}
		tp.InputSchema = schema
		out = append(out, anth.ToolUnionParam{OfTool: tp})
	}
	return out
}

func fromAnthMessage(m *anth.Message) *base.Response {
	if m == nil {
		return &base.Response{Provider: "anthropic"}
	}
	var content string
	var toolCalls []base.ToolCall
	for _, c := range m.Content {
		if c.Text != "" {
			content += c.Text
			continue
		}
		if c.Type == "tool_use" {
			var argsJSON string
			if c.Input != nil {
				if b, err := json.Marshal(c.Input); err == nil {
					argsJSON = string(b)
				}
			}
			toolCalls = append(toolCalls, base.ToolCall{ID: c.ID, Name: c.Name, Arguments: argsJSON})
		}
	}
	resp := &base.Response{
		Content:      content,
		Provider:     "anthropic",
		Model:        string(m.Model),
		FinishReason: fmt.Sprintf("%v", m.StopReason),
	}
	if len(toolCalls) > 0 {
		resp.ToolCalls = toolCalls
	}
	resp.Usage = base.Usage{
		PromptTokens:     int(m.Usage.InputTokens),
		CompletionTokens: int(m.Usage.OutputTokens),
		TotalTokens:      int(m.Usage.InputTokens + m.Usage.OutputTokens),
	}
	return resp
}

func pickModel(req *base.ChatRequest, fallback string) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	return fallback
}
