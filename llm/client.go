package llm

import (
	"context"
	"strings"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser        Role = "user"
	RoleSystem      Role = "system"
	RoleAssistant   Role = "assistant"
	RoleTool        Role = "tool"
	RoleCompression Role = "compression"
)

// ContentKind identifies the type of a content node.
type ContentKind string

const (
	ContentText  ContentKind = "text"
	ContentImage ContentKind = "image"
	ContentFile  ContentKind = "file"
)

// ContentNode is one piece of rich message content.
type ContentNode struct {
	Kind ContentKind `json:"kind"`
	Text string      `json:"text,omitempty"`
	URL  string      `json:"url,omitempty"`
	Mime string      `json:"mime,omitempty"`
	Name string      `json:"name,omitempty"`
}

// Message represents a single entry in a chat history. Messages are
// treated as immutable once constructed; accumulation builds new values.
type Message struct {
	Role      Role          `json:"role"`
	Content   []ContentNode `json:"content,omitempty"`
	Reasoning string        `json:"reasoning,omitempty"`
	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ToolCalls holds calls requested by an assistant-role message.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// Display marks UI-only messages that must not be replayed to the model.
	Display bool `json:"display,omitempty"`
	// Original holds the messages a compression-marker message replaced.
	Original []Message `json:"original,omitempty"`
}

// TextMessage builds a message with a single text node.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentNode{{Kind: ContentText, Text: text}}}
}

// Text concatenates the text nodes of a message.
func (m Message) Text() string {
	var b strings.Builder
	for _, n := range m.Content {
		if n.Kind == ContentText {
			b.WriteString(n.Text)
		}
	}
	return b.String()
}

// ToolCall is a model-initiated function call. Arguments arrive as
// streamed fragments keyed by ID and are concatenated before parsing.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON string
}

// Usage contains additive token counters carried through every step.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add folds another usage sample into the receiver.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// GenParams are generation parameters passed through to the provider.
type GenParams struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Tool defines a callable function made available to the model.
type Tool struct {
	Type     string       `json:"type"` // typically "function"
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a function signature exposed to the model.
type ToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ChatRequest is the normalized request sent to providers. Messages
// marked Display are skipped when building the outbound payload.
type ChatRequest struct {
	Model    string    `json:"model,omitempty"`
	Messages []Message `json:"messages"`
	Tools    []Tool    `json:"tools,omitempty"`
	Params   GenParams `json:"params,omitempty"`
}

// Response is the normalized non-streaming provider response.
type Response struct {
	Content      string     `json:"content"`
	Provider     string     `json:"provider,omitempty"`
	Model        string     `json:"model,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        Usage      `json:"usage"`
}

// Client is the provider-agnostic LLM interface.
type Client interface {
	// Chat performs a single non-streaming call.
	Chat(ctx context.Context, req *ChatRequest) (*Response, error)
	// Completion is a single-shot helper over Chat.
	Completion(ctx context.Context, prompt string) (*Response, error)
	// StreamTurn streams one model call, invoking onDelta for every
	// content/reasoning delta as it arrives. The result carries whatever
	// was accumulated before a fault; partial output is never discarded.
	StreamTurn(ctx context.Context, req *ChatRequest, onDelta func(Delta)) *StreamResult
	Model() string
}

// RetryConfig controls retry behavior for non-streaming calls.
type RetryConfig struct {
	MaxRetries    int           `json:"max_retries"`
	InitialDelay  time.Duration `json:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
}

// DefaultRetryConfig returns sane defaults for provider retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}
