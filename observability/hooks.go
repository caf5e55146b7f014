package observability

import (
	"context"
	"time"
)

// Hooks provides optional callbacks for logging, metrics, and tracing without
// introducing dependencies in the core library. All functions are optional.
type Hooks struct {
	// Logf logs a structured message with a severity level and key-value fields.
	Logf func(ctx context.Context, level string, msg string, fields map[string]any)

	// OnLLMRequest is called before a provider request is sent.
	OnLLMRequest func(ctx context.Context, provider string, model string, meta map[string]any)
	// OnLLMResponse is called after a provider response is received.
	OnLLMResponse func(ctx context.Context, provider string, model string, latency time.Duration, meta map[string]any)
	// OnToolExecute is called after a tool invocation completes.
	OnToolExecute func(ctx context.Context, tool string, latency time.Duration, execErr error)
	// OnModeration is called after a moderation pass with its verdict.
	OnModeration func(ctx context.Context, chatID string, checkedChars int, unsafe bool)
	// OnTurnFinish is called once per turn when it reaches a terminal state.
	OnTurnFinish func(ctx context.Context, chatID string, turnID string, outcome string)
}

// SafeLog logs if Logf is configured.
func (h *Hooks) SafeLog(ctx context.Context, level string, msg string, fields map[string]any) {
	if h != nil && h.Logf != nil {
		h.Logf(ctx, level, msg, fields)
	}
}

// SafeLLMRequest invokes OnLLMRequest if configured.
func (h *Hooks) SafeLLMRequest(ctx context.Context, provider string, model string, meta map[string]any) {
	if h != nil && h.OnLLMRequest != nil {
		h.OnLLMRequest(ctx, provider, model, meta)
	}
}

// SafeLLMResponse invokes OnLLMResponse if configured.
func (h *Hooks) SafeLLMResponse(ctx context.Context, provider string, model string, latency time.Duration, meta map[string]any) {
	if h != nil && h.OnLLMResponse != nil {
		h.OnLLMResponse(ctx, provider, model, latency, meta)
	}
}

// SafeToolExecute invokes OnToolExecute if configured.
func (h *Hooks) SafeToolExecute(ctx context.Context, tool string, latency time.Duration, execErr error) {
	if h != nil && h.OnToolExecute != nil {
		h.OnToolExecute(ctx, tool, latency, execErr)
	}
}

// SafeModeration invokes OnModeration if configured.
func (h *Hooks) SafeModeration(ctx context.Context, chatID string, checkedChars int, unsafe bool) {
	if h != nil && h.OnModeration != nil {
		h.OnModeration(ctx, chatID, checkedChars, unsafe)
	}
}

// SafeTurnFinish invokes OnTurnFinish if configured.
func (h *Hooks) SafeTurnFinish(ctx context.Context, chatID string, turnID string, outcome string) {
	if h != nil && h.OnTurnFinish != nil {
		h.OnTurnFinish(ctx, chatID, turnID, outcome)
	}
}
