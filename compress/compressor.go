// Package compress shrinks oversized histories before they go upstream.
package compress

import (
	"context"
	"fmt"
	"strings"

	"github.com/brightboard/tutorengine/chat"
	"github.com/brightboard/tutorengine/llm"
)

// Compressor replaces the oldest portion of an outbound message list with
// a single compression-marker message when the list exceeds a budget.
// The persisted history is never touched; markers exist only in requests.
type Compressor interface {
	// Compress returns the (possibly rewritten) outbound messages and
	// whether a compression happened.
	Compress(ctx context.Context, messages []llm.Message) ([]llm.Message, bool, error)
}

const summaryPrompt = `Summarize the following conversation segment in a compact paragraph.
Keep facts, decisions, and open questions; drop pleasantries.

%s`

// LLMCompressor summarizes the oldest non-system half of the history via
// a single-shot model call.
type LLMCompressor struct {
	client llm.Client
	// BudgetBytes is the text-size threshold above which compression
	// kicks in. Defaults to 48KiB.
	BudgetBytes int
}

// NewLLMCompressor creates a compressor backed by the given client.
func NewLLMCompressor(client llm.Client, budgetBytes int) *LLMCompressor {
	if budgetBytes <= 0 {
		budgetBytes = 48 * 1024
	}
	return &LLMCompressor{client: client, BudgetBytes: budgetBytes}
}

// Compress implements Compressor.
func (c *LLMCompressor) Compress(ctx context.Context, messages []llm.Message) ([]llm.Message, bool, error) {
	if textSize(messages) <= c.BudgetBytes {
		return messages, false, nil
	}

	// Keep the leading system run intact; candidates start after it.
	head := 0
	for head < len(messages) && messages[head].Role == llm.RoleSystem {
		head++
	}
	// Compress the oldest half of what follows, leaving at least the
	// two most recent messages untouched.
	cut := head + (len(messages)-head)/2
	if cut > len(messages)-2 {
		cut = len(messages) - 2
	}
	if cut <= head {
		return messages, false, nil
	}
	segment := messages[head:cut]

	resp, err := c.client.Completion(ctx, fmt.Sprintf(summaryPrompt, renderSegment(segment)))
	if err != nil {
		return messages, false, fmt.Errorf("summarize history: %w", err)
	}
	marker := chat.CompressionMarker("Earlier conversation (summarized): "+resp.Content, segment)

	out := make([]llm.Message, 0, head+1+len(messages)-cut)
	out = append(out, messages[:head]...)
	out = append(out, marker)
	out = append(out, messages[cut:]...)
	return out, true, nil
}

func renderSegment(messages []llm.Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Text())
		b.WriteString("\n")
	}
	return b.String()
}

func textSize(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Text()) + len(m.Reasoning)
		for _, tc := range m.ToolCalls {
			total += len(tc.Arguments)
		}
	}
	return total
}
