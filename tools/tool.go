// Package tools defines callable utilities exposed to the model.
package tools

import (
	"context"
	"encoding/json"

	"github.com/brightboard/tutorengine/llm"
)

// Result is what a tool invocation produces. Content goes back to the
// model; Display carries UI-only payloads (previews, renders) that are
// shown to listeners but never replayed upstream.
type Result struct {
	Content string
	Display []llm.Message
}

// Tool defines a callable utility. Arguments arrive as the raw JSON the
// model produced; each tool parses them into its own parameter type.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]interface{}
	Execute(ctx context.Context, args json.RawMessage) (*Result, error)
}

// Definitions builds llm.Tool schemas for every tool in the registry.
func Definitions(reg Registry) []llm.Tool {
	if reg == nil {
		return nil
	}
	names := reg.List()
	out := make([]llm.Tool, 0, len(names))
	for _, n := range names {
		if t, ok := reg.Get(n); ok {
			out = append(out, llm.Tool{Type: "function", Function: llm.ToolFunction{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Schema(),
			}})
		}
	}
	return out
}
