package openai

import (
	base "github.com/brightboard/tutorengine/llm"
	oa "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/shared"
)

// toOAMessages converts normalized messages to OpenAI params. Display
// messages are UI-only and never replayed to the model; compression
// markers go out as system text so the model sees the summary.
func toOAMessages(req *base.ChatRequest) []oa.ChatCompletionMessageParamUnion {
	msgs := make([]oa.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Display {
			continue
		}
		switch m.Role {
		case base.RoleSystem, base.RoleCompression:
			msgs = append(msgs, oa.ChatCompletionMessageParamUnion{OfSystem: &oa.ChatCompletionSystemMessageParam{
				Content: oa.ChatCompletionSystemMessageParamContentUnion{OfString: oa.String(m.Text())},
			}})
		case base.RoleAssistant:
			p := &oa.ChatCompletionAssistantMessageParam{
				Content: oa.ChatCompletionAssistantMessageParamContentUnion{OfString: oa.String(m.Text())},
			}
			for _, tc := range m.ToolCalls {
				p.ToolCalls = append(p.ToolCalls, oa.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &oa.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: oa.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: tc.Arguments,
						},
					},
				})
			}
			msgs = append(msgs, oa.ChatCompletionMessageParamUnion{OfAssistant: p})
		case base.RoleTool:
			msgs = append(msgs, oa.ChatCompletionMessageParamUnion{OfTool: &oa.ChatCompletionToolMessageParam{
				ToolCallID: m.ToolCallID,
				Content:    oa.ChatCompletionToolMessageParamContentUnion{OfString: oa.String(m.Text())},
			}})
		default:
			msgs = append(msgs, oa.ChatCompletionMessageParamUnion{OfUser: &oa.ChatCompletionUserMessageParam{
				Content: oa.ChatCompletionUserMessageParamContentUnion{OfString: oa.String(m.Text())},
			}})
		}
	}
	return msgs
}

// toOATools converts tool definitions to OpenAI function tools.
func toOATools(tools []base.Tool) []oa.ChatCompletionToolUnionParam {
	out := make([]oa.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		if t.Type != "function" {
			continue
		}
		fn := shared.FunctionDefinitionParam{Name: t.Function.Name}
		if t.Function.Description != "" {
			fn.Description = oa.String(t.Function.Description)
		}
		if t.Function.Parameters != nil {
			fn.Parameters = t.Function.Parameters
		}
		out = append(out, oa.ChatCompletionFunctionTool(fn))
	}
	return out
}
