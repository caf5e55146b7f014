package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/brightboard/tutorengine/compress"
	"github.com/brightboard/tutorengine/llm"
	"github.com/brightboard/tutorengine/observability"
	"github.com/brightboard/tutorengine/tools"
)

// loopCallbacks are the notifications a running loop raises. All fields
// are optional.
type loopCallbacks struct {
	onDelta      func(llm.Delta)
	onToolCall   func(llm.ToolCall)
	onDisplay    func(llm.Message)
	onCompressed func()
}

// Loop drives repeated model/tool round-trips until a round produces no
// tool calls or the round limit is hit.
type Loop struct {
	Client     llm.Client
	Tools      tools.Registry
	Compressor compress.Compressor
	Model      string
	Params     llm.GenParams
	MaxRounds  int
	Hooks      *observability.Hooks
}

// Run executes the loop. The result aggregates every round: all new
// messages in order, summed usage, and the fault of the failing round if
// one failed. Partial output survives a mid-loop fault.
func (l *Loop) Run(ctx context.Context, messages []llm.Message, cb loopCallbacks) *llm.StreamResult {
	maxRounds := l.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 8
	}
	out := &llm.StreamResult{}
	current := append([]llm.Message(nil), messages...)

	for round := 0; round < maxRounds; round++ {
		outbound := current
		if l.Compressor != nil {
			compressed, did, err := l.Compressor.Compress(ctx, outbound)
			if err == nil && did {
				outbound = compressed
				if cb.onCompressed != nil {
					cb.onCompressed()
				}
			}
			// A failed compression falls back to the uncompressed list.
		}

		res := l.Client.StreamTurn(ctx, &llm.ChatRequest{
			Model:    l.Model,
			Messages: outbound,
			Tools:    tools.Definitions(l.Tools),
			Params:   l.Params,
		}, cb.onDelta)

		out.Usage.Add(res.Usage)
		out.Messages = append(out.Messages, res.Messages...)
		current = append(current, res.Messages...)
		if res.Fault != nil {
			out.Fault = res.Fault
			return out
		}

		calls := lastToolCalls(res.Messages)
		if len(calls) == 0 {
			return out
		}

		// Resolve calls in the order their ids first appeared.
		for _, tc := range calls {
			results := l.invoke(ctx, tc, cb)
			out.Messages = append(out.Messages, results...)
			current = append(current, results...)
		}
	}

	out.Fault = &llm.Fault{Kind: llm.FaultUnknown, Cause: fmt.Errorf("tool loop exceeded %d rounds", maxRounds)}
	return out
}

// invoke resolves one tool call into its result messages. Tool failures
// become tool-role error messages the model can see and react to; they
// never abort the loop.
func (l *Loop) invoke(ctx context.Context, tc llm.ToolCall, cb loopCallbacks) []llm.Message {
	var tool tools.Tool
	ok := l.Tools != nil
	if ok {
		tool, ok = l.Tools.Get(tc.Name)
	}
	if !ok {
		return []llm.Message{toolErrorMessage(tc.ID, fmt.Sprintf("unknown tool %q", tc.Name))}
	}
	if !json.Valid([]byte(tc.Arguments)) {
		return []llm.Message{toolErrorMessage(tc.ID, fmt.Sprintf("tool %q arguments are not valid JSON", tc.Name))}
	}
	if cb.onToolCall != nil {
		cb.onToolCall(tc)
	}

	start := time.Now()
	result, err := tool.Execute(ctx, json.RawMessage(tc.Arguments))
	l.Hooks.SafeToolExecute(ctx, tc.Name, time.Since(start), err)
	if err != nil {
		return []llm.Message{toolErrorMessage(tc.ID, fmt.Sprintf("tool %q failed: %v", tc.Name, err))}
	}

	msg := llm.TextMessage(llm.RoleTool, result.Content)
	msg.ToolCallID = tc.ID
	msgs := []llm.Message{msg}
	for _, d := range result.Display {
		d.Display = true
		msgs = append(msgs, d)
		if cb.onDisplay != nil {
			cb.onDisplay(d)
		}
	}
	return msgs
}

func toolErrorMessage(callID, detail string) llm.Message {
	m := llm.TextMessage(llm.RoleTool, "error: "+detail)
	m.ToolCallID = callID
	return m
}

// lastToolCalls extracts the calls requested by the round's assistant
// message, if any.
func lastToolCalls(roundMessages []llm.Message) []llm.ToolCall {
	for i := len(roundMessages) - 1; i >= 0; i-- {
		if roundMessages[i].Role == llm.RoleAssistant {
			return roundMessages[i].ToolCalls
		}
	}
	return nil
}
