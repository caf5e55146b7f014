// Package chat holds the chat data model and persistence contract.
package chat

import (
	"github.com/brightboard/tutorengine/llm"
)

// Chat is one conversation. It is mutated only by the turn state
// machine's terminal persistence step.
type Chat struct {
	ID      string        `json:"id"`
	OwnerID string        `json:"owner_id"`
	// Question carries optional quiz-question context the chat is about.
	Question string        `json:"question,omitempty"`
	History  []llm.Message `json:"history"`
	// Token is the opaque concurrency token; it changes every admitted turn.
	Token  string `json:"token"`
	Banned bool   `json:"banned"`
}

// Clone returns a copy whose history slice is independent of the original.
func (c *Chat) Clone() *Chat {
	cp := *c
	cp.History = append([]llm.Message(nil), c.History...)
	return &cp
}

// CompressionMarker builds the message that stands in for a compressed
// history segment in outbound requests. The replaced messages are
// recorded inside the marker so the real history can be reconstructed.
func CompressionMarker(summary string, original []llm.Message) llm.Message {
	m := llm.TextMessage(llm.RoleCompression, summary)
	m.Original = append([]llm.Message(nil), original...)
	return m
}

// ReconstructHistory splices the uncompressed history back out of a
// message list containing a compression marker: everything before the
// most recent marker, then the messages recorded inside it, then
// everything after it. Lists without a marker come back unchanged.
func ReconstructHistory(messages []llm.Message) []llm.Message {
	marker := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleCompression {
			marker = i
			break
		}
	}
	if marker < 0 {
		return messages
	}
	out := make([]llm.Message, 0, len(messages)-1+len(messages[marker].Original))
	out = append(out, messages[:marker]...)
	out = append(out, messages[marker].Original...)
	out = append(out, messages[marker+1:]...)
	return out
}
