// Package turn drives one AI conversation turn: streaming, tool rounds,
// moderation, fan-out, and single-writer admission per chat.
package turn

import (
	"time"

	"github.com/brightboard/tutorengine/llm"
)

// EventType identifies the kind of event delivered to turn listeners.
type EventType string

const (
	EventMessageDelta      EventType = "message_delta"
	EventToolCallAnnounced EventType = "tool_call_announced"
	EventContextCompressed EventType = "context_compressed"
	EventBanned            EventType = "banned"
	EventFinished          EventType = "finished"
	EventHeartbeat         EventType = "heartbeat"
)

// Event is the tagged variant delivered to listeners. Exactly the fields
// for its type are set; everything else is zero.
type Event struct {
	Type   EventType `json:"type"`
	ChatID string    `json:"chat_id"`
	TurnID string    `json:"turn_id"`
	At     time.Time `json:"at"`

	// Delta carries the increment for MessageDelta events.
	Delta llm.Delta `json:"delta,omitempty"`
	// Message carries catch-up snapshots, display-only tool payloads,
	// and the final message on Finished/Banned.
	Message *llm.Message `json:"message,omitempty"`
	// ToolCall is set on ToolCallAnnounced.
	ToolCall *llm.ToolCall `json:"tool_call,omitempty"`
	// Usage is set on Finished.
	Usage *llm.Usage `json:"usage,omitempty"`
}

// Terminal reports whether this event ends the stream for listeners.
func (e Event) Terminal() bool {
	return e.Type == EventBanned || e.Type == EventFinished
}
