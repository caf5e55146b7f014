package llm

// Delta is an incremental content/reasoning fragment from a streaming
// provider call.
type Delta struct {
	Text      string `json:"text,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	// Provider/model are optional hints for observability.
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// FaultKind classifies a streaming failure. Kinds are mutually exclusive.
type FaultKind string

const (
	FaultCancelled           FaultKind = "cancelled"
	FaultRateLimited         FaultKind = "rate_limited"
	FaultUpstreamUnavailable FaultKind = "upstream_unavailable"
	FaultUnknown             FaultKind = "unknown"
)

// Fault is the tagged failure outcome of a streaming call. It is carried
// on the result rather than returned as an error so that partial output
// always travels with it.
type Fault struct {
	Kind  FaultKind
	Cause error
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return string(f.Kind) + ": " + f.Cause.Error()
	}
	return string(f.Kind)
}

// StreamResult is the outcome of one streaming call.
type StreamResult struct {
	// Messages are the new messages produced by this call, in order. On
	// a fault this still holds whatever was accumulated beforehand.
	Messages []Message
	Usage    Usage
	// Fault is nil on success.
	Fault *Fault
}

// ToolCallAccumulator concatenates streamed tool-call fragments keyed by
// call id, preserving the order in which ids first appeared.
type ToolCallAccumulator struct {
	order []string
	calls map[string]*ToolCall
}

// NewToolCallAccumulator constructs an empty accumulator.
func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{calls: make(map[string]*ToolCall)}
}

// Start registers a call id, recording its name if provided.
func (a *ToolCallAccumulator) Start(id, name string) {
	if c, ok := a.calls[id]; ok {
		if name != "" {
			c.Name += name
		}
		return
	}
	a.order = append(a.order, id)
	a.calls[id] = &ToolCall{ID: id, Name: name}
}

// Append concatenates an argument fragment onto the call with the given id.
func (a *ToolCallAccumulator) Append(id, fragment string) {
	c, ok := a.calls[id]
	if !ok {
		a.Start(id, "")
		c = a.calls[id]
	}
	c.Arguments += fragment
}

// Calls returns the completed calls in first-appearance order.
func (a *ToolCallAccumulator) Calls() []ToolCall {
	out := make([]ToolCall, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, *a.calls[id])
	}
	return out
}

// Len reports how many distinct call ids have been seen.
func (a *ToolCallAccumulator) Len() int { return len(a.order) }
